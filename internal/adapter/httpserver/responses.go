package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ctroy978/nighteval/internal/domain"
)

type errorBody struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response failed", slog.Any("error", err))
	}
}

// writeError maps the domain error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error, details ...string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrTextInsufficient), errors.Is(err, domain.ErrSchemaInvalid):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrUpstreamTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrModelCall):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", slog.Any("error", err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Details: details})
}
