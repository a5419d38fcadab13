// Package httpserver exposes the grading pipeline over HTTP: batch
// submission, job polling, artifact downloads and the rubric
// extract/validate/fix flow.
package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ctroy978/nighteval/internal/config"
	"github.com/ctroy978/nighteval/internal/delivery"
	"github.com/ctroy978/nighteval/internal/job"
	"github.com/ctroy978/nighteval/internal/rubric"
)

// Server wires the HTTP surface to the pipeline components.
type Server struct {
	cfg      config.Config
	runner   *job.Runner
	jobs     *job.Manager
	rubrics  *rubric.Manager
	mail     *delivery.Service
	validate *validator.Validate
}

// New constructs a Server. mail may be nil when email delivery is disabled.
func New(cfg config.Config, runner *job.Runner, jobs *job.Manager, rubrics *rubric.Manager, mail *delivery.Service) *Server {
	return &Server{
		cfg:      cfg,
		runner:   runner,
		jobs:     jobs,
		rubrics:  rubrics,
		mail:     mail,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Router builds the chi router with the standard middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(s.cfg.CORSAllowOrigins, ","),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Uploads and model-backed endpoints are rate limited; polling and
	// downloads are not.
	limit := func(next http.Handler) http.Handler { return next }
	if s.cfg.RateLimitPerMin > 0 {
		limit = httprate.LimitByIP(s.cfg.RateLimitPerMin, time.Minute)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.With(limit).Post("/", s.handleSubmitJob)
			r.Get("/", s.handleListJobs)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", s.handleJobState)
				r.Get("/artifacts/csv", s.handleDownloadCSV)
				r.Get("/artifacts/xlsx", s.handleDownloadXLSX)
				r.Get("/artifacts/zip", s.handleDownloadZip)
				r.Get("/artifacts/batch_pdf", s.handleDownloadBatchPDF)
				r.With(limit).Post("/email", s.handleEmailResults)
			})
		})
		r.Route("/rubrics", func(r chi.Router) {
			r.With(limit).Post("/extract", s.handleRubricExtract)
			r.Route("/{tempID}", func(r chi.Router) {
				r.Get("/", s.handleRubricSession)
				r.Post("/validate", s.handleRubricValidate)
			})
		})
	})
	return r
}

// ListenAndServe runs the server until ctx is cancelled, then drains with the
// configured shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.HTTPReadTimeout,
		WriteTimeout: s.cfg.HTTPWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ServerShutdownTimeout)
	defer cancel()
	slog.Info("http server draining")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}
