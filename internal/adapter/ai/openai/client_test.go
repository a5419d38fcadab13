package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctroy978/nighteval/internal/domain"
)

func fastConfig(url string) Config {
	return Config{
		BaseURL:                url,
		APIKey:                 "test-key",
		Model:                  "test-model",
		Timeout:                2 * time.Second,
		BackoffInitialInterval: time.Millisecond,
		BackoffMaxInterval:     5 * time.Millisecond,
		BackoffMaxElapsedTime:  200 * time.Millisecond,
	}
}

func chatBody(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	})
	return string(b)
}

func TestChatJSONSuccess(t *testing.T) {
	var gotAuth, gotPath string
	var gotReq map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(chatBody(`{"ok": true}`)))
	}))
	defer srv.Close()

	c := New(fastConfig(srv.URL))
	out, err := c.ChatJSON(context.Background(), "system", "user", 512)
	require.NoError(t, err)
	assert.Equal(t, `{"ok": true}`, out)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "test-model", gotReq["model"])
	assert.EqualValues(t, 512, gotReq["max_tokens"])

	msgs := gotReq["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestChatJSONRetriesOn500(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(chatBody("recovered")))
	}))
	defer srv.Close()

	c := New(fastConfig(srv.URL))
	out, err := c.ChatJSON(context.Background(), "s", "u", 0)
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.EqualValues(t, 3, calls.Load())
}

func TestChatJSON400IsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"message": "bad model"}}`))
	}))
	defer srv.Close()

	c := New(fastConfig(srv.URL))
	_, err := c.ChatJSON(context.Background(), "s", "u", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrModelCall)
	assert.EqualValues(t, 1, calls.Load(), "4xx must not be retried")
}

func TestChatJSONGivesUpAfterBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(fastConfig(srv.URL))
	_, err := c.ChatJSON(context.Background(), "s", "u", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrModelCall)
}

func TestChatJSONNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	c := New(fastConfig(srv.URL))
	_, err := c.ChatJSON(context.Background(), "s", "u", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrModelCall)
}
