// Package openai adapts any OpenAI-compatible chat completions endpoint to
// the domain.AIClient port.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ctroy978/nighteval/internal/domain"
)

// Config holds the provider endpoint and retry tuning.
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	Timeout   time.Duration
	MaxTokens int

	BackoffInitialInterval time.Duration
	BackoffMaxInterval     time.Duration
	BackoffMaxElapsedTime  time.Duration
	BackoffMultiplier      float64
}

// Client implements domain.AIClient against a chat completions API.
type Client struct {
	cfg  Config
	http *http.Client
}

// New constructs a Client. Zero timeout means 60s.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ChatJSON sends one system+user exchange and returns the raw assistant text.
// Transient transport failures (5xx, 429, network errors) are retried with
// exponential backoff; 4xx responses are terminal.
func (c *Client) ChatJSON(ctx domain.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	payload := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:      maxTokens,
		Temperature:    0,
		ResponseFormat: &respFormat{Type: "json_object"},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: marshal request: %v", domain.ErrInternal, err)
	}

	var out string
	operation := func() error {
		var opErr error
		out, opErr = c.send(ctx, body)
		return opErr
	}

	bo := backoff.NewExponentialBackOff()
	if c.cfg.BackoffInitialInterval > 0 {
		bo.InitialInterval = c.cfg.BackoffInitialInterval
	}
	if c.cfg.BackoffMaxInterval > 0 {
		bo.MaxInterval = c.cfg.BackoffMaxInterval
	}
	if c.cfg.BackoffMaxElapsedTime > 0 {
		bo.MaxElapsedTime = c.cfg.BackoffMaxElapsedTime
	}
	if c.cfg.BackoffMultiplier > 0 {
		bo.Multiplier = c.cfg.BackoffMultiplier
	}

	notify := func(err error, next time.Duration) {
		slog.Warn("model call retrying",
			slog.Any("error", err),
			slog.Duration("next_attempt_in", next))
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
		}
		return "", err
	}
	return out, nil
}

func (c *Client) send(ctx context.Context, body []byte) (string, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("%w: build request: %v", domain.ErrInternal, err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrModelCall, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", domain.ErrModelCall, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: provider status %d", domain.ErrModelCall, resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", backoff.Permanent(fmt.Errorf("%w: provider status %d: %s",
			domain.ErrModelCall, resp.StatusCode, truncate(string(raw), 300)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", domain.ErrModelCall, err)
	}
	if parsed.Error != nil {
		return "", backoff.Permanent(fmt.Errorf("%w: %s", domain.ErrModelCall, parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: response has no choices", domain.ErrModelCall)
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
