// Package pdfrender adapts an HTTP PDF rendering service to the
// domain.PDFRenderer port. The service receives the sanitized summary context
// and typography settings and returns raw PDF bytes.
package pdfrender

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ctroy978/nighteval/internal/domain"
)

// Settings is the typography block sent with every render request.
type Settings struct {
	PageSize    string  `json:"page_size"`
	Font        string  `json:"font"`
	LineSpacing float64 `json:"line_spacing"`
}

// Client renders printable summary PDFs through an external service.
type Client struct {
	baseURL  string
	settings Settings
	http     *http.Client
}

// New constructs a Client.
func New(baseURL string, settings Settings, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		settings: settings,
		http:     &http.Client{Timeout: timeout},
	}
}

// RenderStudent renders one student summary to outPath, returning the PDF
// size in bytes.
func (c *Client) RenderStudent(ctx domain.Context, sc domain.SummaryContext, outPath string) (int64, error) {
	payload := struct {
		Settings Settings              `json:"settings"`
		Student  domain.SummaryContext `json:"student"`
	}{Settings: c.settings, Student: sc}
	return c.render(ctx, "/render/student", payload, outPath)
}

// RenderBatch renders one merged document containing every student summary
// in order.
func (c *Client) RenderBatch(ctx domain.Context, scs []domain.SummaryContext, outPath string) (int64, error) {
	payload := struct {
		Settings Settings                `json:"settings"`
		Students []domain.SummaryContext `json:"students"`
	}{Settings: c.settings, Students: scs}
	return c.render(ctx, "/render/batch", payload, outPath)
}

func (c *Client) render(ctx domain.Context, endpoint string, payload any, outPath string) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("%w: marshal render payload: %v", domain.ErrInternal, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: build request: %v", domain.ErrInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/pdf")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: pdf renderer: %v", domain.ErrUpstreamTimeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("%w: pdf renderer status %d: %s",
			domain.ErrInternal, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	out, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", domain.ErrArtifactWrite, outPath, err)
	}
	defer out.Close()
	n, err := io.Copy(out, resp.Body)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", domain.ErrArtifactWrite, outPath, err)
	}
	return n, out.Close()
}
