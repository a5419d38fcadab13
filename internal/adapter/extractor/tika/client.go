// Package tika adapts an Apache Tika server to the domain.TextExtractor port.
package tika

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ctroy978/nighteval/internal/domain"
)

// Client extracts PDF text through a Tika server's /tika endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client for the given server URL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Extract uploads the PDF and returns its text plus per-page character
// counts. Tika separates pages with form feeds when asked for plain text, so
// page boundaries survive the round trip.
func (c *Client) Extract(ctx domain.Context, path string) (domain.Extraction, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.Extraction{}, fmt.Errorf("%w: open %s: %v", domain.ErrInvalidArgument, path, err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/tika", f)
	if err != nil {
		return domain.Extraction{}, fmt.Errorf("%w: build request: %v", domain.ErrInternal, err)
	}
	req.Header.Set("Content-Type", "application/pdf")
	req.Header.Set("Accept", "text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Extraction{}, fmt.Errorf("%w: extractor: %v", domain.ErrUpstreamTimeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Extraction{}, fmt.Errorf("%w: extractor status %d", domain.ErrInternal, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return domain.Extraction{}, fmt.Errorf("%w: read extractor response: %v", domain.ErrInternal, err)
	}
	return FromPlainText(string(raw)), nil
}

// FromPlainText builds an Extraction from form-feed separated page text.
func FromPlainText(text string) domain.Extraction {
	pages := strings.Split(text, "\f")
	// A trailing form feed yields a phantom empty last page.
	if n := len(pages); n > 1 && strings.TrimSpace(pages[n-1]) == "" {
		pages = pages[:n-1]
	}
	trimmed := make([]string, len(pages))
	perPage := make([]int, len(pages))
	for i, p := range pages {
		trimmed[i] = strings.TrimSpace(p)
		perPage[i] = len(trimmed[i])
	}
	cleaned := strings.TrimSpace(strings.ReplaceAll(text, "\f", "\n"))
	return domain.Extraction{Text: cleaned, Pages: trimmed, PageChars: perPage}
}
