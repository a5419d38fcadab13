package tika

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctroy978/nighteval/internal/domain"
)

func TestFromPlainTextSplitsPages(t *testing.T) {
	x := FromPlainText("page one text\fpage two longer text\f")
	assert.Equal(t, 2, x.PageCount())
	assert.Equal(t, []int{13, 20}, x.PageChars)
	assert.Equal(t, []string{"page one text", "page two longer text"}, x.Pages)
	assert.NotContains(t, x.Text, "\f")
	assert.Contains(t, x.Text, "page one text")
	assert.Contains(t, x.Text, "page two longer text")
}

func TestFromPlainTextSinglePage(t *testing.T) {
	x := FromPlainText("just one page")
	assert.Equal(t, 1, x.PageCount())
	assert.Equal(t, []int{13}, x.PageChars)
}

func TestFromPlainTextEmpty(t *testing.T) {
	x := FromPlainText("")
	assert.Equal(t, 0, x.TotalChars())
}

func TestExtractRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/tika", r.URL.Path)
		assert.Equal(t, "application/pdf", r.Header.Get("Content-Type"))
		assert.Equal(t, "text/plain", r.Header.Get("Accept"))
		w.Write([]byte("first page\fsecond page"))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "essay.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 fake"), 0o644))

	c := New(srv.URL, time.Second)
	x, err := c.Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, x.PageCount())
	assert.Contains(t, x.Text, "first page")
}

func TestExtractServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "essay.pdf")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	c := New(srv.URL, time.Second)
	_, err := c.Extract(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInternal)
}

func TestExtractMissingFile(t *testing.T) {
	c := New("http://localhost:0", time.Second)
	_, err := c.Extract(context.Background(), filepath.Join(t.TempDir(), "absent.pdf"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
