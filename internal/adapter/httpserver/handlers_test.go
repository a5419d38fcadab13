package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctroy978/nighteval/internal/adapter/ai"
	"github.com/ctroy978/nighteval/internal/artifact"
	"github.com/ctroy978/nighteval/internal/config"
	"github.com/ctroy978/nighteval/internal/delivery"
	"github.com/ctroy978/nighteval/internal/domain"
	"github.com/ctroy978/nighteval/internal/evaluate"
	"github.com/ctroy978/nighteval/internal/job"
	"github.com/ctroy978/nighteval/internal/rubric"
	"github.com/ctroy978/nighteval/internal/textgate"
)

const rubricJSON = `{
  "criteria": [
    {"id": "thesis", "display_name": "Thesis", "max_score": 5},
    {"id": "evidence_use", "display_name": "Evidence", "max_score": 5}
  ],
  "overall_points_possible": 10
}`

// longTextExtractor ignores the file and reports ample selectable text.
type longTextExtractor struct{}

func (longTextExtractor) Extract(domain.Context, string) (domain.Extraction, error) {
	text := strings.Repeat("A solid paragraph of essay text. ", 30)
	return domain.Extraction{Text: text, PageChars: []int{len(text)}}, nil
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	return newTestServerWithMail(t, nil, mutate...)
}

func newTestServerWithMail(t *testing.T, mail *delivery.Service, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Config{
		AppEnv:                   "test",
		MaxUploadMB:              10,
		CORSAllowOrigins:         "*",
		DataDir:                  t.TempDir(),
		RubricDir:                t.TempDir(),
		RubricIDMaxLen:           40,
		RubricRequireTotalsEqual: true,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	mock := ai.NewMock()
	summary, err := artifact.NewSummaryRenderer(artifact.SummarySettings{LineWidth: 80})
	require.NoError(t, err)
	engine := evaluate.NewEngine(mock, evaluate.Config{ValidationRetry: 1})
	jobs := job.NewManager(cfg.DataDir, 1)
	runner := job.NewRunner(jobs, engine, longTextExtractor{}, nil, summary,
		textgate.Config{Enabled: true, MinTextChars: 50, MinCharsPerPage: 10},
		job.Options{PrintEnabled: true})
	rubrics := rubric.NewManager(cfg.RubricDir, rubric.ExtractionConfig{
		Enabled:  true,
		MaxPages: 10,
		MaxChars: 40000,
		Retry:    1,
		Config:   rubric.Config{IDMaxLength: 40, RequireTotalsEqual: true},
	}, mock, longTextExtractor{})

	return New(cfg, runner, jobs, rubrics, mail)
}

func multipartBody(t *testing.T, fields map[string]string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for field, value := range fields {
		require.NoError(t, w.WriteField(field, value))
	}
	for name, content := range files {
		field := "essays"
		if strings.HasSuffix(name, ".json") {
			field = "rubric"
		}
		fw, err := w.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func fakePDF(name string) []byte {
	return []byte("%PDF-1.4\nfake essay content for " + name)
}

func TestStudentNameFromFilename(t *testing.T) {
	cases := map[string]string{
		"alice_smith.pdf":      "alice_smith",
		"Bob Jones.PDF":        "Bob Jones",
		`C:\uploads\carol.pdf`: "carol",
		"../../etc/passwd.pdf": "passwd",
		"weird<>|chars?.pdf":   "weirdchars",
		"nested/path/dave.pdf": "dave",
		"dotted.name.v2.pdf":   "dotted.name.v2",
	}
	for in, want := range cases {
		assert.Equal(t, want, StudentNameFromFilename(in), "input %q", in)
	}
}

func TestSubmitJobMissingEssays(t *testing.T) {
	srv := newTestServer(t)
	body, ct := multipartBody(t, nil, map[string][]byte{"rubric.json": []byte(rubricJSON)})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJobMissingRubric(t *testing.T) {
	srv := newTestServer(t)
	body, ct := multipartBody(t, nil, map[string][]byte{"alice.pdf": fakePDF("alice")})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJobRejectsNonPDFEssay(t *testing.T) {
	srv := newTestServer(t)
	body, ct := multipartBody(t, nil, map[string][]byte{
		"rubric.json": []byte(rubricJSON),
		"alice.pdf":   []byte("plain text pretending to be a pdf"),
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "not a PDF")
}

func TestSubmitJobInvalidRubric(t *testing.T) {
	srv := newTestServer(t)
	body, ct := multipartBody(t, nil, map[string][]byte{
		"rubric.json": []byte(`{"criteria": []}`),
		"alice.pdf":   fakePDF("alice"),
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSubmitAndPollJob(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	body, ct := multipartBody(t, map[string]string{"job_name": "Period 3"}, map[string][]byte{
		"rubric.json": []byte(rubricJSON),
		"alice.pdf":   fakePDF("alice"),
		"bob.pdf":     fakePDF("bob"),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var accepted map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	jobID := accepted["job_id"]
	require.NotEmpty(t, jobID)
	assert.Contains(t, jobID, "period-3")

	var snap job.Snapshot
	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+jobID, nil))
		if rec.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
			return false
		}
		return snap.Status != domain.JobRunning
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, domain.JobCompleted, snap.Status)
	assert.Equal(t, 2, snap.Processed)
	assert.Equal(t, 2, snap.Succeeded)
	assert.NotEmpty(t, snap.Artifacts.CSV)

	for _, path := range []string{"/artifacts/csv", "/artifacts/zip"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+jobID+path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+jobID+"/artifacts/batch_pdf", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "pdf output disabled for this server")
}

func TestSubmitJobRateLimited(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) { c.RateLimitPerMin = 2 })
	router := srv.Router()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		body, ct := multipartBody(t, nil, map[string][]byte{"rubric.json": []byte(rubricJSON)})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	// The first two submissions reach the handler (and fail validation for
	// having no essays); the third is cut off by the per-IP limit.
	assert.Equal(t, []int{http.StatusBadRequest, http.StatusBadRequest, http.StatusTooManyRequests}, codes)

	// Polling stays unlimited.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

// captureSender keeps outbound messages in memory instead of dialing SMTP.
type captureSender struct{ sent []delivery.Message }

func (c *captureSender) Send(_ domain.Context, msg delivery.Message) error {
	c.sent = append(c.sent, msg)
	return nil
}

func TestEmailResultsEndpoint(t *testing.T) {
	sender := &captureSender{}
	mail, err := delivery.NewService(sender, delivery.Config{AttachText: true})
	require.NoError(t, err)
	srv := newTestServerWithMail(t, mail)
	router := srv.Router()

	body, ct := multipartBody(t, map[string]string{"job_name": "Period 3"}, map[string][]byte{
		"rubric.json": []byte(rubricJSON),
		"alice.pdf":   fakePDF("alice"),
		"bob.pdf":     fakePDF("bob"),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var accepted map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	jobID := accepted["job_id"]

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+jobID, nil))
		var snap job.Snapshot
		return rec.Code == http.StatusOK &&
			json.Unmarshal(rec.Body.Bytes(), &snap) == nil &&
			snap.Status != domain.JobRunning
	}, 10*time.Second, 20*time.Millisecond)

	// Emailing before a roster exists is a client error.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+jobID+"/email", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	lay := srv.jobs.Layout(jobID)
	roster := "student_name,email\nAlice,alice@example.edu\nBob,bob@example.edu\nCarol,carol@example.edu\n"
	require.NoError(t, os.WriteFile(lay.StudentsCSVPath(), []byte(roster), 0o644))

	// Dry run reports the match without sending.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+jobID+"/email",
		strings.NewReader(`{"dry_run": true}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var dry struct {
		DryRun  bool           `json:"dry_run"`
		Summary map[string]int `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dry))
	assert.True(t, dry.DryRun)
	assert.Equal(t, 3, dry.Summary["total"])
	assert.Equal(t, 2, dry.Summary["ready"])
	assert.Equal(t, 1, dry.Summary["missing_eval"])
	assert.Empty(t, sender.sent)

	// The real send delivers the ready rows and writes the report.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+jobID+"/email", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var sent struct {
		Summary map[string]int `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sent))
	assert.Equal(t, 2, sent.Summary["sent"])
	assert.Len(t, sender.sent, 2)
	assert.FileExists(t, lay.EmailReportPath())
}

func TestEmailResultsUnavailableWhenDisabled(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/20260101-000000/email", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestJobStateNotFound(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/20990101-000000", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRubricExtractAndFixFlow(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	// Upload a rubric that needs fixing.
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", "rubric.json")
	require.NoError(t, err)
	_, err = fw.Write([]byte(`{"criteria": [{"display_name": "", "max_score": -1}]}`))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/rubrics/extract", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var session rubric.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, rubric.SessionNeedsFix, session.Status)
	require.NotEmpty(t, session.TempID)

	// Fix it through the validate endpoint.
	var fixed map[string]any
	require.NoError(t, json.Unmarshal([]byte(rubricJSON), &fixed))
	payload, err := json.Marshal(map[string]any{"rubric": fixed})
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/v1/rubrics/%s/validate", session.TempID), bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result struct {
		Valid   bool           `json:"valid"`
		Errors  []string       `json:"errors"`
		Session rubric.Session `json:"session"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
	assert.Equal(t, rubric.SessionValid, result.Session.Status)

	// A valid session can back a job submission.
	body, ct := multipartBody(t, map[string]string{"rubric_temp_id": session.TempID},
		map[string][]byte{"alice.pdf": fakePDF("alice")})
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/jobs", body)
	req.Header.Set("Content-Type", ct)
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestRubricValidateUnknownSession(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rubrics/nope/validate",
		strings.NewReader(`{"rubric": {"criteria": []}}`))
	req.Header.Set("Content-Type", "application/json")
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}
