package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	"github.com/ctroy978/nighteval/internal/delivery"
	"github.com/ctroy978/nighteval/internal/domain"
	"github.com/ctroy978/nighteval/internal/job"
	"github.com/ctroy978/nighteval/internal/rubric"
)

var studentNamePattern = regexp.MustCompile(`[^A-Za-z0-9._ -]+`)

// handleSubmitJob accepts a multipart batch: one or more "essays" PDFs plus
// either a "rubric" JSON file or a "rubric_temp_id" referencing a valid
// extraction session. It answers 202 with the job id; progress is polled.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.cfg.MaxUploadMB << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		writeError(w, fmt.Errorf("%w: parse upload: %v", domain.ErrInvalidArgument, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	rub, rubricJSON, err := s.resolveRubric(r)
	if err != nil {
		writeError(w, err)
		return
	}

	files := r.MultipartForm.File["essays"]
	if len(files) == 0 {
		writeError(w, fmt.Errorf("%w: no essay files in field %q", domain.ErrInvalidArgument, "essays"))
		return
	}

	tmpDir, err := os.MkdirTemp("", "nighteval-upload-*")
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInternal, err))
		return
	}
	defer os.RemoveAll(tmpDir)

	essays := make([]job.EssayInput, 0, len(files))
	seen := map[string]bool{}
	for i, fh := range files {
		student := StudentNameFromFilename(fh.Filename)
		if student == "" || seen[student] {
			writeError(w, fmt.Errorf("%w: essay filename %q yields an empty or duplicate student name", domain.ErrInvalidArgument, fh.Filename))
			return
		}
		seen[student] = true

		path := filepath.Join(tmpDir, fmt.Sprintf("essay-%d.pdf", i))
		if err := saveUpload(fh, path); err != nil {
			writeError(w, err)
			return
		}
		if err := requirePDF(path); err != nil {
			writeError(w, fmt.Errorf("%w: %q: %v", domain.ErrInvalidArgument, fh.Filename, err))
			return
		}
		essays = append(essays, job.EssayInput{StudentName: student, SourcePath: path})
	}

	jobID, err := s.runner.Start(job.Request{
		JobName:       r.FormValue("job_name"),
		Essays:        essays,
		Rubric:        rub,
		RubricJSON:    rubricJSON,
		RubricVersion: rub.VersionHash(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// resolveRubric pulls the rubric from the uploaded file or from a previously
// validated extraction session.
func (s *Server) resolveRubric(r *http.Request) (domain.Rubric, []byte, error) {
	if tempID := r.FormValue("rubric_temp_id"); tempID != "" {
		session, ok := s.rubrics.Get(tempID)
		if !ok {
			return domain.Rubric{}, nil, fmt.Errorf("%w: rubric session %q", domain.ErrNotFound, tempID)
		}
		if session.Status != rubric.SessionValid {
			return domain.Rubric{}, nil, fmt.Errorf("%w: rubric session %q is %s, not valid", domain.ErrConflict, tempID, session.Status)
		}
		raw, err := json.MarshalIndent(session.Canonical, "", "  ")
		if err != nil {
			return domain.Rubric{}, nil, fmt.Errorf("%w: %v", domain.ErrInternal, err)
		}
		var rub domain.Rubric
		if err := json.Unmarshal(raw, &rub); err != nil {
			return domain.Rubric{}, nil, fmt.Errorf("%w: %v", domain.ErrInternal, err)
		}
		return rub, raw, nil
	}

	fh, err := formFile(r, "rubric")
	if err != nil {
		return domain.Rubric{}, nil, fmt.Errorf("%w: provide a %q file or %q", domain.ErrInvalidArgument, "rubric", "rubric_temp_id")
	}
	f, err := fh.Open()
	if err != nil {
		return domain.Rubric{}, nil, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return domain.Rubric{}, nil, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}

	rub, issues, err := rubric.Parse(raw, s.rubricConfig())
	if err != nil {
		return domain.Rubric{}, nil, err
	}
	if msgs := rubric.Messages(rubric.Errors(issues)); len(msgs) > 0 {
		return domain.Rubric{}, nil, fmt.Errorf("%w: rubric failed validation: %s", domain.ErrSchemaInvalid, strings.Join(msgs, "; "))
	}
	canonical, err := rub.CanonicalJSON()
	if err != nil {
		return domain.Rubric{}, nil, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	return rub, canonical, nil
}

func (s *Server) rubricConfig() rubric.Config {
	return rubric.Config{
		IDMaxLength:        s.cfg.RubricIDMaxLen,
		RequireTotalsEqual: s.cfg.RubricRequireTotalsEqual,
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	ids, err := s.jobs.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": ids})
}

func (s *Server) handleJobState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.jobs.Snapshot(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDownloadCSV(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r, func(l layout) string { return l.CSVPath() }, "text/csv")
}

func (s *Server) handleDownloadXLSX(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r, func(l layout) string { return l.XLSXPath() },
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
}

func (s *Server) handleDownloadZip(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r, func(l layout) string { return l.ZipPath() }, "application/zip")
}

func (s *Server) handleDownloadBatchPDF(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r, func(l layout) string { return l.BatchPDFPath() }, "application/pdf")
}

type layout interface {
	CSVPath() string
	XLSXPath() string
	ZipPath() string
	BatchPDFPath() string
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, pathOf func(layout) string, contentType string) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := s.jobs.Snapshot(jobID); err != nil {
		writeError(w, err)
		return
	}
	path := pathOf(s.jobs.Layout(jobID))
	if _, err := os.Stat(path); err != nil {
		writeError(w, fmt.Errorf("%w: artifact %s for job %s", domain.ErrNotFound, filepath.Base(path), jobID))
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+"-"+filepath.Base(path)))
	http.ServeFile(w, r, path)
}

type emailResultsRequest struct {
	DryRun bool `json:"dry_run"`
}

// handleEmailResults mails each student their graded results for a finished
// job, matched through inputs/students.csv. With dry_run the roster match is
// reported without sending anything.
func (s *Server) handleEmailResults(w http.ResponseWriter, r *http.Request) {
	if s.mail == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "email delivery is not configured"})
		return
	}

	jobID := chi.URLParam(r, "jobID")
	snap, err := s.jobs.Snapshot(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if snap.Status == domain.JobRunning {
		writeError(w, fmt.Errorf("%w: job %s is still running", domain.ErrConflict, jobID))
		return
	}

	var req emailResultsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, fmt.Errorf("%w: decode body: %v", domain.ErrInvalidArgument, err))
		return
	}

	lay := s.jobs.Layout(jobID)
	res, err := s.mail.Prepare(lay, snap.JobName)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.DryRun {
		writeJSON(w, http.StatusOK, map[string]any{
			"dry_run":   true,
			"summary":   delivery.Summarize(res.Prepared),
			"unmatched": res.Unmatched,
		})
		return
	}

	rows := s.mail.Send(r.Context(), res.Prepared)
	if err := delivery.WriteReport(lay.EmailReportPath(), rows); err != nil {
		writeError(w, err)
		return
	}

	summary := map[string]int{"total": len(rows)}
	for _, row := range rows {
		summary[row.Status]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":   summary,
		"unmatched": res.Unmatched,
		"report":    lay.EmailReportPath(),
	})
}

// handleRubricExtract ingests a rubric upload (JSON or PDF) and starts an
// extraction session.
func (s *Server) handleRubricExtract(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.cfg.MaxUploadMB << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		writeError(w, fmt.Errorf("%w: parse upload: %v", domain.ErrInvalidArgument, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	fh, err := formFile(r, "file")
	if err != nil {
		writeError(w, fmt.Errorf("%w: missing %q upload", domain.ErrInvalidArgument, "file"))
		return
	}
	f, err := fh.Open()
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInternal, err))
		return
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInternal, err))
		return
	}

	session, err := s.rubrics.Extract(r.Context(), fh.Filename, content, fh.Header.Get("Content-Type"), r.FormValue("job_name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleRubricSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.rubrics.Get(chi.URLParam(r, "tempID"))
	if !ok {
		writeError(w, fmt.Errorf("%w: rubric session %q", domain.ErrNotFound, chi.URLParam(r, "tempID")))
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type rubricValidateRequest struct {
	Rubric       map[string]any `json:"rubric" validate:"required"`
	ValidateOnly bool           `json:"validate_only"`
}

// handleRubricValidate canonicalizes a human-corrected rubric payload for an
// existing session, saving it when valid unless validate_only is set.
func (s *Server) handleRubricValidate(w http.ResponseWriter, r *http.Request) {
	var req rubricValidateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: decode body: %v", domain.ErrInvalidArgument, err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
		return
	}

	session, res, err := s.rubrics.ValidateAndSave(chi.URLParam(r, "tempID"), req.Rubric, req.ValidateOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":  session,
		"valid":    res.Valid(),
		"errors":   rubric.Messages(rubric.Errors(res.Issues)),
		"warnings": res.Warnings,
	})
}

// StudentNameFromFilename derives the student identity from an uploaded
// filename: base name without extension, unsafe characters stripped.
func StudentNameFromFilename(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = studentNamePattern.ReplaceAllString(base, "")
	return strings.TrimSpace(base)
}

func formFile(r *http.Request, field string) (*multipart.FileHeader, error) {
	if r.MultipartForm == nil || len(r.MultipartForm.File[field]) == 0 {
		return nil, fmt.Errorf("missing %q", field)
	}
	return r.MultipartForm.File[field][0], nil
}

func saveUpload(fh *multipart.FileHeader, path string) error {
	src, err := fh.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	defer src.Close()
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	return dst.Close()
}

// requirePDF sniffs the saved upload; extension alone is not trusted.
func requirePDF(path string) error {
	detected, err := mimetype.DetectFile(path)
	if err != nil {
		return err
	}
	if !detected.Is("application/pdf") {
		return fmt.Errorf("not a PDF (detected %s)", detected.String())
	}
	return nil
}
