package job

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ctroy978/nighteval/internal/artifact"
	"github.com/ctroy978/nighteval/internal/domain"
	"github.com/ctroy978/nighteval/internal/evaluate"
	"github.com/ctroy978/nighteval/internal/observability"
	"github.com/ctroy978/nighteval/internal/textgate"
)

// EssayInput is one staged upload: the student identity and the temp file the
// HTTP layer saved it to.
type EssayInput struct {
	StudentName string
	SourcePath  string
}

// Request describes a batch submission with its already-canonicalized rubric.
type Request struct {
	JobName       string
	Essays        []EssayInput
	Rubric        domain.Rubric
	RubricJSON    []byte
	RubricVersion string
}

// Options are the per-deployment output toggles.
type Options struct {
	PrintEnabled    bool
	MarkdownEnabled bool
	PDFEnabled      bool
	PDFBatchMerge   bool
	XLSXEnabled     bool
	ZipReadme       bool
}

// Runner executes batch jobs end to end. One essay failing never aborts the
// batch; only batch-level faults (inputs unreadable, artifact root
// unwritable) fail the job itself.
type Runner struct {
	mgr       *Manager
	engine    *evaluate.Engine
	extractor domain.TextExtractor
	pdf       domain.PDFRenderer
	summary   *artifact.SummaryRenderer
	gate      textgate.Config
	opts      Options
}

// NewRunner wires the pipeline. pdf may be nil when PDF output is disabled.
func NewRunner(mgr *Manager, engine *evaluate.Engine, extractor domain.TextExtractor, pdf domain.PDFRenderer, summary *artifact.SummaryRenderer, gate textgate.Config, opts Options) *Runner {
	return &Runner{
		mgr:       mgr,
		engine:    engine,
		extractor: extractor,
		pdf:       pdf,
		summary:   summary,
		gate:      gate,
		opts:      opts,
	}
}

// Start validates and stages the request, then runs the batch in the
// background. It returns the allocated job id immediately so the caller can
// begin polling.
func (r *Runner) Start(req Request) (string, error) {
	if len(req.Essays) == 0 {
		return "", fmt.Errorf("%w: a job needs at least one essay", domain.ErrInvalidArgument)
	}
	if len(req.Rubric.Criteria) == 0 {
		return "", fmt.Errorf("%w: a job needs a rubric with at least one criterion", domain.ErrInvalidArgument)
	}
	if err := r.mgr.TryAcquire(); err != nil {
		return "", err
	}

	jobID, err := r.mgr.AllocateID(time.Now(), req.JobName)
	if err != nil {
		r.mgr.Release()
		return "", err
	}
	layout := r.mgr.Layout(jobID)
	if err := layout.EnsureDirs(r.opts.PrintEnabled, r.opts.MarkdownEnabled, r.opts.PDFEnabled); err != nil {
		r.mgr.Release()
		return "", err
	}
	if err := r.stageInputs(layout, req); err != nil {
		r.mgr.Release()
		return "", err
	}

	state, err := NewState(layout, jobID, req.JobName, req.RubricVersion, len(req.Essays))
	if err != nil {
		r.mgr.Release()
		return "", err
	}
	r.mgr.Register(jobID, state)

	go func() {
		defer r.mgr.Release()
		defer r.mgr.Unregister(jobID)
		// The submitting request is long gone by the time essays grade, so
		// the batch runs under its own context.
		r.run(context.Background(), jobID, layout, state, req)
	}()
	return jobID, nil
}

// stageInputs copies essays and the canonical rubric into the job directory
// so the job stays reproducible after the temp uploads are gone.
func (r *Runner) stageInputs(layout artifact.Layout, req Request) error {
	for _, essay := range req.Essays {
		dst := filepath.Join(layout.EssaysDir(), essay.StudentName+".pdf")
		if err := copyFile(essay.SourcePath, dst); err != nil {
			return fmt.Errorf("%w: stage essay %s: %v", domain.ErrArtifactWrite, essay.StudentName, err)
		}
	}
	if err := os.WriteFile(layout.RubricPath(), req.RubricJSON, 0o644); err != nil {
		return fmt.Errorf("%w: stage rubric: %v", domain.ErrArtifactWrite, err)
	}
	return nil
}

func (r *Runner) run(ctx context.Context, jobID string, layout artifact.Layout, state *State, req Request) {
	log := slog.With(slog.String("job_id", jobID))
	log.Info("job started",
		slog.Int("essays", len(req.Essays)),
		slog.String("rubric_version", req.RubricVersion))

	essays := make([]EssayInput, len(req.Essays))
	copy(essays, req.Essays)
	sort.Slice(essays, func(i, j int) bool {
		return strings.ToLower(essays[i].StudentName) < strings.ToLower(essays[j].StudentName)
	})

	builder := artifact.NewSummaryBuilder(req.Rubric)
	var contexts []domain.SummaryContext

	for _, essay := range essays {
		if err := state.StartEssay(essay.StudentName); err != nil {
			r.finish(state, log, err)
			return
		}
		outcome, sc := r.processEssay(ctx, jobID, layout, req, essay, builder, log)
		if sc != nil {
			contexts = append(contexts, *sc)
		}
		if err := state.RecordEssay(outcome); err != nil {
			r.finish(state, log, err)
			return
		}
		status := "failed"
		if outcome.Succeeded {
			status = "succeeded"
		}
		observability.EssayProcessed(status)
	}

	batchPDF, err := r.finalize(ctx, layout, state, builder, req.JobName, contexts)
	if err != nil {
		r.finish(state, log, err)
		return
	}

	snap := state.Snapshot()
	log.Info("job finished",
		slog.Int("processed", snap.Processed),
		slog.Int("succeeded", snap.Succeeded),
		slog.Int("failed", snap.Failed),
		slog.String("batch_pdf", batchPDF))
	r.finish(state, log, nil)
}

func (r *Runner) finish(state *State, log *slog.Logger, batchErr error) {
	if batchErr != nil {
		log.Error("job failed", slog.Any("error", batchErr))
	}
	if err := state.Finish(batchErr); err != nil {
		log.Error("persisting terminal state failed", slog.Any("error", err))
	}
	status := "completed"
	if batchErr != nil {
		status = "failed"
	}
	observability.JobFinished(status)
}

// processEssay runs one essay through extract, gate, evaluate and artifact
// writes. It never returns an error: per-essay failures become a failure
// record plus counters, and the batch moves on.
func (r *Runner) processEssay(ctx context.Context, jobID string, layout artifact.Layout, req Request, essay EssayInput, builder *artifact.SummaryBuilder, log *slog.Logger) (EssayOutcome, *domain.SummaryContext) {
	student := essay.StudentName
	essayPath := filepath.Join(layout.EssaysDir(), student+".pdf")

	extraction, err := r.extractor.Extract(ctx, essayPath)
	if err != nil {
		log.Warn("text extraction failed", slog.String("student", student), slog.Any("error", err))
		r.recordFailure(layout, jobID, student, builder, artifact.FailureRecord{
			Status: string(domain.EssayEvaluationFailed),
			Reason: "text extraction failed: " + err.Error(),
		}, "extract_error", "")
		return EssayOutcome{}, nil
	}
	if err := layout.WriteTextDump(student, extraction.Text); err != nil {
		log.Warn("text dump write failed", slog.String("student", student), slog.Any("error", err))
	}

	verdict := textgate.Classify(extraction.TotalChars(), extraction.PageChars, r.gate)
	observability.TextGateVerdict(string(verdict.Status))
	if verdict.Rejected() {
		msg := textgate.RemediationMessage(student)
		r.recordFailure(layout, jobID, student, builder, artifact.FailureRecord{
			Status: string(domain.EssayTextRejected),
			Reason: msg,
		}, string(verdict.Status), "chars="+strconv.Itoa(verdict.TotalChars))
		return EssayOutcome{TextVerdict: verdict.Status}, nil
	}

	outcome := r.engine.Evaluate(ctx, extraction.Text, req.Rubric)
	if !outcome.Succeeded() {
		rec := artifact.FailureRecord{
			Status:       string(domain.EssayEvaluationFailed),
			SchemaErrors: outcome.SchemaErrors,
			RawResponse:  outcome.RawResponse,
			Attempts:     outcome.Attempts,
		}
		reason := "schema_fail"
		if outcome.ModelErr != nil {
			rec.Reason = "model call failed: " + outcome.ModelErr.Error()
			reason = "model_error"
		} else {
			rec.Reason = "response failed schema validation after " + strconv.Itoa(outcome.Attempts) + " attempt(s)"
		}
		r.recordFailure(layout, jobID, student, builder, rec, reason, "")
		return EssayOutcome{
			SchemaFail:  outcome.ModelErr == nil,
			RetriesUsed: outcome.RetriesUsed(),
			TextVerdict: verdict.Status,
		}, nil
	}

	result := outcome.Result
	flags := map[string]bool{}
	if verdict.Status == domain.TextWarning {
		flags["low_text_warning"] = true
	}

	rec := artifact.StudentResult{
		Student:           student,
		JobID:             jobID,
		RubricVersionHash: req.RubricVersion,
		EvaluatedAt:       time.Now().UTC().Format(time.RFC3339),
		ValidationStatus:  result.ValidationStatus,
		RetriesUsed:       result.RetriesUsed,
		Overall:           result.Overall,
		Criteria:          result.Criteria,
		TextGate:          verdict,
	}
	if err := layout.WriteStudentJSON(rec); err != nil {
		log.Warn("student json write failed", slog.String("student", student), slog.Any("error", err))
		r.recordFailure(layout, jobID, student, builder, artifact.FailureRecord{
			Status: string(domain.EssayEvaluationFailed),
			Reason: err.Error(),
		}, "artifact_error", "")
		return EssayOutcome{TextVerdict: verdict.Status, RetriesUsed: outcome.RetriesUsed()}, nil
	}

	sc := r.summary.BuildContext(student, req.JobName, result, flags, time.Now())
	pdfWritten := false
	if r.opts.PrintEnabled {
		if err := r.summary.WritePrintables(layout, sc, r.opts.MarkdownEnabled); err != nil {
			log.Warn("printable write failed", slog.String("student", student), slog.Any("error", err))
		}
	}
	if r.opts.PDFEnabled && r.pdf != nil {
		if _, err := r.pdf.RenderStudent(ctx, sc, layout.PDFPath(student)); err != nil {
			// PDF output is best-effort; the JSON result already landed.
			log.Warn("pdf render failed", slog.String("student", student), slog.Any("error", err))
		} else {
			pdfWritten = true
		}
	}

	builder.AddSuccess(student, result)
	score := ""
	if result.Overall != nil {
		score = fmt.Sprintf("%d/%d", result.Overall.PointsEarned, result.Overall.PointsPossible)
	}
	r.logEssay(layout, student, "succeeded", string(verdict.Status), score, strconv.Itoa(result.RetriesUsed), "")
	r.appendResult(layout, map[string]any{
		"student":      student,
		"status":       "succeeded",
		"text_verdict": verdict.Status,
		"scores":       result.Scores(),
		"overall":      result.Overall,
		"retries_used": result.RetriesUsed,
		"ts":           time.Now().UTC().Format(time.RFC3339),
	})

	return EssayOutcome{
		Succeeded:   true,
		Validated:   true,
		RetriesUsed: outcome.RetriesUsed(),
		TextVerdict: verdict.Status,
		PDFWritten:  pdfWritten,
	}, &sc
}

// recordFailure writes the diagnostic JSON, both logs and the blank CSV row
// for a failed essay.
func (r *Runner) recordFailure(layout artifact.Layout, jobID, student string, builder *artifact.SummaryBuilder, rec artifact.FailureRecord, reason, detail string) {
	rec.Student = student
	rec.JobID = jobID
	rec.FailedAt = time.Now().UTC().Format(time.RFC3339)
	if err := layout.WriteFailureJSON(rec); err != nil {
		slog.Warn("failure record write failed", slog.String("student", student), slog.Any("error", err))
	}
	builder.AddFailure(student)
	r.logEssay(layout, student, "failed", reason, "", "", detail)
	r.appendResult(layout, map[string]any{
		"student": student,
		"status":  "failed",
		"reason":  reason,
		"error":   rec.Reason,
		"ts":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (r *Runner) logEssay(layout artifact.Layout, fields ...string) {
	if err := layout.AppendJobLog(fields...); err != nil {
		slog.Warn("job log append failed", slog.Any("error", err))
	}
}

func (r *Runner) appendResult(layout artifact.Layout, entry map[string]any) {
	if err := layout.AppendResult(entry); err != nil {
		slog.Warn("results log append failed", slog.Any("error", err))
	}
}

// finalize writes the batch-level rollups: CSV always, XLSX and the merged
// PDF when enabled, then the ZIP bundle last so it contains everything.
func (r *Runner) finalize(ctx context.Context, layout artifact.Layout, state *State, builder *artifact.SummaryBuilder, jobName string, contexts []domain.SummaryContext) (string, error) {
	if err := builder.WriteCSV(layout.CSVPath()); err != nil {
		return "", err
	}
	arts := Artifacts{CSV: layout.CSVPath()}

	if r.opts.XLSXEnabled {
		if err := builder.WriteXLSX(layout.XLSXPath()); err != nil {
			slog.Warn("xlsx write failed", slog.Any("error", err))
		} else {
			arts.XLSX = layout.XLSXPath()
		}
	}

	batchPDF := ""
	if r.opts.PDFEnabled && r.opts.PDFBatchMerge && r.pdf != nil && len(contexts) > 0 {
		path := layout.BatchPDFPath()
		if _, err := r.pdf.RenderBatch(ctx, contexts, path); err != nil {
			slog.Warn("batch pdf render failed", slog.Any("error", err))
		} else {
			batchPDF = path
		}
	}
	arts.PDFBatch = batchPDF

	readme := ""
	if r.opts.ZipReadme {
		students := make([]string, len(contexts))
		for i, sc := range contexts {
			students[i] = sc.StudentName
		}
		rendered, err := r.summary.RenderBatchHeader(jobName, time.Now(), students)
		if err != nil {
			slog.Warn("zip readme render failed", slog.Any("error", err))
		} else {
			readme = rendered
		}
	}
	if err := layout.WriteZip(readme); err != nil {
		return "", err
	}
	arts.Zip = layout.ZipPath()

	return batchPDF, state.SetArtifacts(arts, batchPDF)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
