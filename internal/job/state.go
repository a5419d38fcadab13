// Package job runs batch grading jobs: id allocation, the per-essay pipeline
// (copy, gate, evaluate, write artifacts), counter bookkeeping and the
// persisted state snapshot polled by the UI.
package job

import (
	"fmt"
	"sync"
	"time"

	"github.com/ctroy978/nighteval/internal/artifact"
	"github.com/ctroy978/nighteval/internal/domain"
)

// Artifacts records the batch-level output paths; empty means the output was
// not produced.
type Artifacts struct {
	CSV      string `json:"csv,omitempty"`
	XLSX     string `json:"xlsx,omitempty"`
	Zip      string `json:"zip,omitempty"`
	PDFBatch string `json:"pdf_batch,omitempty"`
}

// Snapshot is the serialized job state written to logs/state.json after every
// essay and returned by the poll endpoint. Counters always satisfy
// processed == succeeded + failed.
type Snapshot struct {
	JobID             string           `json:"job_id"`
	JobName           string           `json:"job_name,omitempty"`
	Status            domain.JobStatus `json:"status"`
	Total             int              `json:"total"`
	Processed         int              `json:"processed"`
	Succeeded         int              `json:"succeeded"`
	Failed            int              `json:"failed"`
	Validated         int              `json:"validated"`
	SchemaFail        int              `json:"schema_fail"`
	RetriesUsed       int              `json:"retries_used"`
	TextOKCount       int              `json:"text_ok_count"`
	LowTextWarnings   int              `json:"low_text_warning_count"`
	LowTextRejections int              `json:"low_text_rejected_count"`
	RubricVersionHash string           `json:"rubric_version_hash"`
	PDFCount          int              `json:"pdf_count"`
	PDFBatchPath      string           `json:"pdf_batch_path,omitempty"`
	Artifacts         Artifacts        `json:"artifacts"`
	CurrentStudent    string           `json:"current_student,omitempty"`
	StartedAt         string           `json:"started_at"`
	FinishedAt        string           `json:"finished_at,omitempty"`
	Error             string           `json:"error,omitempty"`
}

// State is the live, mutex-guarded job state. Every mutation persists a fresh
// snapshot so a crash mid-batch loses at most the in-flight essay.
type State struct {
	mu     sync.Mutex
	snap   Snapshot
	layout artifact.Layout
}

// NewState creates a running job state and persists the initial snapshot.
func NewState(layout artifact.Layout, jobID, jobName, rubricHash string, total int) (*State, error) {
	s := &State{
		layout: layout,
		snap: Snapshot{
			JobID:             jobID,
			JobName:           jobName,
			Status:            domain.JobRunning,
			Total:             total,
			RubricVersionHash: rubricHash,
			StartedAt:         time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := s.persist(); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// StartEssay marks which student is currently in flight.
func (s *State) StartEssay(student string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.CurrentStudent = student
	return s.persist()
}

// EssayOutcome is the per-essay counter delta applied after each essay.
type EssayOutcome struct {
	Succeeded   bool
	Validated   bool
	SchemaFail  bool
	RetriesUsed int
	TextVerdict domain.TextVerdict
	PDFWritten  bool
}

// RecordEssay applies one essay's outcome to the counters and persists the
// snapshot. processed always advances by exactly one, into either succeeded
// or failed, never both.
func (s *State) RecordEssay(o EssayOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.Processed++
	if o.Succeeded {
		s.snap.Succeeded++
	} else {
		s.snap.Failed++
	}
	if o.Validated {
		s.snap.Validated++
	}
	if o.SchemaFail {
		s.snap.SchemaFail++
	}
	s.snap.RetriesUsed += o.RetriesUsed
	switch o.TextVerdict {
	case domain.TextOK:
		s.snap.TextOKCount++
	case domain.TextWarning:
		s.snap.LowTextWarnings++
	case domain.TextRejected:
		s.snap.LowTextRejections++
	}
	if o.PDFWritten {
		s.snap.PDFCount++
	}
	s.snap.CurrentStudent = ""
	return s.persist()
}

// SetArtifacts records which batch-level outputs were finalized.
func (s *State) SetArtifacts(a Artifacts, pdfBatchPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Artifacts = a
	s.snap.PDFBatchPath = pdfBatchPath
	return s.persist()
}

// Finish moves the job to its terminal status. A batch where every essay
// failed individually still completes; only batch-level faults (unreadable
// rubric, artifact directory unwritable) fail the job.
func (s *State) Finish(batchErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if batchErr != nil {
		s.snap.Status = domain.JobFailed
		s.snap.Error = batchErr.Error()
	} else {
		s.snap.Status = domain.JobCompleted
	}
	s.snap.CurrentStudent = ""
	s.snap.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	return s.persist()
}

// persist is called with the mutex held.
func (s *State) persist() error {
	if s.snap.Processed != s.snap.Succeeded+s.snap.Failed {
		return fmt.Errorf("%w: counter drift: processed=%d succeeded=%d failed=%d",
			domain.ErrInternal, s.snap.Processed, s.snap.Succeeded, s.snap.Failed)
	}
	return s.layout.WriteStateSnapshot(s.snap)
}
