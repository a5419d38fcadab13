package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ctroy978/nighteval/internal/domain"
)

// StudentResult is the per-student JSON written to outputs/json/.
type StudentResult struct {
	Student           string                   `json:"student"`
	JobID             string                   `json:"job_id"`
	RubricVersionHash string                   `json:"rubric_version_hash"`
	EvaluatedAt       string                   `json:"evaluated_at"`
	ValidationStatus  domain.ValidationStatus  `json:"validation_status"`
	RetriesUsed       int                      `json:"retries_used"`
	Overall           *domain.OverallScore     `json:"overall,omitempty"`
	Criteria          []domain.CriterionResult `json:"criteria"`
	TextGate          any                      `json:"text_gate,omitempty"`
}

// FailureRecord is the diagnostic JSON written to outputs/json_failed/ so a
// failed essay stays debuggable without re-running the batch.
type FailureRecord struct {
	Student      string   `json:"student"`
	JobID        string   `json:"job_id"`
	Status       string   `json:"status"`
	Reason       string   `json:"reason"`
	SchemaErrors []string `json:"schema_errors,omitempty"`
	RawResponse  string   `json:"raw_response,omitempty"`
	Attempts     int      `json:"attempts,omitempty"`
	FailedAt     string   `json:"failed_at"`
}

// WriteStudentJSON persists a validated result.
func (l Layout) WriteStudentJSON(rec StudentResult) error {
	return writeJSON(l.StudentJSONPath(rec.Student), rec)
}

// WriteFailureJSON persists a failure diagnostic.
func (l Layout) WriteFailureJSON(rec FailureRecord) error {
	return writeJSON(l.FailureJSONPath(rec.Student), rec)
}

// WriteTextDump persists the raw extracted text for audit.
func (l Layout) WriteTextDump(student, text string) error {
	path := l.TextDumpPath(student)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrArtifactWrite, path, err)
	}
	return nil
}

// AppendResult appends one JSONL entry to the audit log. Entries are
// append-only; a crashed job leaves every completed line intact.
func (l Layout) AppendResult(entry any) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: marshal results entry: %v", domain.ErrArtifactWrite, err)
	}
	return appendLine(l.ResultsLogPath(), string(b))
}

// AppendJobLog appends one pipe-delimited line to job.log, the quick
// operator-scannable view of per-essay outcomes.
func (l Layout) AppendJobLog(fields ...string) error {
	line := time.Now().UTC().Format(time.RFC3339) + " | " + strings.Join(fields, " | ")
	return appendLine(l.JobLogPath(), line)
}

// WriteStateSnapshot persists the job state atomically: the snapshot is
// written to a temp file and renamed so a poll never observes partial JSON.
func (l Layout) WriteStateSnapshot(state any) error {
	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal state: %v", domain.ErrArtifactWrite, err)
	}
	path := l.StatePath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrArtifactWrite, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: rename %s: %v", domain.ErrArtifactWrite, path, err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", domain.ErrArtifactWrite, path, err)
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrArtifactWrite, path, err)
	}
	return nil
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", domain.ErrArtifactWrite, path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("%w: append %s: %v", domain.ErrArtifactWrite, path, err)
	}
	return nil
}
