// Package domain holds the core entities, error taxonomy and ports shared by
// the grading pipeline. Adapters (HTTP, AI providers, text extraction, PDF
// rendering) depend on this package, never the other way around.
package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrTextInsufficient = errors.New("text insufficient")
	ErrSchemaInvalid    = errors.New("schema invalid")
	ErrModelCall        = errors.New("model call failed")
	ErrUpstreamTimeout  = errors.New("upstream timeout")
	ErrArtifactWrite    = errors.New("artifact write failed")
	ErrInternal         = errors.New("internal error")
)

// Context is an alias so usecases can stay decoupled from net/http plumbing.
type Context = context.Context

// JobStatus enumerates the lifecycle of a batch job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// EssayStatus enumerates per-essay pipeline stages. An essay only moves
// forward; a terminal rejection short-circuits the remaining stages.
type EssayStatus string

const (
	EssayQueued           EssayStatus = "queued"
	EssayTextExtracted    EssayStatus = "text_extracted"
	EssayTextOK           EssayStatus = "text_ok"
	EssayTextWarning      EssayStatus = "text_warning"
	EssayTextRejected     EssayStatus = "text_rejected"
	EssayEvaluated        EssayStatus = "evaluated"
	EssayEvaluationFailed EssayStatus = "evaluation_failed"
	EssayArtifactWritten  EssayStatus = "artifact_written"
)

// TextVerdict is the outcome of the text sufficiency gate.
type TextVerdict string

const (
	TextOK       TextVerdict = "ok"
	TextWarning  TextVerdict = "low_text_warning"
	TextRejected TextVerdict = "low_text_rejected"
)

// ValidationStatus records how the evaluation payload passed schema checks.
type ValidationStatus string

const (
	ValidationOK         ValidationStatus = "validated"
	ValidationSchemaFail ValidationStatus = "schema_fail"
)

// LevelScore is a rubric level score: an integer, a non-numeric token such as
// a letter grade, or absent. JSON round-trips preserve the original shape.
type LevelScore struct {
	Num *int
	Str *string
}

// IsZero reports whether no score was declared for the level.
func (s LevelScore) IsZero() bool { return s.Num == nil && s.Str == nil }

// Numeric returns the integer score when one was declared.
func (s LevelScore) Numeric() (int, bool) {
	if s.Num != nil {
		return *s.Num, true
	}
	if s.Str != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(*s.Str)); err == nil {
			return n, true
		}
	}
	return 0, false
}

// UnmarshalJSON accepts an integer, a string or null.
func (s *LevelScore) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "null" {
		*s = LevelScore{}
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		s.Num, s.Str = &n, nil
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		return fmt.Errorf("%w: level score must be an integer, got %v", ErrInvalidArgument, f)
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("%w: level score must be an integer, string or null", ErrInvalidArgument)
	}
	s.Num, s.Str = nil, &str
	return nil
}

// MarshalJSON writes the score back in its original shape.
func (s LevelScore) MarshalJSON() ([]byte, error) {
	switch {
	case s.Num != nil:
		return json.Marshal(*s.Num)
	case s.Str != nil:
		return json.Marshal(*s.Str)
	default:
		return []byte("null"), nil
	}
}

// RubricLevel is a single achievement level inside a criterion.
type RubricLevel struct {
	Label       string     `json:"label"`
	Description string     `json:"description,omitempty"`
	Score       LevelScore `json:"score"`
}

// Criterion is one grading dimension of a rubric.
type Criterion struct {
	ID          string        `json:"id"`
	DisplayName string        `json:"display_name"`
	MaxScore    *int          `json:"max_score,omitempty"`
	Levels      []RubricLevel `json:"levels,omitempty"`
}

// Rubric is the canonical in-memory representation of grading criteria.
// It is immutable once attached to a running job.
type Rubric struct {
	Criteria              []Criterion `json:"criteria"`
	OverallPointsPossible *int        `json:"overall_points_possible,omitempty"`
}

// IDs returns criterion ids in rubric order.
func (r Rubric) IDs() []string {
	ids := make([]string, 0, len(r.Criteria))
	for _, c := range r.Criteria {
		ids = append(ids, c.ID)
	}
	return ids
}

// MaxScores maps criterion id to its declared max score. Criteria without a
// numeric max are absent from the map.
func (r Rubric) MaxScores() map[string]int {
	m := make(map[string]int, len(r.Criteria))
	for _, c := range r.Criteria {
		if c.MaxScore != nil {
			m[c.ID] = *c.MaxScore
		}
	}
	return m
}

// AllNumeric reports whether every criterion declares a numeric max score.
func (r Rubric) AllNumeric() bool {
	for _, c := range r.Criteria {
		if c.MaxScore == nil {
			return false
		}
	}
	return len(r.Criteria) > 0
}

// PointsPossible returns the declared overall total, falling back to the sum
// of criterion max scores. ok is false when the rubric is not fully numeric
// and declares no overall total.
func (r Rubric) PointsPossible() (int, bool) {
	if r.OverallPointsPossible != nil {
		return *r.OverallPointsPossible, true
	}
	if !r.AllNumeric() {
		return 0, false
	}
	total := 0
	for _, c := range r.Criteria {
		total += *c.MaxScore
	}
	return total, true
}

// CanonicalJSON serializes the rubric in its stable canonical form.
func (r Rubric) CanonicalJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// VersionHash derives the content-addressed rubric version identifier.
func (r Rubric) VersionHash() string {
	b, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Evidence is the quoted excerpt backing a criterion score.
type Evidence struct {
	Quote string `json:"quote"`
}

// CriterionResult is the per-criterion slice of an evaluation.
type CriterionResult struct {
	ID          string   `json:"id"`
	Score       int      `json:"score"`
	Evidence    Evidence `json:"evidence"`
	Explanation string   `json:"explanation"`
	Advice      string   `json:"advice"`
}

// OverallScore is the numeric rollup of an evaluation. It is omitted when the
// rubric declares non-numeric level scores.
type OverallScore struct {
	PointsEarned   int `json:"points_earned"`
	PointsPossible int `json:"points_possible"`
}

// EvaluationResult is the validated output of one essay evaluation. It is
// produced once by the evaluation engine and never mutated afterwards.
type EvaluationResult struct {
	Overall  *OverallScore     `json:"overall,omitempty"`
	Criteria []CriterionResult `json:"criteria"`

	ValidationStatus ValidationStatus `json:"validation_status"`
	RetriesUsed      int              `json:"retries_used"`
}

// Scores maps criterion id to assigned score.
func (e EvaluationResult) Scores() map[string]int {
	m := make(map[string]int, len(e.Criteria))
	for _, c := range e.Criteria {
		m[c.ID] = c.Score
	}
	return m
}

// Extraction is the output of the external text-extraction collaborator.
type Extraction struct {
	Text      string
	Pages     []string
	PageChars []int
}

// PageCount returns the number of extracted pages.
func (x Extraction) PageCount() int { return len(x.PageChars) }

// TotalChars returns the total extracted character count.
func (x Extraction) TotalChars() int { return len(x.Text) }

// AIClient (port). ChatJSON returns raw model text expected to be JSON
// matching the prompt-declared schema.
type AIClient interface {
	ChatJSON(ctx Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
}

// TextExtractor (port). Extract pulls selectable text plus per-page character
// counts from a PDF on disk.
type TextExtractor interface {
	Extract(ctx Context, path string) (Extraction, error)
}

// PDFRenderer (port). Implementations render printable summary PDFs from a
// template context; RenderBatch concatenates one document per context.
type PDFRenderer interface {
	RenderStudent(ctx Context, sc SummaryContext, outPath string) (int64, error)
	RenderBatch(ctx Context, scs []SummaryContext, outPath string) (int64, error)
}

// SummaryContext is the sanitized per-student context consumed by the
// printable renderers.
type SummaryContext struct {
	StudentName string            `json:"student_name"`
	JobName     string            `json:"job_name"`
	GeneratedAt string            `json:"generated_at"`
	CourseName  string            `json:"course_name,omitempty"`
	TeacherName string            `json:"teacher_name,omitempty"`
	Overall     *OverallScore     `json:"overall,omitempty"`
	Criteria    []CriterionResult `json:"criteria"`
	Flags       map[string]bool   `json:"flags,omitempty"`
}
