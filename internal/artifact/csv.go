package artifact

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/ctroy978/nighteval/internal/domain"
)

// SummaryBuilder accumulates per-student score rows for the CSV/XLSX rollup.
// Column order is fixed by the rubric; row order is the student name sorted
// case-insensitively, so the output is deterministic for a given input set.
type SummaryBuilder struct {
	criterionIDs   []string
	pointsPossible *int
	rows           map[string]summaryRow
}

type summaryRow struct {
	failed  bool
	earned  int
	scores  map[string]int
	overall bool
}

// NewSummaryBuilder fixes the column layout from the rubric.
func NewSummaryBuilder(rubric domain.Rubric) *SummaryBuilder {
	b := &SummaryBuilder{
		criterionIDs: rubric.IDs(),
		rows:         map[string]summaryRow{},
	}
	if total, ok := rubric.PointsPossible(); ok {
		b.pointsPossible = &total
	}
	return b
}

// AddSuccess records a validated evaluation for a student. A later call for
// the same student replaces the earlier row.
func (b *SummaryBuilder) AddSuccess(student string, result *domain.EvaluationResult) {
	row := summaryRow{scores: result.Scores()}
	if result.Overall != nil {
		row.overall = true
		row.earned = result.Overall.PointsEarned
	}
	b.rows[student] = row
}

// AddFailure records a student whose essay failed; score cells stay blank so
// the teacher sees the gap instead of a silent omission.
func (b *SummaryBuilder) AddFailure(student string) {
	b.rows[student] = summaryRow{failed: true}
}

// Header returns the column names: student, overall rollup, then one score
// column per rubric criterion in rubric order.
func (b *SummaryBuilder) Header() []string {
	header := []string{"student_name", "overall_points_earned", "overall_points_possible"}
	for _, id := range b.criterionIDs {
		header = append(header, "criterion_"+id+"_score")
	}
	return header
}

// Rows returns the data rows sorted by student name, case-insensitively.
func (b *SummaryBuilder) Rows() [][]string {
	names := make([]string, 0, len(b.rows))
	for name := range b.rows {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		li, lj := strings.ToLower(names[i]), strings.ToLower(names[j])
		if li != lj {
			return li < lj
		}
		return names[i] < names[j]
	})

	out := make([][]string, 0, len(names))
	for _, name := range names {
		row := b.rows[name]
		record := []string{name}
		if row.failed || !row.overall {
			record = append(record, "", "")
		} else {
			possible := ""
			if b.pointsPossible != nil {
				possible = strconv.Itoa(*b.pointsPossible)
			}
			record = append(record, strconv.Itoa(row.earned), possible)
		}
		for _, id := range b.criterionIDs {
			if row.failed {
				record = append(record, "")
				continue
			}
			if score, ok := row.scores[id]; ok {
				record = append(record, strconv.Itoa(score))
			} else {
				record = append(record, "")
			}
		}
		out = append(out, record)
	}
	return out
}

// Len reports the number of accumulated rows.
func (b *SummaryBuilder) Len() int { return len(b.rows) }

// WriteCSV writes the rollup to path.
func (b *SummaryBuilder) WriteCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrArtifactWrite, path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(b.Header()); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrArtifactWrite, path, err)
	}
	for _, record := range b.Rows() {
		if err := w.Write(record); err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrArtifactWrite, path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrArtifactWrite, path, err)
	}
	return nil
}
