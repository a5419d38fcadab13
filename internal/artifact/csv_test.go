package artifact

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctroy978/nighteval/internal/domain"
)

func testRubric() domain.Rubric {
	five := 5
	ten := 10
	return domain.Rubric{
		Criteria: []domain.Criterion{
			{ID: "thesis", DisplayName: "Thesis", MaxScore: &five},
			{ID: "evidence_use", DisplayName: "Evidence", MaxScore: &five},
		},
		OverallPointsPossible: &ten,
	}
}

func passingResult(thesis, evidence int) *domain.EvaluationResult {
	return &domain.EvaluationResult{
		Overall: &domain.OverallScore{PointsEarned: thesis + evidence, PointsPossible: 10},
		Criteria: []domain.CriterionResult{
			{ID: "thesis", Score: thesis},
			{ID: "evidence_use", Score: evidence},
		},
		ValidationStatus: domain.ValidationOK,
	}
}

func TestSummaryBuilderHeader(t *testing.T) {
	b := NewSummaryBuilder(testRubric())
	assert.Equal(t, []string{
		"student_name", "overall_points_earned", "overall_points_possible",
		"criterion_thesis_score", "criterion_evidence_use_score",
	}, b.Header())
}

func TestSummaryBuilderSortsCaseInsensitively(t *testing.T) {
	b := NewSummaryBuilder(testRubric())
	b.AddSuccess("zoe", passingResult(5, 5))
	b.AddSuccess("Alice", passingResult(4, 3))
	b.AddSuccess("bob", passingResult(2, 2))

	rows := b.Rows()
	require.Len(t, rows, 3)
	assert.Equal(t, "Alice", rows[0][0])
	assert.Equal(t, "bob", rows[1][0])
	assert.Equal(t, "zoe", rows[2][0])
}

func TestSummaryBuilderFailureLeavesBlankCells(t *testing.T) {
	b := NewSummaryBuilder(testRubric())
	b.AddSuccess("alice", passingResult(4, 3))
	b.AddFailure("bob")

	rows := b.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"alice", "7", "10", "4", "3"}, rows[0])
	assert.Equal(t, []string{"bob", "", "", "", ""}, rows[1])
}

func TestSummaryBuilderOneRowPerStudent(t *testing.T) {
	b := NewSummaryBuilder(testRubric())
	b.AddFailure("alice")
	b.AddSuccess("alice", passingResult(5, 5))
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, "10", b.Rows()[0][1])
}

func TestWriteCSVRoundTrips(t *testing.T) {
	b := NewSummaryBuilder(testRubric())
	b.AddSuccess("alice", passingResult(4, 3))
	b.AddFailure("bob")

	path := filepath.Join(t.TempDir(), "summary.csv")
	require.NoError(t, b.WriteCSV(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, b.Header(), records[0])
	assert.Equal(t, "alice", records[1][0])
	assert.Equal(t, "bob", records[2][0])
}

func TestSummaryBuilderNonNumericRubricBlanksOverall(t *testing.T) {
	rubric := domain.Rubric{Criteria: []domain.Criterion{{ID: "voice", DisplayName: "Voice"}}}
	b := NewSummaryBuilder(rubric)
	b.AddSuccess("alice", &domain.EvaluationResult{
		Criteria:         []domain.CriterionResult{{ID: "voice", Score: 3}},
		ValidationStatus: domain.ValidationOK,
	})
	rows := b.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"alice", "", "", "3"}, rows[0])
}
