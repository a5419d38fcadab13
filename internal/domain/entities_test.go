package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelScoreJSONShapes(t *testing.T) {
	cases := []struct {
		raw     string
		wantNum *int
		wantStr *string
	}{
		{raw: `5`, wantNum: intp(5)},
		{raw: `"A"`, wantStr: strp("A")},
		{raw: `null`},
	}
	for _, tc := range cases {
		var s LevelScore
		require.NoError(t, json.Unmarshal([]byte(tc.raw), &s), "input %s", tc.raw)
		assert.Equal(t, tc.wantNum, s.Num, "input %s", tc.raw)
		assert.Equal(t, tc.wantStr, s.Str, "input %s", tc.raw)

		// Round trip preserves the original shape.
		out, err := json.Marshal(s)
		require.NoError(t, err)
		assert.JSONEq(t, tc.raw, string(out))
	}
}

func TestLevelScoreRejectsFloat(t *testing.T) {
	var s LevelScore
	err := json.Unmarshal([]byte(`4.5`), &s)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestLevelScoreNumericFromString(t *testing.T) {
	var s LevelScore
	require.NoError(t, json.Unmarshal([]byte(`" 7 "`), &s))
	n, ok := s.Numeric()
	assert.True(t, ok)
	assert.Equal(t, 7, n)

	require.NoError(t, json.Unmarshal([]byte(`"B+"`), &s))
	_, ok = s.Numeric()
	assert.False(t, ok)
}

func TestRubricPointsPossible(t *testing.T) {
	r := Rubric{Criteria: []Criterion{
		{ID: "a", MaxScore: intp(4)},
		{ID: "b", MaxScore: intp(6)},
	}}
	total, ok := r.PointsPossible()
	require.True(t, ok)
	assert.Equal(t, 10, total)

	declared := 12
	r.OverallPointsPossible = &declared
	total, ok = r.PointsPossible()
	require.True(t, ok)
	assert.Equal(t, 12, total)
}

func TestRubricPointsPossibleNonNumeric(t *testing.T) {
	r := Rubric{Criteria: []Criterion{{ID: "voice"}}}
	_, ok := r.PointsPossible()
	assert.False(t, ok)
	assert.False(t, r.AllNumeric())
}

func TestRubricAllNumericEmpty(t *testing.T) {
	assert.False(t, Rubric{}.AllNumeric())
}

func TestVersionHashChangesWithContent(t *testing.T) {
	a := Rubric{Criteria: []Criterion{{ID: "thesis", DisplayName: "Thesis", MaxScore: intp(5)}}}
	b := Rubric{Criteria: []Criterion{{ID: "thesis", DisplayName: "Thesis", MaxScore: intp(6)}}}
	require.NotEmpty(t, a.VersionHash())
	assert.NotEqual(t, a.VersionHash(), b.VersionHash())
	assert.Equal(t, a.VersionHash(), a.VersionHash())
	assert.Len(t, a.VersionHash(), 64)
}

func TestEvaluationResultScores(t *testing.T) {
	e := EvaluationResult{Criteria: []CriterionResult{
		{ID: "a", Score: 3}, {ID: "b", Score: 4},
	}}
	assert.Equal(t, map[string]int{"a": 3, "b": 4}, e.Scores())
}

func TestExtractionCounts(t *testing.T) {
	x := Extraction{Text: "hello world", PageChars: []int{5, 6}}
	assert.Equal(t, 2, x.PageCount())
	assert.Equal(t, 11, x.TotalChars())
}

func intp(n int) *int       { return &n }
func strp(s string) *string { return &s }
