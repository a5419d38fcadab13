package evaluate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ctroy978/nighteval/internal/domain"
	"github.com/ctroy978/nighteval/pkg/textx"
)

// modelResponse mirrors the schema the model is asked to produce. Unknown
// fields are rejected so hallucinated keys trigger a retry rather than being
// silently dropped.
type modelResponse struct {
	Overall  *domain.OverallScore `json:"overall"`
	Criteria []modelCriterion     `json:"criteria"`
}

type modelCriterion struct {
	ID          string          `json:"id"`
	Score       int             `json:"score"`
	Evidence    domain.Evidence `json:"evidence"`
	Explanation string          `json:"explanation"`
	Advice      string          `json:"advice"`
}

// parseResponse validates raw model output against the rubric-derived schema.
// It returns either a result or the full list of schema violations; a single
// response can break several rules and the retry prompt should name them all.
func parseResponse(raw string, rubric domain.Rubric) (*domain.EvaluationResult, []string) {
	cleaned := textx.ExtractJSONObject(raw)

	dec := json.NewDecoder(bytes.NewReader([]byte(cleaned)))
	dec.DisallowUnknownFields()
	var resp modelResponse
	if err := dec.Decode(&resp); err != nil {
		return nil, []string{"response is not valid JSON for the schema: " + err.Error()}
	}

	var errs []string

	maxScores := rubric.MaxScores()
	wanted := map[string]bool{}
	for _, id := range rubric.IDs() {
		wanted[id] = true
	}

	seen := map[string]int{}
	sum := 0
	for i, c := range resp.Criteria {
		loc := fmt.Sprintf("criteria[%d]", i)
		if !wanted[c.ID] {
			errs = append(errs, fmt.Sprintf("%s: unknown rubric id %q", loc, c.ID))
			continue
		}
		seen[c.ID]++
		if seen[c.ID] > 1 {
			errs = append(errs, fmt.Sprintf("%s: rubric id %q appears more than once", loc, c.ID))
			continue
		}
		if c.Score < 0 {
			errs = append(errs, fmt.Sprintf("%s: score %d is negative", loc, c.Score))
		} else if max, ok := maxScores[c.ID]; ok && c.Score > max {
			errs = append(errs, fmt.Sprintf("%s: score %d exceeds max_score %d for %q", loc, c.Score, max, c.ID))
		}
		if strings.TrimSpace(c.Evidence.Quote) == "" {
			errs = append(errs, loc+": evidence.quote must not be blank")
		}
		if strings.TrimSpace(c.Explanation) == "" {
			errs = append(errs, loc+": explanation must not be blank")
		}
		if strings.TrimSpace(c.Advice) == "" {
			errs = append(errs, loc+": advice must not be blank")
		}
		sum += c.Score
	}

	var missing []string
	for id := range wanted {
		if seen[id] == 0 {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		errs = append(errs, "missing rubric ids: "+strings.Join(missing, ", "))
	}

	// Overall rollup checks only apply to fully numeric rubrics; rubrics with
	// letter-grade levels carry no numeric total to check against.
	numeric := rubric.AllNumeric()
	if numeric {
		if resp.Overall == nil {
			errs = append(errs, "overall block is required for numeric rubrics")
		} else {
			if resp.Overall.PointsEarned != sum {
				errs = append(errs, fmt.Sprintf("overall.points_earned (%d) must equal the sum of criterion scores (%d)", resp.Overall.PointsEarned, sum))
			}
			if possible, ok := rubric.PointsPossible(); ok && resp.Overall.PointsPossible != possible {
				errs = append(errs, fmt.Sprintf("overall.points_possible (%d) must equal the rubric total (%d)", resp.Overall.PointsPossible, possible))
			}
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}

	result := &domain.EvaluationResult{
		Criteria:         make([]domain.CriterionResult, 0, len(resp.Criteria)),
		ValidationStatus: domain.ValidationOK,
	}
	if numeric {
		result.Overall = resp.Overall
	}
	// Preserve rubric order regardless of response order.
	byID := map[string]modelCriterion{}
	for _, c := range resp.Criteria {
		byID[c.ID] = c
	}
	for _, id := range rubric.IDs() {
		c := byID[id]
		result.Criteria = append(result.Criteria, domain.CriterionResult{
			ID:          c.ID,
			Score:       c.Score,
			Evidence:    c.Evidence,
			Explanation: c.Explanation,
			Advice:      c.Advice,
		})
	}
	return result, nil
}
