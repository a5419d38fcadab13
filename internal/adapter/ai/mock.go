// Package ai hosts AI client adapters and the deterministic mock used in
// development and tests.
package ai

import (
	"encoding/json"
	"strings"

	"github.com/ctroy978/nighteval/internal/domain"
)

// Mock implements domain.AIClient without network access. It reads the rubric
// embedded in the prompt and answers with a schema-valid evaluation, so the
// whole pipeline can run against it end to end.
type Mock struct{}

// NewMock returns the mock client.
func NewMock() *Mock { return &Mock{} }

// ChatJSON fabricates a deterministic, schema-valid response from the rubric
// JSON found in the user prompt.
func (m *Mock) ChatJSON(_ domain.Context, _, userPrompt string, _ int) (string, error) {
	rubric := rubricFromPrompt(userPrompt)

	type evidence struct {
		Quote string `json:"quote"`
	}
	type criterion struct {
		ID          string   `json:"id"`
		Score       int      `json:"score"`
		Evidence    evidence `json:"evidence"`
		Explanation string   `json:"explanation"`
		Advice      string   `json:"advice"`
	}
	type overall struct {
		PointsEarned   int `json:"points_earned"`
		PointsPossible int `json:"points_possible"`
	}

	resp := struct {
		Overall  *overall    `json:"overall,omitempty"`
		Criteria []criterion `json:"criteria"`
	}{}

	earned := 0
	maxScores := rubric.MaxScores()
	for _, id := range rubric.IDs() {
		score := 3
		if max, ok := maxScores[id]; ok {
			score = max
		}
		earned += score
		resp.Criteria = append(resp.Criteria, criterion{
			ID:          id,
			Score:       score,
			Evidence:    evidence{Quote: "The essay addresses " + id + " directly in its opening paragraph."},
			Explanation: "The essay fully meets this criterion as written.",
			Advice:      "Keep doing this; consider adding one more supporting example.",
		})
	}
	if possible, ok := rubric.PointsPossible(); ok && rubric.AllNumeric() {
		resp.Overall = &overall{PointsEarned: earned, PointsPossible: possible}
	}

	b, err := json.Marshal(resp)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// rubricFromPrompt recovers the rubric JSON block the engine embeds between
// the rubric marker and the following instruction paragraph.
func rubricFromPrompt(prompt string) domain.Rubric {
	var rubric domain.Rubric
	const marker = "RUBRIC (JSON):\n"
	start := strings.Index(prompt, marker)
	if start < 0 {
		return rubric
	}
	rest := prompt[start+len(marker):]
	end := strings.Index(rest, "\n\nYour response")
	if end < 0 {
		end = len(rest)
	}
	_ = json.Unmarshal([]byte(rest[:end]), &rubric)
	return rubric
}
