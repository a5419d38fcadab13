// Package evaluate implements the schema-enforced essay evaluation engine:
// prompt assembly, model invocation, response validation against the rubric,
// and the bounded retry loop on schema failure.
package evaluate

import (
	"encoding/json"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

const systemPrompt = `You are a careful writing teacher grading one student essay against a rubric. ` +
	`Quote the essay when citing evidence. Respond with a single JSON object matching the ` +
	`requested schema exactly: no markdown, no code fences, no commentary.`

// responseSchema is the example shape shown to the model. Field limits are
// advisory here; the engine enforces them server-side regardless.
const responseSchema = `{
  "overall": {"points_earned": 0, "points_possible": 0},
  "criteria": [
    {
      "id": "criterion_id",
      "score": 3,
      "evidence": {"quote": "Exact or paraphrased line(s) from the essay"},
      "explanation": "Why this score, 25 words or fewer",
      "advice": "How to improve, 25 words or fewer"
    }
  ]
}`

// buildUserPrompt renders the grading prompt from the essay text, canonical
// rubric JSON, criterion id list and target schema.
func buildUserPrompt(essayText string, rubricJSON []byte, criterionIDs []string) string {
	var b strings.Builder
	b.WriteString("Grade the essay against this rubric.\n\nRUBRIC (JSON):\n")
	b.Write(rubricJSON)
	b.WriteString("\n\nYour response MUST contain exactly one entry per criterion id, ")
	b.WriteString("no more and no fewer. Criterion ids: ")
	b.WriteString(strings.Join(criterionIDs, ", "))
	b.WriteString("\n\nRESPONSE SCHEMA:\n")
	b.WriteString(responseSchema)
	b.WriteString("\n\nESSAY:\n")
	b.WriteString(essayText)
	return b.String()
}

// retryPrompt appends the validation failures as corrective context for the
// next attempt.
func retryPrompt(base string, schemaErrors []string) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nYour previous response failed validation:\n")
	for _, msg := range schemaErrors {
		b.WriteString("- ")
		b.WriteString(msg)
		b.WriteString("\n")
	}
	b.WriteString("Return a corrected JSON object. Address every listed problem.")
	return b.String()
}

// truncateToTokens bounds text to roughly budget tokens so oversized essays
// cannot blow the model context. Falls back to a character heuristic when the
// tokenizer is unavailable.
func truncateToTokens(text string, budget int) string {
	if budget <= 0 {
		return text
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		limit := budget * 4
		if len(text) > limit {
			return text[:limit]
		}
		return text
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= budget {
		return text
	}
	return enc.Decode(tokens[:budget])
}

func rubricJSON(v any) []byte {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return []byte("{}")
	}
	return b
}
