package evaluate

import (
	"log/slog"
	"time"

	"github.com/ctroy978/nighteval/internal/domain"
	"github.com/ctroy978/nighteval/internal/observability"
	"github.com/ctroy978/nighteval/pkg/textx"
)

// Config holds the engine knobs. Zero values are valid: no retries, no
// trimming, no token budget.
type Config struct {
	ValidationRetry      int
	TrimTextFields       bool
	ExplanationWordLimit int
	AdviceWordLimit      int
	EvidenceLineLimit    int
	MaxTokens            int
	PromptTokenBudget    int
}

// Engine grades essays through an AI client under a strict output schema.
type Engine struct {
	ai  domain.AIClient
	cfg Config
}

// NewEngine constructs an Engine.
func NewEngine(ai domain.AIClient, cfg Config) *Engine {
	return &Engine{ai: ai, cfg: cfg}
}

// Outcome reports one essay evaluation, successful or not. Model transport
// errors and schema failures share the retry budget but are recorded
// distinctly so diagnostics can tell them apart.
type Outcome struct {
	Result       *domain.EvaluationResult
	RawResponse  string
	SchemaErrors []string
	Attempts     int
	ModelErr     error
}

// Succeeded reports whether a validated result was produced.
func (o Outcome) Succeeded() bool { return o.Result != nil }

// RetriesUsed is the number of attempts beyond the first.
func (o Outcome) RetriesUsed() int {
	if o.Attempts > 1 {
		return o.Attempts - 1
	}
	return 0
}

// Evaluate runs the bounded attempt loop: call the model, validate the
// response against the rubric schema, and re-prompt with the violation list
// until the retry budget is exhausted. The loop is explicit (not recursive)
// so the bound stays enforceable and observable.
func (e *Engine) Evaluate(ctx domain.Context, essayText string, rubric domain.Rubric) Outcome {
	essayText = truncateToTokens(essayText, e.cfg.PromptTokenBudget)
	basePrompt := buildUserPrompt(essayText, rubricJSON(rubric), rubric.IDs())
	userPrompt := basePrompt

	maxTokens := e.cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	out := Outcome{}
	for attempt := 0; attempt <= e.cfg.ValidationRetry; attempt++ {
		out.Attempts = attempt + 1

		start := time.Now()
		raw, err := e.ai.ChatJSON(ctx, systemPrompt, userPrompt, maxTokens)
		observability.ObserveModelCall(time.Since(start))
		if err != nil {
			// Transport failure: eligible for retry with the same prompt,
			// recorded separately from schema violations.
			out.ModelErr = err
			slog.Warn("model call failed",
				slog.Int("attempt", out.Attempts),
				slog.Any("error", err))
			continue
		}
		out.RawResponse = raw
		out.ModelErr = nil

		result, schemaErrs := parseResponse(raw, rubric)
		if result != nil {
			result.RetriesUsed = out.Attempts - 1
			if out.Attempts > 1 {
				observability.EvaluationRetries(out.Attempts - 1)
			}
			out.Result = e.trim(result)
			out.SchemaErrors = nil
			return out
		}

		out.SchemaErrors = schemaErrs
		slog.Warn("schema validation failed",
			slog.Int("attempt", out.Attempts),
			slog.Int("violations", len(schemaErrs)))
		userPrompt = retryPrompt(basePrompt, schemaErrs)
	}

	observability.EvaluationRetries(out.Attempts - 1)
	return out
}

// trim enforces the configured length limits server-side. The model is asked
// to self-limit, but the contract must hold even when it ignores that.
func (e *Engine) trim(result *domain.EvaluationResult) *domain.EvaluationResult {
	if !e.cfg.TrimTextFields {
		return result
	}
	for i := range result.Criteria {
		c := &result.Criteria[i]
		c.Evidence.Quote = textx.TrimLines(textx.SanitizeText(c.Evidence.Quote), e.cfg.EvidenceLineLimit)
		c.Explanation = textx.TrimWords(textx.SanitizeText(c.Explanation), e.cfg.ExplanationWordLimit)
		c.Advice = textx.TrimWords(textx.SanitizeText(c.Advice), e.cfg.AdviceWordLimit)
	}
	return result
}
