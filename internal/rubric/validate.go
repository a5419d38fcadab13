package rubric

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ctroy978/nighteval/internal/domain"
)

// Severity grades a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding, locatable within the rubric payload.
type Issue struct {
	Loc      string   `json:"loc"`
	Msg      string   `json:"msg"`
	Severity Severity `json:"severity"`
}

func (i Issue) String() string { return i.Loc + ": " + i.Msg }

// Errors filters issues down to hard failures.
func Errors(issues []Issue) []Issue {
	var out []Issue
	for _, i := range issues {
		if i.Severity == SeverityError {
			out = append(out, i)
		}
	}
	return out
}

// Messages flattens issues into display strings.
func Messages(issues []Issue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.String())
	}
	return out
}

// canonicalSchema is the strict shape of a canonical rubric. Unknown keys are
// rejected at both the top level and per criterion so typos never pass
// silently.
const canonicalSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["criteria"],
  "properties": {
    "criteria": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["id", "display_name"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "display_name": {"type": "string", "minLength": 1},
          "max_score": {"type": "integer", "exclusiveMinimum": 0},
          "levels": {
            "type": "array",
            "items": {
              "type": "object",
              "additionalProperties": false,
              "required": ["label"],
              "properties": {
                "label": {"type": "string", "minLength": 1},
                "description": {"type": "string"},
                "score": {"type": ["integer", "string", "null"]}
              }
            }
          }
        }
      }
    },
    "overall_points_possible": {"type": "number", "exclusiveMinimum": 0}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("rubric.schema.json", strings.NewReader(canonicalSchema)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile("rubric.schema.json")
	})
	return compiledSchema, schemaErr
}

var idPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// ValidateCanonical checks an already-normalized payload against the strict
// canonical schema and returns shape issues.
func ValidateCanonical(payload map[string]any) ([]Issue, error) {
	sch, err := schema()
	if err != nil {
		return nil, fmt.Errorf("%w: compile rubric schema: %v", domain.ErrInternal, err)
	}
	if err := sch.Validate(any(payload)); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			return flattenSchemaError(ve), nil
		}
		return []Issue{{Loc: "__root__", Msg: err.Error(), Severity: SeverityError}}, nil
	}
	return nil, nil
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// flattenSchemaError walks the cause tree keeping only leaf messages.
func flattenSchemaError(ve *jsonschema.ValidationError) []Issue {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "__root__"
		}
		return []Issue{{Loc: loc, Msg: ve.Message, Severity: SeverityError}}
	}
	var out []Issue
	for _, cause := range ve.Causes {
		out = append(out, flattenSchemaError(cause)...)
	}
	return out
}

// Validate runs the semantic checks on a decoded rubric: id format and
// uniqueness, level-score bounds against max_score, and the totals-equal
// invariant (downgradeable to a warning via cfg).
func Validate(r domain.Rubric, cfg Config) []Issue {
	var issues []Issue

	seen := map[string]bool{}
	for i, c := range r.Criteria {
		loc := fmt.Sprintf("criteria[%d].id", i)
		id := strings.TrimSpace(c.ID)
		if id == "" {
			issues = append(issues, Issue{Loc: loc, Msg: "criterion id must not be blank", Severity: SeverityError})
			continue
		}
		if !idPattern.MatchString(id) {
			issues = append(issues, Issue{Loc: loc, Msg: "criterion id must be snake_case (a-z, 0-9, underscore)", Severity: SeverityError})
		}
		if cfg.IDMaxLength > 0 && len(id) > cfg.IDMaxLength {
			issues = append(issues, Issue{Loc: loc, Msg: fmt.Sprintf("criterion id must be at most %d characters", cfg.IDMaxLength), Severity: SeverityError})
		}
		if seen[id] {
			issues = append(issues, Issue{Loc: "criteria[].id", Msg: "duplicate id detected: " + id, Severity: SeverityError})
		}
		seen[id] = true

		if c.MaxScore != nil {
			for j, level := range c.Levels {
				if n, ok := level.Score.Numeric(); ok && n > *c.MaxScore {
					issues = append(issues, Issue{
						Loc:      fmt.Sprintf("criteria[%d].levels[%d].score", i, j),
						Msg:      fmt.Sprintf("level score %d exceeds max_score %d", n, *c.MaxScore),
						Severity: SeverityError,
					})
				}
			}
		}
	}

	if r.OverallPointsPossible != nil && r.AllNumeric() {
		sum := 0
		for _, c := range r.Criteria {
			sum += *c.MaxScore
		}
		if sum != *r.OverallPointsPossible {
			severity := SeverityError
			if !cfg.RequireTotalsEqual {
				severity = SeverityWarning
			}
			issues = append(issues, Issue{
				Loc:      "overall_points_possible",
				Msg:      fmt.Sprintf("sum of criterion max_score values (%d) must equal overall_points_possible (%d)", sum, *r.OverallPointsPossible),
				Severity: severity,
			})
		}
	}

	return issues
}

// Result is the outcome of canonicalizing an arbitrary payload.
type Result struct {
	Rubric     *domain.Rubric
	Canonical  map[string]any
	Normalized map[string]any
	Issues     []Issue
	Warnings   []string
	Converted  bool
}

// Valid reports whether the payload produced a usable rubric.
func (r Result) Valid() bool { return r.Rubric != nil && len(Errors(r.Issues)) == 0 }

// Canonicalize runs the full two-stage pipeline: normalize legacy shapes,
// validate against the strict schema, then apply semantic checks.
func Canonicalize(payload any, cfg Config) (Result, error) {
	root, ok := payload.(map[string]any)
	if !ok {
		return Result{Issues: []Issue{{Loc: "__root__", Msg: "rubric must be a JSON object", Severity: SeverityError}}}, nil
	}

	normalized, converted, warnings := Normalize(root, cfg)

	issues, err := ValidateCanonical(normalized)
	if err != nil {
		return Result{}, err
	}
	if len(issues) > 0 {
		return Result{Normalized: normalized, Issues: issues, Warnings: warnings, Converted: converted}, nil
	}

	var r domain.Rubric
	raw, err := json.Marshal(normalized)
	if err != nil {
		return Result{}, fmt.Errorf("%w: marshal normalized rubric: %v", domain.ErrInternal, err)
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return Result{Normalized: normalized, Issues: []Issue{{Loc: "__root__", Msg: err.Error(), Severity: SeverityError}}, Warnings: warnings, Converted: converted}, nil
	}

	issues = Validate(r, cfg)
	res := Result{
		Normalized: normalized,
		Issues:     issues,
		Warnings:   warnings,
		Converted:  converted,
	}
	if len(Errors(issues)) == 0 {
		res.Rubric = &r
		res.Canonical = normalized
	}
	return res, nil
}

// Parse decodes raw JSON bytes and canonicalizes them. This is the entry
// point used when a job attaches a rubric file.
func Parse(raw []byte, cfg Config) (domain.Rubric, []Issue, error) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.Rubric{}, []Issue{{Loc: "__root__", Msg: "invalid JSON: " + err.Error(), Severity: SeverityError}}, nil
	}
	res, err := Canonicalize(payload, cfg)
	if err != nil {
		return domain.Rubric{}, nil, err
	}
	if !res.Valid() {
		return domain.Rubric{}, res.Issues, nil
	}
	return *res.Rubric, res.Issues, nil
}
