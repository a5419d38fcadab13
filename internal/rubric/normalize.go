// Package rubric implements parsing, normalization and validation of grading
// rubrics, plus the AI-assisted extraction flow for rubric documents.
//
// Heterogeneous inputs (hand-written JSON, legacy shapes, AI drafts) are
// unified through one canonicalization step before strict validation, so each
// stage stays independently testable.
package rubric

import (
	"regexp"
	"strconv"
	"strings"
)

// Config carries the runtime settings that influence canonicalization.
type Config struct {
	IDMaxLength        int
	RequireTotalsEqual bool
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{IDMaxLength: 40, RequireTotalsEqual: true}
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)
var repeatedUnderscore = regexp.MustCompile(`_+`)

// Slugify derives a criterion id from a display name: lower snake_case,
// truncated to maxLen. An empty result falls back to "criterion".
func Slugify(value string, maxLen int) string {
	cleaned := nonSlugChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), "_")
	cleaned = repeatedUnderscore.ReplaceAllString(cleaned, "_")
	cleaned = strings.Trim(cleaned, "_")
	if cleaned == "" {
		cleaned = "criterion"
	}
	if maxLen > 0 && len(cleaned) > maxLen {
		cleaned = strings.Trim(cleaned[:maxLen], "_")
	}
	return cleaned
}

// dedupeID returns id, or id with a numeric suffix when already taken.
func dedupeID(id string, taken map[string]int) string {
	if _, ok := taken[id]; !ok {
		return id
	}
	for n := taken[id] + 1; ; n++ {
		candidate := id + "_" + strconv.Itoa(n)
		if _, ok := taken[candidate]; !ok {
			taken[id] = n
			return candidate
		}
	}
}

// Normalize rewrites legacy rubric shapes into canonical form. It never
// guesses missing ids beyond slugging the display name, and never mutates its
// input. The returned flag reports whether any rewrite happened.
func Normalize(payload map[string]any, cfg Config) (map[string]any, bool, []string) {
	working := deepCopyMap(payload)
	changed := false
	var warnings []string

	// Unwrap a {"rubric": {...}} envelope.
	if inner, ok := working["rubric"].(map[string]any); ok {
		working = deepCopyMap(inner)
		changed = true
	}

	// Legacy alias for the overall total.
	if v, ok := working["total_points"]; ok {
		if _, present := working["overall_points_possible"]; !present {
			working["overall_points_possible"] = v
		}
		delete(working, "total_points")
		changed = true
	}

	rawCriteria, ok := working["criteria"].([]any)
	if !ok {
		return working, changed, warnings
	}

	taken := map[string]int{}
	for _, item := range rawCriteria {
		criterion, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if normalizeCriterion(criterion, cfg, taken) {
			changed = true
		}
	}

	// Derive the overall total from criterion max scores when absent.
	if sum, ok := sumMaxScores(rawCriteria); ok {
		overall, isNum := asFloat(working["overall_points_possible"])
		if !isNum {
			working["overall_points_possible"] = sum
			changed = true
		} else if overall != sum && !cfg.RequireTotalsEqual {
			working["overall_points_possible"] = sum
			changed = true
			warnings = append(warnings, "adjusted overall_points_possible to match the sum of criterion max_score values")
		}
	}

	return working, changed, warnings
}

// normalizeCriterion canonicalizes one criterion in place.
func normalizeCriterion(criterion map[string]any, cfg Config, taken map[string]int) bool {
	changed := false

	// "name" is the legacy alias for display_name.
	if name, ok := criterion["name"].(string); ok {
		if _, present := criterion["display_name"]; !present {
			criterion["display_name"] = name
		}
		delete(criterion, "name")
		changed = true
	}

	displayName, _ := criterion["display_name"].(string)

	id, hasID := criterion["id"].(string)
	if !hasID || strings.TrimSpace(id) == "" {
		generated := dedupeID(Slugify(displayName, cfg.IDMaxLength), taken)
		criterion["id"] = generated
		changed = true
	} else {
		slug := dedupeID(Slugify(id, cfg.IDMaxLength), taken)
		if slug != id {
			criterion["id"] = slug
			changed = true
		}
	}
	taken[criterion["id"].(string)]++

	if convertParallelLevels(criterion) {
		changed = true
	}

	// Derive max_score from numeric level scores when missing.
	if _, ok := criterion["max_score"]; !ok {
		if max, ok := maxLevelScore(criterion["levels"]); ok {
			criterion["max_score"] = max
			changed = true
		}
	}

	return changed
}

// convertParallelLevels rewrites the legacy parallel-array shape
// (level_labels / level_descriptions / level_scores) into the canonical
// levels list. Arrays are zipped by index; short arrays leave fields empty.
func convertParallelLevels(criterion map[string]any) bool {
	labels, ok := criterion["level_labels"].([]any)
	if !ok {
		return false
	}
	descriptions, _ := criterion["level_descriptions"].([]any)
	scores, _ := criterion["level_scores"].([]any)

	levels := make([]any, 0, len(labels))
	for i, l := range labels {
		level := map[string]any{"label": toStringOr(l, "")}
		if i < len(descriptions) {
			level["description"] = toStringOr(descriptions[i], "")
		}
		if i < len(scores) {
			level["score"] = scores[i]
		} else {
			level["score"] = nil
		}
		levels = append(levels, level)
	}
	criterion["levels"] = levels
	delete(criterion, "level_labels")
	delete(criterion, "level_descriptions")
	delete(criterion, "level_scores")
	return true
}

// maxLevelScore returns the highest numeric level score as a float64 so the
// injected value matches JSON-decoded number types downstream.
func maxLevelScore(levels any) (float64, bool) {
	list, ok := levels.([]any)
	if !ok {
		return 0, false
	}
	best, found := 0.0, false
	for _, item := range list {
		level, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if f, ok := asFloat(level["score"]); ok {
			if !found || f > best {
				best, found = f, true
			}
		}
	}
	return best, found
}

// sumMaxScores totals criterion max scores; ok is false unless every
// criterion carries a numeric max_score.
func sumMaxScores(criteria []any) (float64, bool) {
	if len(criteria) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, item := range criteria {
		criterion, ok := item.(map[string]any)
		if !ok {
			return 0, false
		}
		f, ok := asFloat(criterion["max_score"])
		if !ok {
			return 0, false
		}
		sum += f
	}
	return sum, true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func toStringOr(v any, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}

func deepCopyMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = deepCopyValue(v)
	}
	return dst
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
