// Package textgate classifies extracted essay text as sufficient, marginal or
// insufficient before any model call is spent on it. Scanned images with no
// embedded text layer are the usual culprit: grading them burns a paid call
// and produces nonsense scores.
package textgate

import (
	"fmt"

	"github.com/ctroy978/nighteval/internal/domain"
)

// Config holds the gate thresholds.
type Config struct {
	Enabled          bool
	MinTextChars     int
	MinCharsPerPage  int
	AllowPartialText bool
}

// Verdict is the gate decision for one essay.
type Verdict struct {
	Status       domain.TextVerdict `json:"status"`
	TotalChars   int                `json:"total_chars"`
	PageCount    int                `json:"page_count"`
	CharsPerPage float64            `json:"chars_per_page_avg"`
	Message      string             `json:"message,omitempty"`
}

// Rejected reports whether the essay must not reach the evaluation engine.
func (v Verdict) Rejected() bool { return v.Status == domain.TextRejected }

// Classify applies the decision rule: below either the absolute floor or the
// average per-page density floor means insufficient; AllowPartialText
// downgrades insufficient to a warning instead of a rejection.
func Classify(totalChars int, perPageChars []int, cfg Config) Verdict {
	pageCount := len(perPageChars)
	avg := 0.0
	if totalChars > 0 {
		divisor := pageCount
		if divisor < 1 {
			divisor = 1
		}
		avg = float64(totalChars) / float64(divisor)
	}
	v := Verdict{
		Status:       domain.TextOK,
		TotalChars:   totalChars,
		PageCount:    pageCount,
		CharsPerPage: avg,
	}
	if !cfg.Enabled {
		return v
	}

	belowTotal := totalChars < cfg.MinTextChars
	belowPerPage := avg < float64(cfg.MinCharsPerPage)
	if !belowTotal && !belowPerPage {
		return v
	}
	if cfg.AllowPartialText {
		v.Status = domain.TextWarning
		return v
	}
	v.Status = domain.TextRejected
	return v
}

// RemediationMessage names the offending file and tells the student how to
// re-export it with a selectable text layer.
func RemediationMessage(studentName string) string {
	return fmt.Sprintf(
		"%q appears to contain little or no selectable text. Please export "+
			"from Google Docs/Word using File > Download > PDF (not a scan or photo). You "+
			"should be able to select/copy text in the PDF.",
		studentName+".pdf")
}
