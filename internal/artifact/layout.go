// Package artifact turns validated evaluation results into the on-disk
// contract consumed by downloads and the fix-rubric UI: per-student JSON,
// text dumps, printable summaries, the CSV/XLSX rollups, the ZIP bundle and
// the job logs. All paths are deterministic functions of student identity and
// job id.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ctroy978/nighteval/internal/domain"
)

// Layout maps the stable per-job filesystem contract.
type Layout struct {
	Root string
}

// NewLayout returns the layout rooted at the job directory.
func NewLayout(root string) Layout { return Layout{Root: root} }

// InputsDir holds copies of the submitted essays and rubric.
func (l Layout) InputsDir() string { return filepath.Join(l.Root, "inputs") }

// EssaysDir holds the copied essay PDFs.
func (l Layout) EssaysDir() string { return filepath.Join(l.InputsDir(), "essays") }

// RubricPath is the canonical rubric attached to the job.
func (l Layout) RubricPath() string { return filepath.Join(l.InputsDir(), "rubric.json") }

// StudentsCSVPath is the optional roster used for emailing results.
func (l Layout) StudentsCSVPath() string { return filepath.Join(l.InputsDir(), "students.csv") }

// OutputsDir is the artifact root.
func (l Layout) OutputsDir() string { return filepath.Join(l.Root, "outputs") }

// JSONDir holds validated per-student results.
func (l Layout) JSONDir() string { return filepath.Join(l.OutputsDir(), "json") }

// FailedDir holds diagnostic JSON for failed essays.
func (l Layout) FailedDir() string { return filepath.Join(l.OutputsDir(), "json_failed") }

// TextDir holds raw extracted text dumps.
func (l Layout) TextDir() string { return filepath.Join(l.OutputsDir(), "text") }

// PrintDir holds plain-text printable summaries.
func (l Layout) PrintDir() string { return filepath.Join(l.OutputsDir(), "print") }

// MarkdownDir holds markdown printable summaries.
func (l Layout) MarkdownDir() string { return filepath.Join(l.OutputsDir(), "print_md") }

// PDFDir holds per-student printable PDFs.
func (l Layout) PDFDir() string { return filepath.Join(l.OutputsDir(), "print_pdf") }

// BatchPDFPath is the merged all-students PDF.
func (l Layout) BatchPDFPath() string {
	return filepath.Join(l.OutputsDir(), "batch_all_summaries.pdf")
}

// CSVPath is the per-student score rollup.
func (l Layout) CSVPath() string { return filepath.Join(l.OutputsDir(), "summary.csv") }

// XLSXPath is the optional spreadsheet rollup.
func (l Layout) XLSXPath() string { return filepath.Join(l.OutputsDir(), "summary.xlsx") }

// ZipPath is the downloadable bundle.
func (l Layout) ZipPath() string { return filepath.Join(l.OutputsDir(), "evaluations.zip") }

// EmailReportPath is the per-send outcome report for emailed results.
func (l Layout) EmailReportPath() string {
	return filepath.Join(l.OutputsDir(), "email_report.csv")
}

// LogsDir holds job.log, results.jsonl and state.json.
func (l Layout) LogsDir() string { return filepath.Join(l.Root, "logs") }

// JobLogPath is the human-scannable per-essay line log.
func (l Layout) JobLogPath() string { return filepath.Join(l.LogsDir(), "job.log") }

// ResultsLogPath is the append-only JSONL audit log.
func (l Layout) ResultsLogPath() string { return filepath.Join(l.LogsDir(), "results.jsonl") }

// StatePath is the persisted job snapshot.
func (l Layout) StatePath() string { return filepath.Join(l.LogsDir(), "state.json") }

// StudentJSONPath names the validated result file for a student.
func (l Layout) StudentJSONPath(student string) string {
	return filepath.Join(l.JSONDir(), student+".json")
}

// FailureJSONPath names the diagnostic file for a failed student.
func (l Layout) FailureJSONPath(student string) string {
	return filepath.Join(l.FailedDir(), student+".json")
}

// TextDumpPath names the extracted-text dump for a student.
func (l Layout) TextDumpPath(student string) string {
	return filepath.Join(l.TextDir(), student+".txt")
}

// PrintPath names the plain-text summary for a student.
func (l Layout) PrintPath(student string) string {
	return filepath.Join(l.PrintDir(), student+".txt")
}

// MarkdownPath names the markdown summary for a student.
func (l Layout) MarkdownPath(student string) string {
	return filepath.Join(l.MarkdownDir(), student+".md")
}

// PDFPath names the printable PDF for a student.
func (l Layout) PDFPath(student string) string {
	return filepath.Join(l.PDFDir(), student+".pdf")
}

// EnsureDirs creates the directory skeleton. Printable directories are only
// created when the matching toggle is on.
func (l Layout) EnsureDirs(printEnabled, markdownEnabled, pdfEnabled bool) error {
	dirs := []string{l.EssaysDir(), l.JSONDir(), l.FailedDir(), l.TextDir(), l.LogsDir()}
	if printEnabled {
		dirs = append(dirs, l.PrintDir())
	}
	if markdownEnabled {
		dirs = append(dirs, l.MarkdownDir())
	}
	if pdfEnabled {
		dirs = append(dirs, l.PDFDir())
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: mkdir %s: %v", domain.ErrArtifactWrite, dir, err)
		}
	}
	return nil
}
