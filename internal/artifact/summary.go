package artifact

import (
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/ctroy978/nighteval/internal/domain"
	"github.com/ctroy978/nighteval/pkg/textx"
)

// SummarySettings controls the printable renderers.
type SummarySettings struct {
	LineWidth   int
	CourseName  string
	TeacherName string
}

const textSummaryTemplate = `{{rule}}
STUDENT: {{.StudentName}}
JOB:     {{.JobName}}
DATE:    {{.GeneratedAt}}
{{- if .CourseName}}
COURSE:  {{.CourseName}}{{end}}
{{- if .TeacherName}}
TEACHER: {{.TeacherName}}{{end}}
{{rule}}
{{- if .Overall}}
OVERALL SCORE: {{.Overall.PointsEarned}} / {{.Overall.PointsPossible}}
{{rule}}
{{- end}}
{{- range .Criteria}}

{{upper .ID}} — score {{.Score}}
  Evidence:
{{wrap .Evidence.Quote 4}}
  Why:
{{wrap .Explanation 4}}
  Next step:
{{wrap .Advice 4}}
{{- end}}
{{- if index .Flags "low_text_warning"}}

NOTE: the submitted PDF contained less selectable text than expected.
Scores may understate the essay; consider re-collecting the file.
{{- end}}
{{rule}}
`

const markdownSummaryTemplate = `# {{.StudentName}}

- **Job:** {{.JobName}}
- **Generated:** {{.GeneratedAt}}
{{- if .CourseName}}
- **Course:** {{.CourseName}}{{end}}
{{- if .TeacherName}}
- **Teacher:** {{.TeacherName}}{{end}}
{{- if .Overall}}
- **Overall:** {{.Overall.PointsEarned}} / {{.Overall.PointsPossible}}{{end}}
{{- range .Criteria}}

## {{.ID}} — {{.Score}}

> {{.Evidence.Quote}}

**Why:** {{.Explanation}}

**Next step:** {{.Advice}}
{{- end}}
{{- if index .Flags "low_text_warning"}}

---

*Note: the submitted PDF contained less selectable text than expected; scores
may understate the essay.*
{{- end}}
`

const zipReadmeTemplate = `{{.JobName}}{{if .JobName}} — {{end}}graded batch
Generated: {{.GeneratedAt}}
{{- if .CourseName}}
Course:    {{.CourseName}}{{end}}
{{- if .TeacherName}}
Teacher:   {{.TeacherName}}{{end}}
Students:  {{.StudentCount}}
{{- range .Students}}
  - {{.}}
{{- end}}

Contents:
  json/       validated per-student evaluation JSON
  print/      plain-text printable summaries, one per student
  print_md/   markdown printable summaries, one per student
  print_pdf/  printable PDF summaries, one per student

Directories are only present for outputs that were enabled for the job.
The batch-wide CSV rollup (summary.csv) is downloaded separately.
`

// SummaryRenderer renders per-student printable summaries in plain text and
// markdown from a sanitized SummaryContext.
type SummaryRenderer struct {
	settings SummarySettings
	text     *template.Template
	markdown *template.Template
	readme   *template.Template
}

// NewSummaryRenderer parses the templates once. Template errors here are
// programming errors, so they surface at construction instead of per student.
func NewSummaryRenderer(settings SummarySettings) (*SummaryRenderer, error) {
	if settings.LineWidth < 40 {
		settings.LineWidth = 80
	}
	funcs := template.FuncMap{
		"rule":  func() string { return strings.Repeat("=", settings.LineWidth) },
		"upper": strings.ToUpper,
		"wrap": func(s string, indent int) string {
			pad := strings.Repeat(" ", indent)
			wrapped := textx.WrapText(s, settings.LineWidth-indent)
			lines := strings.Split(wrapped, "\n")
			for i := range lines {
				lines[i] = pad + lines[i]
			}
			return strings.Join(lines, "\n")
		},
	}
	text, err := template.New("summary").Funcs(funcs).Parse(textSummaryTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse text summary template: %w", err)
	}
	markdown, err := template.New("summary_md").Funcs(funcs).Parse(markdownSummaryTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse markdown summary template: %w", err)
	}
	readme, err := template.New("zip_readme").Funcs(funcs).Parse(zipReadmeTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse zip readme template: %w", err)
	}
	return &SummaryRenderer{settings: settings, text: text, markdown: markdown, readme: readme}, nil
}

// BuildContext assembles the sanitized template context for one student.
func (r *SummaryRenderer) BuildContext(student, jobName string, result *domain.EvaluationResult, flags map[string]bool, now time.Time) domain.SummaryContext {
	sc := domain.SummaryContext{
		StudentName: textx.SanitizeText(student),
		JobName:     textx.SanitizeText(jobName),
		GeneratedAt: now.UTC().Format("2006-01-02 15:04 MST"),
		CourseName:  r.settings.CourseName,
		TeacherName: r.settings.TeacherName,
		Flags:       flags,
	}
	if sc.Flags == nil {
		sc.Flags = map[string]bool{}
	}
	if result != nil {
		sc.Overall = result.Overall
		sc.Criteria = make([]domain.CriterionResult, len(result.Criteria))
		for i, c := range result.Criteria {
			sc.Criteria[i] = domain.CriterionResult{
				ID:          c.ID,
				Score:       c.Score,
				Evidence:    domain.Evidence{Quote: textx.SanitizeText(c.Evidence.Quote)},
				Explanation: textx.SanitizeText(c.Explanation),
				Advice:      textx.SanitizeText(c.Advice),
			}
		}
	}
	return sc
}

// RenderBatchHeader renders the ZIP README for a finished batch: job name,
// generation time and the students whose results the bundle carries.
func (r *SummaryRenderer) RenderBatchHeader(jobName string, generatedAt time.Time, students []string) (string, error) {
	ctx := struct {
		JobName      string
		GeneratedAt  string
		CourseName   string
		TeacherName  string
		StudentCount int
		Students     []string
	}{
		JobName:      textx.SanitizeText(jobName),
		GeneratedAt:  generatedAt.UTC().Format("2006-01-02 15:04 MST"),
		CourseName:   r.settings.CourseName,
		TeacherName:  r.settings.TeacherName,
		StudentCount: len(students),
		Students:     students,
	}
	var b strings.Builder
	if err := r.readme.Execute(&b, ctx); err != nil {
		return "", fmt.Errorf("render zip readme: %w", err)
	}
	return b.String(), nil
}

// RenderText renders the plain-text summary.
func (r *SummaryRenderer) RenderText(sc domain.SummaryContext) (string, error) {
	var b strings.Builder
	if err := r.text.Execute(&b, sc); err != nil {
		return "", fmt.Errorf("render text summary for %s: %w", sc.StudentName, err)
	}
	return b.String(), nil
}

// RenderMarkdown renders the markdown summary.
func (r *SummaryRenderer) RenderMarkdown(sc domain.SummaryContext) (string, error) {
	var b strings.Builder
	if err := r.markdown.Execute(&b, sc); err != nil {
		return "", fmt.Errorf("render markdown summary for %s: %w", sc.StudentName, err)
	}
	return b.String(), nil
}

// WritePrintables renders and writes the enabled printable formats for one
// student, returning the context so PDF rendering can reuse it.
func (r *SummaryRenderer) WritePrintables(l Layout, sc domain.SummaryContext, markdownEnabled bool) error {
	text, err := r.RenderText(sc)
	if err != nil {
		return err
	}
	if err := writeText(l.PrintPath(sc.StudentName), text); err != nil {
		return err
	}
	if markdownEnabled {
		md, err := r.RenderMarkdown(sc)
		if err != nil {
			return err
		}
		if err := writeText(l.MarkdownPath(sc.StudentName), md); err != nil {
			return err
		}
	}
	return nil
}

func writeText(path, body string) error {
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrArtifactWrite, path, err)
	}
	return nil
}
