package delivery

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/ctroy978/nighteval/internal/artifact"
	"github.com/ctroy978/nighteval/internal/domain"
)

// Attachment is one file attached to an outgoing message.
type Attachment struct {
	Label    string
	Path     string
	Filename string
}

// Message is a fully rendered outbound email.
type Message struct {
	To          string
	ToName      string
	Subject     string
	Body        string
	Section     string
	Attachments []Attachment
}

// Sender delivers a single message. Implementations live in the adapters.
type Sender interface {
	Send(ctx domain.Context, msg Message) error
}

// Config controls preparation and sending.
type Config struct {
	FromName        string
	TeacherName     string
	AttachText      bool
	AttachPDF       bool
	AttachJSON      bool
	EmailsPerMinute int
	MaxRetries      int
}

const subjectTemplate = `Your graded essay{{if .JobName}} — {{.JobName}}{{end}}`

const bodyTemplate = `Hi {{.StudentName}},

Your essay{{if .JobName}} for {{.JobName}}{{end}} has been graded.
{{- if .Overall}}

Overall score: {{.Overall.PointsEarned}} / {{.Overall.PointsPossible}}
{{- end}}

Your full feedback is attached.
{{- if .TeacherName}}

{{.TeacherName}}{{end}}
`

// Service prepares and sends per-student result emails for a finished job.
type Service struct {
	sender   Sender
	cfg      Config
	subject  *template.Template
	body     *template.Template
	sleep    func(time.Duration)
	lastSend time.Time
}

// NewService parses the message templates once and wires the sender.
func NewService(sender Sender, cfg Config) (*Service, error) {
	subject, err := template.New("email_subject").Parse(subjectTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse email subject template: %w", err)
	}
	body, err := template.New("email_body").Parse(bodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse email body template: %w", err)
	}
	return &Service{
		sender:  sender,
		cfg:     cfg,
		subject: subject,
		body:    body,
		sleep:   time.Sleep,
	}, nil
}

// Prepared is one roster entry resolved against the job's evaluations:
// either a ready-to-send message or the reason it is blocked.
type Prepared struct {
	Student         RosterEntry
	Message         Message
	Status          string
	Reason          string
	EvaluationFound bool
}

// PrepareResult is the full matching outcome for one job.
type PrepareResult struct {
	Prepared  []Prepared
	Unmatched []string
}

// Prepare matches the roster against the validated evaluations and renders a
// message for every row that can be sent. Nothing is delivered here.
func (s *Service) Prepare(layout artifact.Layout, jobName string) (PrepareResult, error) {
	roster, err := LoadRoster(layout.StudentsCSVPath())
	if err != nil {
		return PrepareResult{}, err
	}
	evals, dupEvals, err := loadEvaluations(layout)
	if err != nil {
		return PrepareResult{}, err
	}

	dups := duplicateKeys(roster)
	out := PrepareResult{Prepared: make([]Prepared, 0, len(roster))}

	for _, student := range roster {
		rec, found := evals[student.Key]
		p := Prepared{Student: student, EvaluationFound: found}

		switch {
		case student.Status == EmailInvalid:
			p.Status = string(EmailInvalid)
			p.Reason = student.Reason
		case student.Status == EmailAmbiguous:
			p.Status = string(EmailAmbiguous)
			p.Reason = student.Reason
		case dups[student.Key]:
			p.Status = "ambiguous_match"
			p.Reason = "name appears multiple times in the roster"
		case dupEvals[student.Key]:
			p.Status = "ambiguous_match"
			p.Reason = "multiple validated evaluations share this name"
		case !found:
			p.Status = "missing_eval"
			p.Reason = "no validated evaluation for this student"
		default:
			p = s.render(layout, student, rec, jobName, p)
		}
		out.Prepared = append(out.Prepared, p)
	}

	rosterKeys := map[string]bool{}
	for _, student := range roster {
		rosterKeys[student.Key] = true
	}
	for key, rec := range evals {
		if !rosterKeys[key] {
			out.Unmatched = append(out.Unmatched, rec.Student)
		}
	}
	sort.Slice(out.Unmatched, func(i, j int) bool {
		return strings.ToLower(out.Unmatched[i]) < strings.ToLower(out.Unmatched[j])
	})
	return out, nil
}

func (s *Service) render(layout artifact.Layout, student RosterEntry, rec artifact.StudentResult, jobName string, p Prepared) Prepared {
	ctx := struct {
		StudentName  string
		StudentEmail string
		Section      string
		JobName      string
		TeacherName  string
		Overall      *domain.OverallScore
	}{
		StudentName:  student.Name,
		StudentEmail: student.Email,
		Section:      student.Section,
		JobName:      jobName,
		TeacherName:  s.cfg.TeacherName,
		Overall:      rec.Overall,
	}

	var subject, body strings.Builder
	if err := s.subject.Execute(&subject, ctx); err != nil {
		p.Status = "template_error"
		p.Reason = err.Error()
		return p
	}
	if err := s.body.Execute(&body, ctx); err != nil {
		p.Status = "template_error"
		p.Reason = err.Error()
		return p
	}

	attachments, missing := s.collectAttachments(layout, rec.Student)
	p.Message = Message{
		To:          student.Email,
		ToName:      student.Name,
		Subject:     subject.String(),
		Body:        body.String(),
		Section:     student.Section,
		Attachments: attachments,
	}
	if len(missing) > 0 {
		p.Status = "missing_attachment"
		p.Reason = "required attachment(s) missing: " + strings.Join(missing, ", ")
		return p
	}
	p.Status = "ready"
	return p
}

// collectAttachments resolves the enabled attachment kinds against the files
// the job actually produced.
func (s *Service) collectAttachments(layout artifact.Layout, student string) ([]Attachment, []string) {
	kinds := []struct {
		enabled bool
		label   string
		path    string
	}{
		{s.cfg.AttachText, "txt", layout.PrintPath(student)},
		{s.cfg.AttachPDF, "pdf", layout.PDFPath(student)},
		{s.cfg.AttachJSON, "json", layout.StudentJSONPath(student)},
	}
	var attachments []Attachment
	var missing []string
	for _, k := range kinds {
		if !k.enabled {
			continue
		}
		if _, err := os.Stat(k.path); err != nil {
			missing = append(missing, k.label)
			continue
		}
		attachments = append(attachments, Attachment{
			Label:    k.label,
			Path:     k.path,
			Filename: student + "." + k.label,
		})
	}
	return attachments, missing
}

// ReportRow is one line of email_report.csv.
type ReportRow struct {
	Student     string
	Email       string
	Status      string
	Attachments string
	Reason      string
	Attempts    int
	Timestamp   string
}

// Send delivers every ready message, retrying per message and pacing sends
// to the configured per-minute cap. Blocked rows pass straight through to
// the report.
func (s *Service) Send(ctx domain.Context, prepared []Prepared) []ReportRow {
	rows := make([]ReportRow, 0, len(prepared))
	for _, p := range prepared {
		row := ReportRow{
			Student:     p.Student.Name,
			Email:       p.Student.Email,
			Status:      p.Status,
			Attachments: attachmentLabels(p.Message.Attachments),
			Reason:      p.Reason,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}
		if p.Status != "ready" {
			rows = append(rows, row)
			continue
		}

		var lastErr error
		maxAttempts := s.cfg.MaxRetries + 1
		if maxAttempts < 1 {
			maxAttempts = 1
		}
		for row.Attempts < maxAttempts {
			row.Attempts++
			s.respectRateLimit()
			if lastErr = s.sender.Send(ctx, p.Message); lastErr == nil {
				break
			}
			s.sleep(time.Second)
		}
		if lastErr == nil {
			row.Status = "sent"
		} else {
			row.Status = "failed_smtp"
			row.Reason = lastErr.Error()
		}
		rows = append(rows, row)
	}
	return rows
}

func (s *Service) respectRateLimit() {
	if s.cfg.EmailsPerMinute <= 0 {
		return
	}
	interval := time.Minute / time.Duration(s.cfg.EmailsPerMinute)
	if !s.lastSend.IsZero() {
		if wait := interval - time.Since(s.lastSend); wait > 0 {
			s.sleep(wait)
		}
	}
	s.lastSend = time.Now()
}

func attachmentLabels(attachments []Attachment) string {
	labels := make([]string, len(attachments))
	for i, a := range attachments {
		labels[i] = a.Label
	}
	return strings.Join(labels, ",")
}

// Summarize rolls prepared rows up into the counts returned by the API.
func Summarize(prepared []Prepared) map[string]int {
	summary := map[string]int{"total": len(prepared)}
	for _, p := range prepared {
		summary[p.Status]++
		if p.EvaluationFound {
			summary["matched"]++
		}
	}
	return summary
}

var reportHeader = []string{"student_name", "email", "status", "attachments", "reason", "attempts", "timestamp"}

// WriteReport persists the send outcomes as CSV.
func WriteReport(path string, rows []ReportRow) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrArtifactWrite, path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(reportHeader); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrArtifactWrite, path, err)
	}
	for _, row := range rows {
		record := []string{row.Student, row.Email, row.Status, row.Attachments, row.Reason, strconv.Itoa(row.Attempts), row.Timestamp}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrArtifactWrite, path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrArtifactWrite, path, err)
	}
	return f.Close()
}

// loadEvaluations indexes the validated results by normalized student name.
func loadEvaluations(layout artifact.Layout) (map[string]artifact.StudentResult, map[string]bool, error) {
	entries, err := os.ReadDir(layout.JSONDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: no validated evaluations for this job", domain.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("%w: read evaluations: %v", domain.ErrInternal, err)
	}

	evals := map[string]artifact.StudentResult{}
	dups := map[string]bool{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(layout.StudentJSONPath(strings.TrimSuffix(e.Name(), ".json")))
		if err != nil {
			continue
		}
		var rec artifact.StudentResult
		if err := json.Unmarshal(raw, &rec); err != nil || rec.Student == "" {
			continue
		}
		key := NormalizeStudentKey(rec.Student)
		if _, exists := evals[key]; exists {
			dups[key] = true
			continue
		}
		evals[key] = rec
	}
	return evals, dups, nil
}
