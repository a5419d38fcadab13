// Package delivery emails graded results to students after a batch finishes:
// the students.csv roster is matched against validated evaluations, messages
// are rendered from templates and sent over SMTP with a rate cap, and every
// outcome lands in outputs/email_report.csv.
package delivery

import (
	"encoding/csv"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/ctroy978/nighteval/internal/domain"
)

// EmailStatus classifies the address parsed from a roster row.
type EmailStatus string

const (
	EmailOK        EmailStatus = "ok"
	EmailInvalid   EmailStatus = "invalid_email"
	EmailAmbiguous EmailStatus = "ambiguous_email"
)

var emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)

// RosterEntry is one row of students.csv. Key is the normalized student name
// used to match evaluations.
type RosterEntry struct {
	Name     string
	Email    string
	RawEmail string
	Section  string
	Key      string
	Status   EmailStatus
	Reason   string
	Row      int
}

// LoadRoster parses students.csv. The header is matched case-insensitively
// and must include student_name and email; rows missing either are skipped.
func LoadRoster(path string) ([]RosterEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: students roster not found at %s", domain.ErrInvalidArgument, path)
		}
		return nil, fmt.Errorf("%w: open roster: %v", domain.ErrInternal, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrInvalidArgument, path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s has no header row", domain.ErrInvalidArgument, path)
	}

	header := records[0]
	nameCol, emailCol, sectionCol := -1, -1, -1
	for i, h := range header {
		// Spreadsheet exports often prefix the first header with a BOM.
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		switch h {
		case "student_name":
			nameCol = i
		case "email":
			emailCol = i
		case "section":
			sectionCol = i
		}
	}
	if nameCol < 0 || emailCol < 0 {
		return nil, fmt.Errorf("%w: %s must include %q and %q columns", domain.ErrInvalidArgument, path, "student_name", "email")
	}

	var entries []RosterEntry
	for i, row := range records[1:] {
		name := strings.TrimSpace(cell(row, nameCol))
		rawEmail := strings.TrimSpace(cell(row, emailCol))
		if name == "" || rawEmail == "" {
			continue
		}
		email, status, reason := parseEmailCell(rawEmail)
		entries = append(entries, RosterEntry{
			Name:     name,
			Email:    email,
			RawEmail: rawEmail,
			Section:  strings.TrimSpace(cell(row, sectionCol)),
			Key:      NormalizeStudentKey(name),
			Status:   status,
			Reason:   reason,
			Row:      i + 2,
		})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s contains no usable rows", domain.ErrInvalidArgument, path)
	}
	return entries, nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

// parseEmailCell accepts a single address, or a delimited list of addresses
// of which the first is used and the row flagged ambiguous.
func parseEmailCell(raw string) (string, EmailStatus, string) {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ';' || r == ',' || r == ' '
	})
	if len(parts) == 0 {
		return "", EmailInvalid, "email address is required"
	}
	candidate := strings.TrimSpace(parts[0])
	if !emailPattern.MatchString(candidate) {
		return candidate, EmailInvalid, "invalid email format"
	}
	if len(parts) > 1 {
		return candidate, EmailAmbiguous, "multiple emails provided; using the first entry"
	}
	return candidate, EmailOK, ""
}

// NormalizeStudentKey collapses whitespace and case so roster names match the
// student identities derived from essay filenames.
func NormalizeStudentKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// duplicateKeys returns the normalized names appearing more than once.
func duplicateKeys(entries []RosterEntry) map[string]bool {
	counts := map[string]int{}
	for _, e := range entries {
		counts[e.Key]++
	}
	dups := map[string]bool{}
	for k, n := range counts {
		if n > 1 {
			dups[k] = true
		}
	}
	return dups
}
