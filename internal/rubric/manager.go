package rubric

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/ctroy978/nighteval/internal/domain"
	"github.com/ctroy978/nighteval/pkg/textx"
)

// SessionStatus tracks an in-flight rubric extraction.
type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionValid    SessionStatus = "valid"
	SessionNeedsFix SessionStatus = "needs_fix"
	SessionFailed   SessionStatus = "failed"
)

// ExtractionConfig carries the runtime limits for the extraction flow.
type ExtractionConfig struct {
	Enabled  bool
	MaxPages int
	MaxChars int
	Retry    int
	Config
}

// Session captures everything known about one rubric upload: the provisional
// payload (possibly AI-drafted), validation issues awaiting human correction,
// and the persisted canonical rubric once valid.
type Session struct {
	TempID        string         `json:"temp_id"`
	JobName       string         `json:"job_name,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	Status        SessionStatus  `json:"status"`
	Canonical     map[string]any `json:"canonical_json,omitempty"`
	Provisional   map[string]any `json:"provisional_json,omitempty"`
	Issues        []Issue        `json:"errors,omitempty"`
	Warnings      []string       `json:"warnings,omitempty"`
	CanonicalPath string         `json:"canonical_path,omitempty"`
	VersionHash   string         `json:"version_hash,omitempty"`

	baseDir string
}

// InputsDir is where uploaded and canonical rubric files live.
func (s *Session) InputsDir() string { return filepath.Join(s.baseDir, "inputs") }

// LogPath is the session's JSONL event log.
func (s *Session) LogPath() string { return filepath.Join(s.baseDir, "logs", "rubric_extract.log") }

// Manager coordinates rubric extraction sessions and persistence.
type Manager struct {
	baseDir   string
	cfg       ExtractionConfig
	ai        domain.AIClient
	extractor domain.TextExtractor

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager constructs a Manager rooted at baseDir.
func NewManager(baseDir string, cfg ExtractionConfig, ai domain.AIClient, extractor domain.TextExtractor) *Manager {
	return &Manager{
		baseDir:   baseDir,
		cfg:       cfg,
		ai:        ai,
		extractor: extractor,
		sessions:  map[string]*Session{},
	}
}

// Get returns the session for tempID, if any.
func (m *Manager) Get(tempID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tempID]
	return s, ok
}

// Extract ingests an uploaded rubric document. JSON uploads go straight to
// canonicalization; PDF uploads are text-extracted and drafted by the model
// first. Unsupported formats fail the session immediately.
func (m *Manager) Extract(ctx domain.Context, filename string, content []byte, contentType, jobName string) (*Session, error) {
	if !m.cfg.Enabled {
		return nil, fmt.Errorf("%w: rubric extraction is disabled via configuration", domain.ErrInvalidArgument)
	}

	session := m.newSession(jobName)
	m.logEvent(session, "rubric_upload_received", map[string]any{"filename": filename})

	kind := detectKind(filename, content, contentType)
	switch kind {
	case "json":
		return m.handleJSON(session, content)
	case "pdf":
		return m.handlePDF(ctx, session, content)
	default:
		m.logEvent(session, "rubric_unsupported_format", map[string]any{"filename": filename})
		session.Status = SessionFailed
		session.Issues = []Issue{{Loc: "__root__", Msg: "unsupported rubric format (expect .json or .pdf)", Severity: SeverityError}}
		m.store(session)
		return session, nil
	}
}

// ValidateAndSave canonicalizes a human-corrected payload for an existing
// session. With validateOnly the canonical rubric is checked but not written.
func (m *Manager) ValidateAndSave(tempID string, payload any, validateOnly bool) (*Session, Result, error) {
	session, ok := m.Get(tempID)
	if !ok {
		return nil, Result{}, fmt.Errorf("%w: rubric session %q", domain.ErrNotFound, tempID)
	}

	res, err := Canonicalize(payload, m.cfg.Config)
	if err != nil {
		return nil, Result{}, err
	}

	if res.Valid() && !validateOnly {
		if err := m.persistCanonical(session, res.Canonical); err != nil {
			return nil, Result{}, err
		}
		session.Status = SessionValid
		session.Issues = nil
		session.Warnings = res.Warnings
		m.logEvent(session, "rubric_save_success", nil)
	} else {
		if res.Valid() {
			m.logEvent(session, "rubric_validation_ok", map[string]any{"validate_only": validateOnly})
			if session.CanonicalPath != "" {
				session.Status = SessionValid
			}
		} else {
			session.Status = SessionNeedsFix
			m.logEvent(session, "rubric_validation_failed", map[string]any{"errors": Messages(res.Issues)})
		}
		session.Issues = res.Issues
		session.Warnings = res.Warnings
	}
	if p, ok := payload.(map[string]any); ok {
		session.Provisional = p
	}
	m.store(session)
	return session, res, nil
}

func (m *Manager) handleJSON(session *Session, content []byte) (*Session, error) {
	var payload any
	if err := json.Unmarshal(content, &payload); err != nil {
		m.logEvent(session, "rubric_json_decode_error", map[string]any{"msg": err.Error()})
		session.Status = SessionFailed
		session.Issues = []Issue{{Loc: "__root__", Msg: "invalid JSON: " + err.Error(), Severity: SeverityError}}
		m.store(session)
		return session, nil
	}

	if err := writeJSONFile(filepath.Join(session.InputsDir(), "rubric_provisional.json"), payload); err != nil {
		return nil, err
	}

	res, err := Canonicalize(payload, m.cfg.Config)
	if err != nil {
		return nil, err
	}
	m.applyResult(session, res, "rubric_json_valid", "rubric_json_needs_fix")
	return session, nil
}

func (m *Manager) handlePDF(ctx domain.Context, session *Session, content []byte) (*Session, error) {
	sourcePath := filepath.Join(session.InputsDir(), "rubric_source.pdf")
	if err := os.MkdirAll(session.InputsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrArtifactWrite, err)
	}
	if err := os.WriteFile(sourcePath, content, 0o644); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrArtifactWrite, err)
	}
	m.logEvent(session, "rubric_pdf_saved", map[string]any{"path": sourcePath})

	extraction, err := m.extractor.Extract(ctx, sourcePath)
	if err != nil {
		session.Status = SessionFailed
		session.Issues = []Issue{{Loc: "__root__", Msg: err.Error(), Severity: SeverityError}}
		m.logEvent(session, "rubric_pdf_extract_failed", map[string]any{"error": err.Error()})
		m.store(session)
		return session, nil
	}

	text := boundText(extraction, m.cfg.MaxPages, m.cfg.MaxChars)
	m.logEvent(session, "rubric_pdf_text_extracted", map[string]any{
		"page_count": extraction.PageCount(),
		"chars":      len(text),
	})
	if strings.TrimSpace(text) == "" {
		session.Status = SessionFailed
		session.Issues = []Issue{{Loc: "__root__", Msg: "no selectable text found in rubric PDF", Severity: SeverityError}}
		m.logEvent(session, "rubric_pdf_no_text", nil)
		m.store(session)
		return session, nil
	}

	provisional, attempts, draftErr := m.draftFromText(ctx, text)
	m.logEvent(session, "rubric_ai_attempt", map[string]any{"attempts": attempts, "ok": draftErr == nil})
	if draftErr != nil {
		session.Status = SessionFailed
		session.Issues = []Issue{{Loc: "__root__", Msg: draftErr.Error(), Severity: SeverityError}}
		m.store(session)
		return session, nil
	}

	if err := writeJSONFile(filepath.Join(session.InputsDir(), "rubric_provisional.json"), provisional); err != nil {
		return nil, err
	}

	res, err := Canonicalize(provisional, m.cfg.Config)
	if err != nil {
		return nil, err
	}
	m.applyResult(session, res, "rubric_pdf_valid", "rubric_pdf_needs_fix")
	return session, nil
}

// draftFromText asks the model to produce rubric JSON, retrying with the
// validation errors appended when the draft does not canonicalize.
func (m *Manager) draftFromText(ctx domain.Context, text string) (map[string]any, int, error) {
	userPrompt := extractionUserPrompt(text)
	attempts := 0
	var lastErr error
	for attempts <= m.cfg.Retry {
		attempts++
		raw, err := m.ai.ChatJSON(ctx, extractionSystemPrompt, userPrompt, 2048)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", domain.ErrModelCall, err)
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(textx.ExtractJSONObject(raw)), &payload); err != nil {
			lastErr = fmt.Errorf("%w: draft is not valid JSON: %v", domain.ErrSchemaInvalid, err)
			userPrompt = extractionUserPrompt(text) + "\n\nYour previous answer was not valid JSON. Return ONLY a JSON object."
			continue
		}
		return payload, attempts, nil
	}
	return nil, attempts, lastErr
}

func (m *Manager) applyResult(session *Session, res Result, okEvent, fixEvent string) {
	session.Provisional = res.Normalized
	session.Issues = res.Issues
	session.Warnings = res.Warnings
	if res.Valid() {
		if err := m.persistCanonical(session, res.Canonical); err != nil {
			slog.Error("persist canonical rubric failed", slog.Any("error", err))
			session.Status = SessionFailed
			m.store(session)
			return
		}
		session.Status = SessionValid
		m.logEvent(session, okEvent, nil)
	} else {
		session.Status = SessionNeedsFix
		m.logEvent(session, fixEvent, map[string]any{"errors": Messages(res.Issues)})
	}
	m.store(session)
}

func (m *Manager) persistCanonical(session *Session, canonical map[string]any) error {
	target := filepath.Join(session.InputsDir(), "rubric.json")
	if err := writeJSONFile(target, canonical); err != nil {
		return err
	}
	session.Canonical = canonical
	session.CanonicalPath = target

	var r domain.Rubric
	raw, _ := json.Marshal(canonical)
	if err := json.Unmarshal(raw, &r); err == nil {
		session.VersionHash = r.VersionHash()
	}
	return nil
}

func (m *Manager) newSession(jobName string) *Session {
	tempID := "rubric-" + time.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
	session := &Session{
		TempID:    tempID,
		JobName:   jobName,
		CreatedAt: time.Now().UTC(),
		Status:    SessionPending,
		baseDir:   filepath.Join(m.baseDir, tempID),
	}
	m.store(session)
	return session
}

func (m *Manager) store(session *Session) {
	m.mu.Lock()
	m.sessions[session.TempID] = session
	m.mu.Unlock()
}

// logEvent appends a JSONL event to the session log. Logging failures are
// non-fatal.
func (m *Manager) logEvent(session *Session, event string, extra map[string]any) {
	entry := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"event":     event,
	}
	for k, v := range extra {
		entry[k] = v
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	path := session.LogPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(line, '\n'))
}

// detectKind resolves the upload format from the filename suffix, declared
// content type, and finally content sniffing.
func detectKind(filename string, content []byte, contentType string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		return "json"
	case ".pdf":
		return "pdf"
	}
	ct := strings.ToLower(contentType)
	if strings.HasPrefix(ct, "application/json") {
		return "json"
	}
	if strings.HasSuffix(ct, "pdf") {
		return "pdf"
	}
	detected := mimetype.Detect(content)
	switch {
	case detected.Is("application/pdf"):
		return "pdf"
	case detected.Is("application/json"), detected.Is("text/plain"):
		return "json"
	}
	return ""
}

// boundText trims an extraction to the configured page and character limits.
// The page cut rebuilds the text from the raw page splits, so it always lands
// exactly on a page boundary.
func boundText(x domain.Extraction, maxPages, maxChars int) string {
	text := x.Text
	if maxPages > 0 && x.PageCount() > maxPages && len(x.Pages) >= maxPages {
		text = strings.TrimSpace(strings.Join(x.Pages[:maxPages], "\n"))
	}
	if maxChars > 0 && len(text) > maxChars {
		text = text[:maxChars]
	}
	return text
}

func writeJSONFile(path string, payload any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrArtifactWrite, err)
	}
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrArtifactWrite, err)
	}
	return nil
}

const extractionSystemPrompt = `You convert grading rubric documents into strict JSON. ` +
	`Respond with a single JSON object only: no markdown, no commentary.`

func extractionUserPrompt(text string) string {
	return `Convert the rubric below into this JSON shape:

{
  "criteria": [
    {
      "id": "snake_case_slug",
      "display_name": "Human readable name",
      "max_score": 5,
      "levels": [
        {"label": "Excellent", "description": "What excellent work looks like", "score": 5}
      ]
    }
  ],
  "overall_points_possible": 20
}

Rules: ids are lowercase snake_case; scores are integers when the rubric is numeric,
otherwise keep the original tokens as strings; omit max_score when the rubric
declares no numeric scale; include every criterion in document order.

RUBRIC DOCUMENT:
` + text
}
