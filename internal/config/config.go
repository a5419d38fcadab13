// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. Values come from environment
// variables with an optional YAML overlay file; on conflict the environment
// wins.
type Config struct {
	AppEnv     string `env:"APP_ENV" envDefault:"dev"`
	Port       int    `env:"PORT" envDefault:"8080"`
	DataDir    string `env:"DATA_DIR" envDefault:"data/jobs"`
	RubricDir  string `env:"RUBRIC_DIR" envDefault:"data/rubrics"`
	ConfigFile string `env:"CONFIG_FILE" envDefault:"config.yaml"`

	MaxConcurrentJobs     int           `env:"MAX_CONCURRENT_JOBS" envDefault:"1"`
	MaxUploadMB           int64         `env:"MAX_UPLOAD_MB" envDefault:"10"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"30"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`

	// AI provider (OpenAI-compatible chat completions endpoint).
	AIAPIKey            string        `env:"AI_API_KEY"`
	AIBaseURL           string        `env:"AI_PROVIDER_URL" envDefault:"https://api.openai.com/v1"`
	AIModel             string        `env:"AI_MODEL" envDefault:"gpt-4-turbo"`
	AITimeout           time.Duration `env:"AI_TIMEOUT" envDefault:"60s"`
	AIMaxTokens         int           `env:"AI_MAX_TOKENS" envDefault:"2048"`
	AIPromptTokenBudget int           `env:"AI_PROMPT_TOKEN_BUDGET" envDefault:"24000"`
	UseMockAI           bool          `env:"USE_MOCK_AI" envDefault:"false"`

	// Backoff for transport-level model call failures.
	AIBackoffMaxElapsedTime  time.Duration `env:"AI_BACKOFF_MAX_ELAPSED_TIME" envDefault:"90s"`
	AIBackoffInitialInterval time.Duration `env:"AI_BACKOFF_INITIAL_INTERVAL" envDefault:"2s"`
	AIBackoffMaxInterval     time.Duration `env:"AI_BACKOFF_MAX_INTERVAL" envDefault:"20s"`
	AIBackoffMultiplier      float64       `env:"AI_BACKOFF_MULTIPLIER" envDefault:"1.5"`

	// External collaborators.
	ExtractorURL string `env:"EXTRACTOR_URL" envDefault:"http://localhost:9998"`
	PDFRenderURL string `env:"PDF_RENDER_URL"`

	// Text sufficiency gate.
	TextValidationEnabled bool `env:"TEXT_VALIDATION_ENABLED" envDefault:"true"`
	MinTextChars          int  `env:"MIN_TEXT_CHARS" envDefault:"500"`
	MinCharsPerPage       int  `env:"MIN_CHARS_PER_PAGE" envDefault:"200"`
	AllowPartialText      bool `env:"ALLOW_PARTIAL_TEXT" envDefault:"false"`

	// Evaluation engine.
	StructuredOutput     bool `env:"STRUCTURED_OUTPUT" envDefault:"true"`
	ValidationRetry      int  `env:"VALIDATION_RETRY" envDefault:"1"`
	TrimTextFields       bool `env:"TRIM_TEXT_FIELDS" envDefault:"true"`
	ExplanationWordLimit int  `env:"EXPLANATION_WORD_LIMIT" envDefault:"25"`
	AdviceWordLimit      int  `env:"ADVICE_WORD_LIMIT" envDefault:"25"`
	EvidenceLineLimit    int  `env:"EVIDENCE_LINE_LIMIT" envDefault:"3"`

	// Printable summaries.
	PrintSummaryEnabled bool    `env:"PRINT_SUMMARY_ENABLED" envDefault:"true"`
	MarkdownSummary     bool    `env:"MARKDOWN_SUMMARY" envDefault:"false"`
	SummaryLineWidth    int     `env:"SUMMARY_LINE_WIDTH" envDefault:"100"`
	IncludeZipReadme    bool    `env:"INCLUDE_ZIP_README" envDefault:"false"`
	CourseName          string  `env:"COURSE_NAME"`
	TeacherName         string  `env:"TEACHER_NAME"`
	PDFSummaryEnabled   bool    `env:"PDF_SUMMARY_ENABLED" envDefault:"false"`
	PDFBatchMerge       bool    `env:"PDF_BATCH_MERGE" envDefault:"false"`
	PDFPageSize         string  `env:"PDF_PAGE_SIZE" envDefault:"letter"`
	PDFFont             string  `env:"PDF_FONT" envDefault:"Helvetica"`
	PDFLineSpacing      float64 `env:"PDF_LINE_SPACING" envDefault:"1.2"`
	XLSXSummaryEnabled  bool    `env:"XLSX_SUMMARY_ENABLED" envDefault:"false"`

	// Email delivery of graded results.
	EmailEnabled    bool   `env:"EMAIL_ENABLED" envDefault:"false"`
	SMTPHost        string `env:"SMTP_HOST"`
	SMTPPort        int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUseTLS      bool   `env:"SMTP_USE_TLS" envDefault:"true"`
	SMTPUsername    string `env:"SMTP_USERNAME"`
	SMTPPassword    string `env:"SMTP_PASSWORD"`
	EmailFrom       string `env:"EMAIL_FROM"`
	EmailFromName   string `env:"EMAIL_FROM_NAME"`
	EmailsPerMin    int    `env:"EMAILS_PER_MIN" envDefault:"20"`
	EmailMaxRetries int    `env:"EMAIL_MAX_RETRIES" envDefault:"2"`
	EmailAttachTXT  bool   `env:"EMAIL_ATTACH_TXT" envDefault:"true"`
	EmailAttachPDF  bool   `env:"EMAIL_ATTACH_PDF" envDefault:"false"`
	EmailAttachJSON bool   `env:"EMAIL_ATTACH_JSON" envDefault:"false"`

	// Rubric extraction flow.
	RubricExtractionEnabled  bool `env:"RUBRIC_EXTRACTION_ENABLED" envDefault:"true"`
	RubricMaxPages           int  `env:"RUBRIC_MAX_PAGES" envDefault:"10"`
	RubricMaxChars           int  `env:"RUBRIC_MAX_CHARS" envDefault:"40000"`
	RubricRetry              int  `env:"RUBRIC_RETRY" envDefault:"1"`
	RubricRequireTotalsEqual bool `env:"RUBRIC_REQUIRE_TOTALS_EQUAL" envDefault:"true"`
	RubricIDMaxLen           int  `env:"RUBRIC_ID_MAXLEN" envDefault:"40"`
}

// Load parses environment variables into a Config, applying the optional YAML
// overlay file first so explicit environment variables keep precedence.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.applyOverlay(); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.ValidationRetry < 0 {
		cfg.ValidationRetry = 0
	}
	if !cfg.StructuredOutput {
		// Without schema enforcement there is nothing to retry against.
		cfg.ValidationRetry = 0
	}
	if cfg.MaxConcurrentJobs < 1 {
		cfg.MaxConcurrentJobs = 1
	}
	if cfg.SummaryLineWidth < 40 {
		cfg.SummaryLineWidth = 40
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// overlay mirrors the sections of the optional YAML config file. Pointer
// fields distinguish "absent" from zero values.
type overlay struct {
	TextValidation struct {
		Enabled          *bool `yaml:"enabled"`
		MinTextChars     *int  `yaml:"min_text_chars"`
		MinCharsPerPage  *int  `yaml:"min_chars_per_page"`
		AllowPartialText *bool `yaml:"allow_partial_text"`
	} `yaml:"text_validation"`
	Evaluation struct {
		ValidationRetry      *int  `yaml:"validation_retry"`
		TrimTextFields       *bool `yaml:"trim_text_fields"`
		ExplanationWordLimit *int  `yaml:"explanation_word_limit"`
		AdviceWordLimit      *int  `yaml:"advice_word_limit"`
		EvidenceLineLimit    *int  `yaml:"evidence_line_limit"`
	} `yaml:"evaluation"`
	Summary struct {
		Enabled          *bool    `yaml:"enabled"`
		MarkdownEnabled  *bool    `yaml:"markdown_enabled"`
		LineWidth        *int     `yaml:"line_width"`
		IncludeZipReadme *bool    `yaml:"include_zip_readme"`
		CourseName       *string  `yaml:"course_name"`
		TeacherName      *string  `yaml:"teacher_name"`
		PDFEnabled       *bool    `yaml:"pdf_enabled"`
		PDFBatchMerge    *bool    `yaml:"pdf_batch_merge"`
		PDFPageSize      *string  `yaml:"pdf_page_size"`
		PDFFont          *string  `yaml:"pdf_font"`
		PDFLineSpacing   *float64 `yaml:"pdf_line_spacing"`
		XLSXEnabled      *bool    `yaml:"xlsx_enabled"`
	} `yaml:"summary"`
	Email struct {
		Enabled    *bool   `yaml:"enabled"`
		From       *string `yaml:"from"`
		FromName   *string `yaml:"from_name"`
		PerMinute  *int    `yaml:"emails_per_min"`
		MaxRetries *int    `yaml:"max_retries"`
		AttachTXT  *bool   `yaml:"attach_txt"`
		AttachPDF  *bool   `yaml:"attach_pdf"`
		AttachJSON *bool   `yaml:"attach_json"`
	} `yaml:"email"`
	RubricExtraction struct {
		Enabled            *bool `yaml:"enabled"`
		MaxPages           *int  `yaml:"max_pages"`
		MaxChars           *int  `yaml:"max_chars"`
		Retry              *int  `yaml:"retry"`
		RequireTotalsEqual *bool `yaml:"require_totals_equal"`
		IDMaxLength        *int  `yaml:"id_max_length"`
	} `yaml:"rubric_extraction"`
}

func (c *Config) applyOverlay() error {
	if c.ConfigFile == "" {
		return nil
	}
	raw, err := os.ReadFile(c.ConfigFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var o overlay
	if err := yaml.Unmarshal(raw, &o); err != nil {
		return fmt.Errorf("parse %s: %w", c.ConfigFile, err)
	}

	setBool(&c.TextValidationEnabled, o.TextValidation.Enabled, "TEXT_VALIDATION_ENABLED")
	setInt(&c.MinTextChars, o.TextValidation.MinTextChars, "MIN_TEXT_CHARS")
	setInt(&c.MinCharsPerPage, o.TextValidation.MinCharsPerPage, "MIN_CHARS_PER_PAGE")
	setBool(&c.AllowPartialText, o.TextValidation.AllowPartialText, "ALLOW_PARTIAL_TEXT")

	setInt(&c.ValidationRetry, o.Evaluation.ValidationRetry, "VALIDATION_RETRY")
	setBool(&c.TrimTextFields, o.Evaluation.TrimTextFields, "TRIM_TEXT_FIELDS")
	setInt(&c.ExplanationWordLimit, o.Evaluation.ExplanationWordLimit, "EXPLANATION_WORD_LIMIT")
	setInt(&c.AdviceWordLimit, o.Evaluation.AdviceWordLimit, "ADVICE_WORD_LIMIT")
	setInt(&c.EvidenceLineLimit, o.Evaluation.EvidenceLineLimit, "EVIDENCE_LINE_LIMIT")

	setBool(&c.PrintSummaryEnabled, o.Summary.Enabled, "PRINT_SUMMARY_ENABLED")
	setBool(&c.MarkdownSummary, o.Summary.MarkdownEnabled, "MARKDOWN_SUMMARY")
	setInt(&c.SummaryLineWidth, o.Summary.LineWidth, "SUMMARY_LINE_WIDTH")
	setBool(&c.IncludeZipReadme, o.Summary.IncludeZipReadme, "INCLUDE_ZIP_README")
	setString(&c.CourseName, o.Summary.CourseName, "COURSE_NAME")
	setString(&c.TeacherName, o.Summary.TeacherName, "TEACHER_NAME")
	setBool(&c.PDFSummaryEnabled, o.Summary.PDFEnabled, "PDF_SUMMARY_ENABLED")
	setBool(&c.PDFBatchMerge, o.Summary.PDFBatchMerge, "PDF_BATCH_MERGE")
	setString(&c.PDFPageSize, o.Summary.PDFPageSize, "PDF_PAGE_SIZE")
	setString(&c.PDFFont, o.Summary.PDFFont, "PDF_FONT")
	setFloat(&c.PDFLineSpacing, o.Summary.PDFLineSpacing, "PDF_LINE_SPACING")
	setBool(&c.XLSXSummaryEnabled, o.Summary.XLSXEnabled, "XLSX_SUMMARY_ENABLED")

	setBool(&c.EmailEnabled, o.Email.Enabled, "EMAIL_ENABLED")
	setString(&c.EmailFrom, o.Email.From, "EMAIL_FROM")
	setString(&c.EmailFromName, o.Email.FromName, "EMAIL_FROM_NAME")
	setInt(&c.EmailsPerMin, o.Email.PerMinute, "EMAILS_PER_MIN")
	setInt(&c.EmailMaxRetries, o.Email.MaxRetries, "EMAIL_MAX_RETRIES")
	setBool(&c.EmailAttachTXT, o.Email.AttachTXT, "EMAIL_ATTACH_TXT")
	setBool(&c.EmailAttachPDF, o.Email.AttachPDF, "EMAIL_ATTACH_PDF")
	setBool(&c.EmailAttachJSON, o.Email.AttachJSON, "EMAIL_ATTACH_JSON")

	setBool(&c.RubricExtractionEnabled, o.RubricExtraction.Enabled, "RUBRIC_EXTRACTION_ENABLED")
	setInt(&c.RubricMaxPages, o.RubricExtraction.MaxPages, "RUBRIC_MAX_PAGES")
	setInt(&c.RubricMaxChars, o.RubricExtraction.MaxChars, "RUBRIC_MAX_CHARS")
	setInt(&c.RubricRetry, o.RubricExtraction.Retry, "RUBRIC_RETRY")
	setBool(&c.RubricRequireTotalsEqual, o.RubricExtraction.RequireTotalsEqual, "RUBRIC_REQUIRE_TOTALS_EQUAL")
	setInt(&c.RubricIDMaxLen, o.RubricExtraction.IDMaxLength, "RUBRIC_ID_MAXLEN")

	return nil
}

func envSet(name string) bool { _, ok := os.LookupEnv(name); return ok }

func setBool(dst *bool, v *bool, envName string) {
	if v != nil && !envSet(envName) {
		*dst = *v
	}
}

func setInt(dst *int, v *int, envName string) {
	if v != nil && !envSet(envName) {
		*dst = *v
	}
}

func setString(dst *string, v *string, envName string) {
	if v != nil && !envSet(envName) {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64, envName string) {
	if v != nil && !envSet(envName) {
		*dst = *v
	}
}
