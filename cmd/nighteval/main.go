// Command nighteval grades batches of student essay PDFs against a rubric.
// "serve" runs the HTTP API; "grade" runs one batch from the command line.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctroy978/nighteval/internal/adapter/ai"
	"github.com/ctroy978/nighteval/internal/adapter/ai/openai"
	"github.com/ctroy978/nighteval/internal/adapter/extractor/tika"
	"github.com/ctroy978/nighteval/internal/adapter/httpserver"
	"github.com/ctroy978/nighteval/internal/adapter/mailer"
	"github.com/ctroy978/nighteval/internal/adapter/pdfrender"
	"github.com/ctroy978/nighteval/internal/artifact"
	"github.com/ctroy978/nighteval/internal/config"
	"github.com/ctroy978/nighteval/internal/delivery"
	"github.com/ctroy978/nighteval/internal/domain"
	"github.com/ctroy978/nighteval/internal/evaluate"
	"github.com/ctroy978/nighteval/internal/job"
	"github.com/ctroy978/nighteval/internal/observability"
	"github.com/ctroy978/nighteval/internal/rubric"
	"github.com/ctroy978/nighteval/internal/textgate"
)

func main() {
	root := &cobra.Command{
		Use:           "nighteval",
		Short:         "Batch essay grading against structured rubrics",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), gradeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app bundles the wired pipeline shared by serve and grade.
type app struct {
	cfg     config.Config
	jobs    *job.Manager
	runner  *job.Runner
	rubrics *rubric.Manager
	mail    *delivery.Service
}

func buildApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(observability.SetupLogger(cfg))
	observability.InitMetrics()

	var aiClient domain.AIClient
	if cfg.UseMockAI {
		slog.Warn("using mock AI client; results are fabricated")
		aiClient = ai.NewMock()
	} else {
		if cfg.AIAPIKey == "" {
			return nil, fmt.Errorf("%w: AI_API_KEY is required unless USE_MOCK_AI=true", domain.ErrInvalidArgument)
		}
		aiClient = openai.New(openai.Config{
			BaseURL:                cfg.AIBaseURL,
			APIKey:                 cfg.AIAPIKey,
			Model:                  cfg.AIModel,
			Timeout:                cfg.AITimeout,
			MaxTokens:              cfg.AIMaxTokens,
			BackoffInitialInterval: cfg.AIBackoffInitialInterval,
			BackoffMaxInterval:     cfg.AIBackoffMaxInterval,
			BackoffMaxElapsedTime:  cfg.AIBackoffMaxElapsedTime,
			BackoffMultiplier:      cfg.AIBackoffMultiplier,
		})
	}

	extractor := tika.New(cfg.ExtractorURL, cfg.AITimeout)

	var renderer domain.PDFRenderer
	if cfg.PDFSummaryEnabled && cfg.PDFRenderURL != "" {
		renderer = pdfrender.New(cfg.PDFRenderURL, pdfrender.Settings{
			PageSize:    cfg.PDFPageSize,
			Font:        cfg.PDFFont,
			LineSpacing: cfg.PDFLineSpacing,
		}, cfg.AITimeout)
	}

	summary, err := artifact.NewSummaryRenderer(artifact.SummarySettings{
		LineWidth:   cfg.SummaryLineWidth,
		CourseName:  cfg.CourseName,
		TeacherName: cfg.TeacherName,
	})
	if err != nil {
		return nil, err
	}

	engine := evaluate.NewEngine(aiClient, evaluate.Config{
		ValidationRetry:      cfg.ValidationRetry,
		TrimTextFields:       cfg.TrimTextFields,
		ExplanationWordLimit: cfg.ExplanationWordLimit,
		AdviceWordLimit:      cfg.AdviceWordLimit,
		EvidenceLineLimit:    cfg.EvidenceLineLimit,
		MaxTokens:            cfg.AIMaxTokens,
		PromptTokenBudget:    cfg.AIPromptTokenBudget,
	})

	jobs := job.NewManager(cfg.DataDir, cfg.MaxConcurrentJobs)
	runner := job.NewRunner(jobs, engine, extractor, renderer, summary,
		textgate.Config{
			Enabled:          cfg.TextValidationEnabled,
			MinTextChars:     cfg.MinTextChars,
			MinCharsPerPage:  cfg.MinCharsPerPage,
			AllowPartialText: cfg.AllowPartialText,
		},
		job.Options{
			PrintEnabled:    cfg.PrintSummaryEnabled,
			MarkdownEnabled: cfg.MarkdownSummary,
			PDFEnabled:      cfg.PDFSummaryEnabled && renderer != nil,
			PDFBatchMerge:   cfg.PDFBatchMerge,
			XLSXEnabled:     cfg.XLSXSummaryEnabled,
			ZipReadme:       cfg.IncludeZipReadme,
		})

	rubrics := rubric.NewManager(cfg.RubricDir, rubric.ExtractionConfig{
		Enabled:  cfg.RubricExtractionEnabled,
		MaxPages: cfg.RubricMaxPages,
		MaxChars: cfg.RubricMaxChars,
		Retry:    cfg.RubricRetry,
		Config: rubric.Config{
			IDMaxLength:        cfg.RubricIDMaxLen,
			RequireTotalsEqual: cfg.RubricRequireTotalsEqual,
		},
	}, aiClient, extractor)

	var mail *delivery.Service
	if cfg.EmailEnabled {
		if cfg.SMTPHost == "" || cfg.EmailFrom == "" {
			return nil, fmt.Errorf("%w: SMTP_HOST and EMAIL_FROM are required when EMAIL_ENABLED=true", domain.ErrInvalidArgument)
		}
		sender := mailer.New(mailer.Config{
			Host:      cfg.SMTPHost,
			Port:      cfg.SMTPPort,
			Username:  cfg.SMTPUsername,
			Password:  cfg.SMTPPassword,
			UseTLS:    cfg.SMTPUseTLS,
			FromEmail: cfg.EmailFrom,
			FromName:  cfg.EmailFromName,
		})
		mail, err = delivery.NewService(sender, delivery.Config{
			FromName:        cfg.EmailFromName,
			TeacherName:     cfg.TeacherName,
			AttachText:      cfg.EmailAttachTXT,
			AttachPDF:       cfg.EmailAttachPDF,
			AttachJSON:      cfg.EmailAttachJSON,
			EmailsPerMinute: cfg.EmailsPerMin,
			MaxRetries:      cfg.EmailMaxRetries,
		})
		if err != nil {
			return nil, err
		}
	}

	return &app{cfg: cfg, jobs: jobs, runner: runner, rubrics: rubrics, mail: mail}, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			srv := httpserver.New(a.cfg, a.runner, a.jobs, a.rubrics, a.mail)
			return srv.ListenAndServe(ctx)
		},
	}
}

func gradeCmd() *cobra.Command {
	var essaysDir, rubricPath, jobName string

	cmd := &cobra.Command{
		Use:   "grade",
		Short: "Grade one batch of essay PDFs from the command line",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}

			raw, err := os.ReadFile(rubricPath)
			if err != nil {
				return fmt.Errorf("read rubric: %w", err)
			}
			rub, issues, err := rubric.Parse(raw, rubric.Config{
				IDMaxLength:        a.cfg.RubricIDMaxLen,
				RequireTotalsEqual: a.cfg.RubricRequireTotalsEqual,
			})
			if err != nil {
				return err
			}
			if msgs := rubric.Messages(rubric.Errors(issues)); len(msgs) > 0 {
				return fmt.Errorf("%w: rubric failed validation: %s",
					domain.ErrSchemaInvalid, strings.Join(msgs, "; "))
			}
			canonical, err := rub.CanonicalJSON()
			if err != nil {
				return err
			}

			essays, err := collectEssays(essaysDir)
			if err != nil {
				return err
			}

			jobID, err := a.runner.Start(job.Request{
				JobName:       jobName,
				Essays:        essays,
				Rubric:        rub,
				RubricJSON:    canonical,
				RubricVersion: rub.VersionHash(),
			})
			if err != nil {
				return err
			}
			fmt.Println("job:", jobID)

			for {
				time.Sleep(500 * time.Millisecond)
				snap, err := a.jobs.Snapshot(jobID)
				if err != nil {
					return err
				}
				fmt.Printf("\r%d/%d processed (%d ok, %d failed)",
					snap.Processed, snap.Total, snap.Succeeded, snap.Failed)
				if snap.Status != domain.JobRunning {
					fmt.Println()
					fmt.Println("status:", snap.Status)
					if snap.Error != "" {
						return fmt.Errorf("job failed: %s", snap.Error)
					}
					fmt.Println("outputs:", a.jobs.Layout(jobID).OutputsDir())
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&essaysDir, "essays", "", "directory of student essay PDFs")
	cmd.Flags().StringVar(&rubricPath, "rubric", "", "rubric JSON file")
	cmd.Flags().StringVar(&jobName, "name", "", "optional job name")
	_ = cmd.MarkFlagRequired("essays")
	_ = cmd.MarkFlagRequired("rubric")
	return cmd
}

func collectEssays(dir string) ([]job.EssayInput, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read essays dir: %w", err)
	}
	var essays []job.EssayInput
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
			continue
		}
		student := httpserver.StudentNameFromFilename(e.Name())
		if student == "" {
			continue
		}
		essays = append(essays, job.EssayInput{
			StudentName: student,
			SourcePath:  filepath.Join(dir, e.Name()),
		})
	}
	if len(essays) == 0 {
		return nil, fmt.Errorf("%w: no PDF essays found in %s", domain.ErrInvalidArgument, dir)
	}
	sort.Slice(essays, func(i, j int) bool { return essays[i].StudentName < essays[j].StudentName })
	return essays, nil
}
