package job

import (
	"archive/zip"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctroy978/nighteval/internal/adapter/ai"
	"github.com/ctroy978/nighteval/internal/artifact"
	"github.com/ctroy978/nighteval/internal/domain"
	"github.com/ctroy978/nighteval/internal/evaluate"
	"github.com/ctroy978/nighteval/internal/textgate"
)

// fileExtractor reads the staged file and reports its content as a single
// page of text.
type fileExtractor struct{}

func (fileExtractor) Extract(_ domain.Context, path string) (domain.Extraction, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.Extraction{}, err
	}
	return domain.Extraction{Text: string(raw), PageChars: []int{len(raw)}}, nil
}

// sabotagedAI answers like the deterministic mock unless the essay carries
// the sabotage marker, in which case it returns garbage every time.
type sabotagedAI struct {
	mock *ai.Mock
}

func (s sabotagedAI) ChatJSON(ctx domain.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	if strings.Contains(userPrompt, "GRADE_FAIL") {
		return "I cannot grade this essay, sorry!", nil
	}
	return s.mock.ChatJSON(ctx, systemPrompt, userPrompt, maxTokens)
}

func testRubric() domain.Rubric {
	five := 5
	ten := 10
	return domain.Rubric{
		Criteria: []domain.Criterion{
			{ID: "thesis", DisplayName: "Thesis", MaxScore: &five},
			{ID: "evidence_use", DisplayName: "Evidence", MaxScore: &five},
		},
		OverallPointsPossible: &ten,
	}
}

func stageEssay(t *testing.T, dir, name, text string) EssayInput {
	t.Helper()
	path := filepath.Join(dir, name+".pdf")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return EssayInput{StudentName: name, SourcePath: path}
}

func newTestRunner(t *testing.T, mgr *Manager, aiClient domain.AIClient) *Runner {
	t.Helper()
	summary, err := artifact.NewSummaryRenderer(artifact.SummarySettings{LineWidth: 80})
	require.NoError(t, err)
	engine := evaluate.NewEngine(aiClient, evaluate.Config{ValidationRetry: 1})
	gate := textgate.Config{Enabled: true, MinTextChars: 50, MinCharsPerPage: 10}
	return NewRunner(mgr, engine, fileExtractor{}, nil, summary, gate,
		Options{PrintEnabled: true})
}

func waitForJob(t *testing.T, mgr *Manager, jobID string) Snapshot {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := mgr.Snapshot(jobID)
		require.NoError(t, err)
		if snap.Status != domain.JobRunning {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not finish in time")
	return Snapshot{}
}

func TestRunnerBatchContinuesPastFailures(t *testing.T) {
	uploads := t.TempDir()
	filler := strings.Repeat("A thoughtful paragraph about the topic. ", 5)

	rub := testRubric()
	canonical, err := rub.CanonicalJSON()
	require.NoError(t, err)

	mgr := NewManager(t.TempDir(), 1)
	runner := newTestRunner(t, mgr, sabotagedAI{mock: ai.NewMock()})

	jobID, err := runner.Start(Request{
		JobName: "Period 3",
		Essays: []EssayInput{
			stageEssay(t, uploads, "bob", filler),
			stageEssay(t, uploads, "alice", filler),
			stageEssay(t, uploads, "carol", "GRADE_FAIL "+filler),
			stageEssay(t, uploads, "dave", "tiny"),
		},
		Rubric:        rub,
		RubricJSON:    canonical,
		RubricVersion: rub.VersionHash(),
	})
	require.NoError(t, err)
	assert.Contains(t, jobID, "period-3")

	snap := waitForJob(t, mgr, jobID)
	assert.Equal(t, domain.JobCompleted, snap.Status)
	assert.Equal(t, 4, snap.Total)
	assert.Equal(t, 4, snap.Processed)
	assert.Equal(t, 2, snap.Succeeded)
	assert.Equal(t, 2, snap.Failed)
	assert.Equal(t, snap.Processed, snap.Succeeded+snap.Failed)
	assert.Equal(t, 1, snap.SchemaFail)
	assert.Equal(t, 1, snap.LowTextRejections)
	assert.Equal(t, 1, snap.RetriesUsed)

	layout := mgr.Layout(jobID)

	// The snapshot records the real artifact paths, as state.json documents.
	assert.Equal(t, layout.CSVPath(), snap.Artifacts.CSV)
	assert.Equal(t, layout.ZipPath(), snap.Artifacts.Zip)
	assert.Empty(t, snap.Artifacts.XLSX)

	// Staged inputs survive.
	assert.FileExists(t, filepath.Join(layout.EssaysDir(), "alice.pdf"))
	assert.FileExists(t, layout.RubricPath())

	// Successes got result JSON and printables; failures got diagnostics.
	assert.FileExists(t, layout.StudentJSONPath("alice"))
	assert.FileExists(t, layout.StudentJSONPath("bob"))
	assert.FileExists(t, layout.PrintPath("alice"))
	assert.FileExists(t, layout.FailureJSONPath("carol"))
	assert.FileExists(t, layout.FailureJSONPath("dave"))
	assert.NoFileExists(t, layout.StudentJSONPath("carol"))

	// Text-gate failure carries the remediation wording.
	raw, err := os.ReadFile(layout.FailureJSONPath("dave"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "selectable text")

	// CSV has one row per student, blank cells for the failures.
	f, err := os.Open(layout.CSVPath())
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, "alice", records[1][0])
	assert.Equal(t, "bob", records[2][0])
	assert.Equal(t, "carol", records[3][0])
	assert.Equal(t, []string{"", "", "", ""}, records[3][1:])
	assert.Equal(t, "dave", records[4][0])

	// Audit logs: one JSONL entry per essay, each valid JSON.
	rawLog, err := os.ReadFile(layout.ResultsLogPath())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(rawLog)), "\n")
	require.Len(t, lines, 4)
	for _, line := range lines {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		assert.Contains(t, entry, "student")
		assert.Contains(t, entry, "status")
	}
	assert.FileExists(t, layout.JobLogPath())
	assert.FileExists(t, layout.ZipPath())
}

func TestRunnerZipReadmeNamesJobAndStudents(t *testing.T) {
	uploads := t.TempDir()
	filler := strings.Repeat("A thoughtful paragraph about the topic. ", 5)

	rub := testRubric()
	canonical, err := rub.CanonicalJSON()
	require.NoError(t, err)

	mgr := NewManager(t.TempDir(), 1)
	summary, err := artifact.NewSummaryRenderer(artifact.SummarySettings{LineWidth: 80})
	require.NoError(t, err)
	engine := evaluate.NewEngine(ai.NewMock(), evaluate.Config{ValidationRetry: 1})
	gate := textgate.Config{Enabled: true, MinTextChars: 50, MinCharsPerPage: 10}
	runner := NewRunner(mgr, engine, fileExtractor{}, nil, summary, gate,
		Options{PrintEnabled: true, ZipReadme: true})

	jobID, err := runner.Start(Request{
		JobName: "Period 3",
		Essays: []EssayInput{
			stageEssay(t, uploads, "alice", filler),
			stageEssay(t, uploads, "bob", filler),
		},
		Rubric:        rub,
		RubricJSON:    canonical,
		RubricVersion: rub.VersionHash(),
	})
	require.NoError(t, err)
	waitForJob(t, mgr, jobID)

	zr, err := zip.OpenReader(mgr.Layout(jobID).ZipPath())
	require.NoError(t, err)
	defer zr.Close()

	var readme string
	for _, f := range zr.File {
		if f.Name == "README.txt" {
			rc, err := f.Open()
			require.NoError(t, err)
			raw, err := io.ReadAll(rc)
			rc.Close()
			require.NoError(t, err)
			readme = string(raw)
		}
	}
	require.NotEmpty(t, readme, "zip must carry the rendered README")
	assert.Contains(t, readme, "Period 3")
	assert.Contains(t, readme, "Students:  2")
	assert.Contains(t, readme, "- alice")
	assert.Contains(t, readme, "- bob")
}

func TestRunnerRejectsEmptyBatch(t *testing.T) {
	mgr := NewManager(t.TempDir(), 1)
	runner := newTestRunner(t, mgr, ai.NewMock())

	_, err := runner.Start(Request{Rubric: testRubric()})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestRunnerRejectsEmptyRubric(t *testing.T) {
	uploads := t.TempDir()
	mgr := NewManager(t.TempDir(), 1)
	runner := newTestRunner(t, mgr, ai.NewMock())

	_, err := runner.Start(Request{
		Essays: []EssayInput{stageEssay(t, uploads, "alice", "text")},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestRunnerReleasesSlotAfterCompletion(t *testing.T) {
	uploads := t.TempDir()
	filler := strings.Repeat("A thoughtful paragraph about the topic. ", 5)

	rub := testRubric()
	canonical, err := rub.CanonicalJSON()
	require.NoError(t, err)

	mgr := NewManager(t.TempDir(), 1)
	runner := newTestRunner(t, mgr, ai.NewMock())

	req := Request{
		Essays:        []EssayInput{stageEssay(t, uploads, "alice", filler)},
		Rubric:        rub,
		RubricJSON:    canonical,
		RubricVersion: rub.VersionHash(),
	}
	jobID, err := runner.Start(req)
	require.NoError(t, err)
	waitForJob(t, mgr, jobID)

	// The slot is freed by a deferred call after the terminal snapshot lands,
	// so allow a brief window for it.
	req.Essays = []EssayInput{stageEssay(t, uploads, "bob", filler)}
	var jobID2 string
	require.Eventually(t, func() bool {
		id, startErr := runner.Start(req)
		if startErr != nil {
			return false
		}
		jobID2 = id
		return true
	}, 5*time.Second, 20*time.Millisecond)
	waitForJob(t, mgr, jobID2)
	assert.NotEqual(t, jobID, jobID2)
}
