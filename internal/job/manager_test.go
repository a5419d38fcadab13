package job

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctroy978/nighteval/internal/domain"
)

func TestSlugifyJobName(t *testing.T) {
	cases := map[string]string{
		"Period 3":          "period-3",
		"  Essay #2 (Fall)": "essay-2-fall",
		"---":               "",
		"":                  "",
		"already-fine":      "already-fine",
	}
	for in, want := range cases {
		assert.Equal(t, want, SlugifyJobName(in), "input %q", in)
	}
}

func TestAllocateIDFormat(t *testing.T) {
	m := NewManager(t.TempDir(), 1)
	at := time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)

	id, err := m.AllocateID(at, "")
	require.NoError(t, err)
	assert.Equal(t, "20260115-093000", id)

	id, err = m.AllocateID(at, "Period 3")
	require.NoError(t, err)
	assert.Equal(t, "20260115-093000-period-3", id)
}

func TestAllocateIDReservesDirectory(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 1)
	at := time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)

	// Same-second allocations must each get their own id without any
	// intervening directory setup by the caller.
	first, err := m.AllocateID(at, "")
	require.NoError(t, err)
	second, err := m.AllocateID(at, "")
	require.NoError(t, err)
	third, err := m.AllocateID(at, "")
	require.NoError(t, err)

	assert.Equal(t, "20260115-093000", first)
	assert.Equal(t, "20260115-093000-2", second)
	assert.Equal(t, "20260115-093000-3", third)
	for _, id := range []string{first, second, third} {
		assert.DirExists(t, filepath.Join(dir, id))
	}
}

func TestTryAcquireBoundsConcurrency(t *testing.T) {
	m := NewManager(t.TempDir(), 1)
	require.NoError(t, m.TryAcquire())
	err := m.TryAcquire()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConflict)
	m.Release()
	assert.NoError(t, m.TryAcquire())
}

func TestSnapshotUnknownJob(t *testing.T) {
	m := NewManager(t.TempDir(), 1)
	_, err := m.Snapshot("nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSnapshotReadsFinishedJobFromDisk(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 1)
	layout := m.Layout("20260115-093000")
	require.NoError(t, layout.EnsureDirs(false, false, false))

	s, err := NewState(layout, "20260115-093000", "", "hash", 1)
	require.NoError(t, err)
	require.NoError(t, s.RecordEssay(EssayOutcome{Succeeded: true, Validated: true}))
	require.NoError(t, s.Finish(nil))
	// Not registered: the manager must fall back to state.json.

	snap, err := m.Snapshot("20260115-093000")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, snap.Status)
	assert.Equal(t, 1, snap.Succeeded)
}

func TestListNewestFirst(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 1)
	for _, id := range []string{"20260114-080000", "20260115-093000"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, id), 0o755))
	}
	ids, err := m.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"20260115-093000", "20260114-080000"}, ids)
}
