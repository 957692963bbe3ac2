package runlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRun(started time.Time) *Run {
	return &Run{
		ID:         uuid.New(),
		Dialect:    "duckdb",
		Steps:      []string{"drop", "create", "copy", "insert"},
		Status:     StatusSucceeded,
		StartedAt:  started,
		FinishedAt: started.Add(3 * time.Second),
		Statements: []Statement{
			{Group: "drop", Table: "staging_events", Duration: time.Millisecond},
		},
		TableRows: map[string]int64{"songplays": 1},
	}
}

func TestRecordGet(t *testing.T) {
	s := newStore(t)
	run := testRun(time.Date(2018, 11, 2, 1, 25, 34, 0, time.UTC))

	require.NoError(t, s.Record(run))

	got, err := s.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, run.Steps, got.Steps)
	assert.True(t, run.StartedAt.Equal(got.StartedAt))
	assert.Equal(t, 3*time.Second, got.Duration())
	assert.Equal(t, run.Statements, got.Statements)
	assert.Equal(t, int64(1), got.TableRows["songplays"])
}

func TestGet_NotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecord_Invalid(t *testing.T) {
	tests := []struct {
		name string
		run  *Run
	}{
		{name: "missing id", run: &Run{StartedAt: time.Now()}},
		{name: "zero start", run: testRun(time.Time{})},
		{name: "start before 1970", run: testRun(time.Date(1969, 12, 31, 23, 59, 59, 0, time.UTC))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			require.NoError(t, s.Record(testRun(time.Date(2018, 11, 2, 0, 0, 0, 0, time.UTC))))

			assert.Error(t, s.Record(tt.run))

			runs, err := s.List(0)
			require.NoError(t, err)
			require.Len(t, runs, 1, "a rejected run is not stored")
			assert.Equal(t, 2018, runs[0].StartedAt.Year())
		})
	}
}

func TestList_NewestFirst(t *testing.T) {
	s := newStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var ids []uuid.UUID
	// Recorded out of order on purpose.
	for _, offset := range []time.Duration{2 * time.Hour, 0, time.Hour} {
		r := testRun(base.Add(offset))
		require.NoError(t, s.Record(r))
		ids = append(ids, r.ID)
	}

	runs, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, ids[0], runs[0].ID)
	assert.Equal(t, ids[2], runs[1].ID)
	assert.Equal(t, ids[1], runs[2].ID)

	runs, err = s.List(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, ids[0], runs[0].ID)
}

func TestList_Empty(t *testing.T) {
	s := newStore(t)
	runs, err := s.List(10)
	require.NoError(t, err)
	assert.NotNil(t, runs)
	assert.Empty(t, runs)
}

func TestRecord_Replace(t *testing.T) {
	s := newStore(t)
	run := testRun(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, s.Record(run))

	run.Status = StatusFailed
	run.Error = "insert users: constraint violation"
	run.StartedAt = run.StartedAt.Add(time.Minute)
	require.NoError(t, s.Record(run))

	runs, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, runs, 1, "re-recording a run does not duplicate it")
	assert.Equal(t, StatusFailed, runs[0].Status)

	got, err := s.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.Error, got.Error)
}

func TestOpen_Persists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "history")
	run := testRun(time.Now().UTC())

	s, err := Open(Options{Path: dir, Logger: zap.NewNop()})
	require.NoError(t, err)
	require.NoError(t, s.Record(run))
	require.NoError(t, s.Close())

	s, err = Open(Options{Path: dir})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
}
