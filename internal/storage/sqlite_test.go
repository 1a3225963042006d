package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metabinary-ltd/wipesentinel/internal/types"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})))
	os.Exit(m.Run())
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "journal.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	started := time.Unix(1700000000, 0)

	require.NoError(t, s.BeginRun(ctx, "run-1", true, started))
	require.NoError(t, s.RecordCreated(ctx, "run-1", "H1", "S1"))
	require.NoError(t, s.RecordCreated(ctx, "run-1", "H2", "S2"))
	require.NoError(t, s.RecordCreated(ctx, "run-1", "H2", "S2"), "duplicates are ignored")

	items, err := s.CreatedItems(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, items, 2)

	require.NoError(t, s.MarkRolledBack(ctx, "run-1", "H1"))
	assert.Error(t, s.MarkRolledBack(ctx, "run-1", "H9"))
	items, err = s.CreatedItems(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "H2", items[0].Code)
	assert.Equal(t, "S2", items[0].Serial)

	drive := &types.Drive{MountPoint: "sda", SerialNumber: "S1", InventoryCode: "H1"}
	require.NoError(t, s.RecordOutcome(ctx, "run-1", types.WipeTask{
		Drive: drive, Outcome: types.OutcomeBroken, ExitCode: 1, LogPath: "/tmp/H1.log",
		Reported: true, Duration: 1500 * time.Millisecond,
	}))
	require.NoError(t, s.RecordOutcome(ctx, "run-1", types.WipeTask{
		Drive: &types.Drive{MountPoint: "sdb", SerialNumber: "S2"}, Outcome: types.OutcomeClean,
	}))
	assert.Error(t, s.RecordOutcome(ctx, "run-1", types.WipeTask{}))

	outcomes, err := s.Outcomes(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "broken", outcomes[0].Outcome)
	assert.True(t, outcomes[0].Reported)
	assert.Equal(t, int64(1500), outcomes[0].DurationMs)
	assert.Equal(t, "sdb", outcomes[1].Device)

	sum := types.Summary{
		RunID:      "run-1",
		Simulated:  true,
		Conflicts:  []string{"S3"},
		Tasks:      []types.WipeTask{{Outcome: types.OutcomeBroken}, {Outcome: types.OutcomeClean}},
		StartedAt:  started.Unix(),
		FinishedAt: started.Add(time.Hour).Unix(),
	}
	require.NoError(t, s.FinishRun(ctx, sum))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.True(t, run.Simulated)
	assert.Equal(t, 1, run.Clean)
	assert.Equal(t, 1, run.Broken)
	assert.Equal(t, 1, run.Conflicts)
	assert.Equal(t, 1, run.RolledBack)
	assert.Equal(t, started.Add(time.Hour).Unix(), run.FinishedAt)
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.BeginRun(ctx, "old", false, time.Unix(100, 0)))
	require.NoError(t, s.BeginRun(ctx, "new", false, time.Unix(200, 0)))
	assert.Error(t, s.BeginRun(ctx, "", false, time.Now()))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].ID)
	assert.Zero(t, runs[1].FinishedAt)

	missing, err := s.GetRun(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
	assert.Error(t, s.FinishRun(ctx, types.Summary{RunID: "nope"}))
}

func TestReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := Open(path, slog.Default())
	require.NoError(t, err)
	require.NoError(t, s.BeginRun(context.Background(), "r", false, time.Now()))
	require.NoError(t, s.Close())

	s, err = Open(path, slog.Default())
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.ListRuns(context.Background(), 5)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	v, err := s.storedVersion()
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, v)
}

func TestOpenRefusesNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := Open(path, slog.Default())
	require.NoError(t, err)
	_, err = s.db.Exec(`UPDATE meta SET value = '99' WHERE key = 'schema_version'`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}
