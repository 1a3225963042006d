package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metabinary-ltd/wipesentinel/internal/config"
	"github.com/metabinary-ltd/wipesentinel/internal/inventory"
	"github.com/metabinary-ltd/wipesentinel/internal/inventory/inventorytest"
	"github.com/metabinary-ltd/wipesentinel/internal/shell"
	"github.com/metabinary-ltd/wipesentinel/internal/storage"
	"github.com/metabinary-ltd/wipesentinel/internal/types"
	"github.com/metabinary-ltd/wipesentinel/internal/wipe"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})))
	os.Exit(m.Run())
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitAborted, exitCode(fmt.Errorf("run: %w", wipe.ErrAborted)))
	assert.Equal(t, exitPermission, exitCode(fmt.Errorf("x: %w", shell.ErrPermissionDenied)))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestFlagsOverrideConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(`
wipe:
  simulate: true
  shutdown: true
  ignore: [sdz]
paths:
  report_dir: %s/reports
  defect_log_dir: %s/defects
`, dir, dir))

	root := newRootCmd()
	root.SetArgs([]string{"--config", path, "--shutdown=false", "--ignore", "sdy", "--quiet", "--yes"})
	var got *config.Config
	root.RunE = func(cmd *cobra.Command, args []string) error {
		var err error
		got, err = loadConfig(cmd, flagsOf(t, cmd))
		return err
	}
	require.NoError(t, root.Execute())
	require.NotNil(t, got)
	assert.True(t, got.Wipe.Simulate, "file value kept when flag unset")
	assert.False(t, got.Wipe.Shutdown)
	assert.True(t, got.Wipe.Quiet)
	assert.True(t, got.Wipe.AssumeYes)
	assert.Equal(t, []string{"sdz", "sdy"}, got.Wipe.Ignore)
}

func TestQuietRequiresYes(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "none.yml"), "--quiet"})
	root.RunE = func(cmd *cobra.Command, args []string) error {
		_, err := loadConfig(cmd, flagsOf(t, cmd))
		return err
	}
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "assume_yes")
}

// flagsOf rebuilds the flag values bound on cmd.
func flagsOf(t *testing.T, cmd *cobra.Command) *flags {
	t.Helper()
	f := &flags{}
	var err error
	f.configPath, err = cmd.Flags().GetString("config")
	require.NoError(t, err)
	f.shutdown, _ = cmd.Flags().GetBool("shutdown")
	f.quiet, _ = cmd.Flags().GetBool("quiet")
	f.dryRun, _ = cmd.Flags().GetBool("dry-run")
	f.allowTestDrives, _ = cmd.Flags().GetBool("allow-test-drives")
	f.stubIncomplete, _ = cmd.Flags().GetBool("stub-incomplete")
	f.assumeYes, _ = cmd.Flags().GetBool("yes")
	f.ignore, _ = cmd.Flags().GetStringSlice("ignore")
	return f
}

func TestVersionCmd(t *testing.T) {
	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "wipesentinel dev")
}

func TestParseCmd(t *testing.T) {
	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&bytes.Buffer{})
	report := filepath.Join("..", "..", "internal", "collectors", "testdata", "smartctl-dev-sda.txt")
	root.SetArgs([]string{"parse", report, filepath.Join(t.TempDir(), "missing.txt")})
	require.NoError(t, root.Execute())

	var results []parseResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &results))
	require.Len(t, results, 2)
	assert.Empty(t, results[0].Error)
	assert.Equal(t, "hdd", results[0].Features["type"])
	assert.Contains(t, results[1].Error, "report unavailable")
}

func TestRollbackRun(t *testing.T) {
	ctx := context.Background()
	store := inventorytest.NewStore()
	srv := httptest.NewServer(store.Handler())
	defer srv.Close()

	keep := store.Put(inventory.Features{"sn": "KEEP"}, "Magazzino")
	a := store.Put(inventory.Features{"sn": "A"}, "Magazzino")
	b := store.Put(inventory.Features{"sn": "B"}, "Magazzino")

	journal, err := storage.Open(filepath.Join(t.TempDir(), "journal.db"), slog.Default())
	require.NoError(t, err)
	defer journal.Close()
	require.NoError(t, journal.BeginRun(ctx, "r1", false, time.Now()))
	require.NoError(t, journal.RecordCreated(ctx, "r1", a, "A"))
	require.NoError(t, journal.RecordCreated(ctx, "r1", b, "B"))

	cfg := &config.Config{Inventory: config.InventoryConfig{URL: srv.URL, Timeout: time.Second, Retries: 2, RetryBackoff: time.Millisecond}}
	var out bytes.Buffer
	require.NoError(t, rollbackRun(ctx, &out, cfg, journal, "r1", true, slog.Default()))
	assert.Equal(t, "removed 2 of 2 inventory entries\n", out.String())

	assert.Equal(t, 1, store.Len())
	_, ok := store.Item(keep)
	assert.True(t, ok)
	items, err := journal.CreatedItems(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, items)

	// second rollback has nothing to do and needs no inventory
	cfg.Inventory.URL = ""
	out.Reset()
	require.NoError(t, rollbackRun(ctx, &out, cfg, journal, "r1", true, slog.Default()))
	assert.Contains(t, out.String(), "nothing left to roll back")
}

func TestRunWipeAsUserExitsWithPermissionStatus(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root")
	}
	cfg := &config.Config{}
	cfg.Logging.File = "/var/log/wipesentinel-test.log"
	err := runWipe(context.Background(), cfg)
	require.Error(t, err)
	assert.Equal(t, exitPermission, exitCode(err))
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, types.Summary{
		RunID:     "r1",
		Simulated: true,
		Conflicts: []string{"S9"},
		Tasks: []types.WipeTask{
			{Drive: &types.Drive{MountPoint: "sdb", SerialNumber: "S1", CapacityBytes: 1000000000000}, Outcome: types.OutcomeClean},
			{Drive: &types.Drive{MountPoint: "sdc", SerialNumber: "S2"}, Outcome: types.OutcomeBroken, LogPath: "/x/H2.log"},
		},
		RolledBack: 2,
	})
	out := buf.String()
	assert.Contains(t, out, "clean 1 (1.0 TB), broken 1, errors 0")
	assert.Contains(t, out, "/x/H2.log")
	assert.Contains(t, out, "resolve manually: [S9]")
	assert.Contains(t, out, "2 inventory entries removed")
}
