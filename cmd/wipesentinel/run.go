package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/metabinary-ltd/wipesentinel/internal/collectors"
	"github.com/metabinary-ltd/wipesentinel/internal/config"
	"github.com/metabinary-ltd/wipesentinel/internal/discovery"
	"github.com/metabinary-ltd/wipesentinel/internal/inventory"
	"github.com/metabinary-ltd/wipesentinel/internal/logging"
	"github.com/metabinary-ltd/wipesentinel/internal/notifier"
	"github.com/metabinary-ltd/wipesentinel/internal/startup"
	"github.com/metabinary-ltd/wipesentinel/internal/storage"
	"github.com/metabinary-ltd/wipesentinel/internal/types"
	"github.com/metabinary-ltd/wipesentinel/internal/wipe"
)

func runWipe(ctx context.Context, cfg *config.Config) error {
	// before opening the log file so a non-root user gets the permission exit status
	if err := startup.RequireRoot(); err != nil {
		return err
	}
	logger, closer, err := logging.Open(cfg.Logging.Level, cfg.Logging.File, cfg.Wipe.Quiet)
	if err != nil {
		return err
	}
	defer closer.Close()

	req := startup.Requirements{
		Smartctl:  cfg.Tools.Smartctl,
		Badblocks: cfg.Tools.Badblocks,
		Lsblk:     cfg.Tools.Lsblk,
		Umount:    cfg.Tools.Umount,
	}
	if cfg.Wipe.Shutdown {
		req.Shutdown = cfg.Tools.Shutdown
	}
	if err := startup.RunChecks(req); err != nil {
		return err
	}
	if err := startup.EnsureDirs(cfg.Paths.ReportDir, cfg.Paths.DefectLogDir); err != nil {
		return err
	}
	if err := startup.EnsurePaths(cfg.Paths.JournalPath); err != nil {
		return err
	}

	journal, err := storage.Open(cfg.Paths.JournalPath, logger)
	if err != nil {
		return err
	}
	defer journal.Close()

	runID := uuid.NewString()
	logger = logger.With("run", runID)
	logger.Info("wipesentinel starting", "version", version, "simulate", cfg.Wipe.Simulate)

	var out io.Writer = os.Stdout
	if cfg.Wipe.Quiet {
		out = nil
	}

	deps := wipe.Deps{
		Enumerator: discovery.New(cfg.Tools.Lsblk, cfg.Tools.Umount, cfg.Tools.Zpool, logger),
		Inspector:  collectors.NewSmartCollector(cfg.Tools.Smartctl, cfg.Paths.ReportDir, logger),
		Wiper:      wipe.NewBadblocks(cfg.Tools.Badblocks, cfg.Wipe.Pattern, logger),
		Power:      wipe.Shutdown{BinPath: cfg.Tools.Shutdown},
		Journal:    journal,
	}
	if n := notifier.New(cfg.Notifications, logger); n.Enabled() {
		deps.Notifier = n
	}
	if out != nil {
		deps.Progress = os.Stderr
	}
	if cfg.Wipe.AssumeYes {
		deps.Confirmer = wipe.AutoConfirm{Out: out}
	} else {
		deps.Confirmer = wipe.Prompt{Out: os.Stdout}
	}
	if rec := connectInventory(ctx, cfg, journal, runID, logger); rec != nil {
		deps.Reconciler = rec
	}

	opts := wipe.Options{
		RunID:           runID,
		Simulate:        cfg.Wipe.Simulate,
		Shutdown:        cfg.Wipe.Shutdown,
		AllowTestDrives: cfg.Wipe.AllowTestDrives,
		StubIncomplete:  cfg.Wipe.StubIncomplete,
		Ignore:          cfg.Wipe.Ignore,
		DefectLogDir:    cfg.Paths.DefectLogDir,
	}
	sum, err := wipe.New(opts, deps, logger).Run(ctx)
	if out != nil {
		printSummary(out, sum)
	}
	return err
}

// connectInventory returns nil when the inventory cannot be reached; the run
// then continues without it.
func connectInventory(ctx context.Context, cfg *config.Config, journal *storage.Store, runID string, logger *slog.Logger) *inventory.Reconciler {
	client, err := inventory.Connect(ctx, cfg.Inventory.URL, cfg.Inventory.Token, cfg.Inventory.Timeout)
	if err != nil {
		logger.Warn("inventory not available, continuing without it", "error", err)
		return nil
	}
	client.WithRetry(cfg.Inventory.Retries, cfg.Inventory.RetryBackoff)
	rec := inventory.NewReconciler(client, cfg.Inventory.Location, logger)
	rec.OnCreate(func(ctx context.Context, code, serial string) {
		if err := journal.RecordCreated(ctx, runID, code, serial); err != nil {
			logger.Error("journal create failed", "code", code, "error", err)
		}
	})
	return rec
}

func printSummary(w io.Writer, sum types.Summary) {
	bold := color.New(color.Bold)
	bold.Fprintf(w, "\nRun %s finished in %s\n", sum.RunID,
		time.Duration(sum.FinishedAt-sum.StartedAt)*time.Second)
	if !sum.Inventory {
		color.New(color.FgYellow).Fprintln(w, "Inventory was not available; nothing was recorded there.")
	}

	var wiped uint64
	for _, t := range sum.Tasks {
		line := fmt.Sprintf("  %-10s %-20s %-8s", t.Drive.MountPoint, t.Drive.SerialNumber, t.Outcome)
		switch t.Outcome {
		case types.OutcomeClean:
			if t.Drive.CapacityBytes > 0 {
				wiped += uint64(t.Drive.CapacityBytes)
			}
			color.New(color.FgGreen).Fprintln(w, line)
		case types.OutcomeBroken:
			color.New(color.FgRed).Fprintf(w, "%s defects in %s\n", line, t.LogPath)
		default:
			color.New(color.FgYellow).Fprintf(w, "%s %s\n", line, t.Error)
		}
	}
	fmt.Fprintf(w, "clean %d (%s), broken %d, errors %d\n",
		sum.Count(types.OutcomeClean), humanize.Bytes(wiped), sum.Count(types.OutcomeBroken), sum.Count(types.OutcomeError))
	if len(sum.Conflicts) > 0 {
		color.New(color.FgRed).Fprintf(w, "inventory conflicts, resolve manually: %v\n", sum.Conflicts)
	}
	if len(sum.Ignored) > 0 {
		fmt.Fprintf(w, "ignored: %v\n", sum.Ignored)
	}
	if len(sum.Skipped) > 0 {
		fmt.Fprintf(w, "skipped: %v\n", sum.Skipped)
	}
	if sum.Simulated {
		fmt.Fprintf(w, "simulation: %d inventory entries removed\n", sum.RolledBack)
	}
}
