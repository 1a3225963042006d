// Package wipe runs the destructive part of a session: it filters system
// disks, gates drives through the inventory, wipes every accepted drive in
// parallel and records the outcome of each.
package wipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/metabinary-ltd/wipesentinel/internal/collectors"
	"github.com/metabinary-ltd/wipesentinel/internal/discovery"
	"github.com/metabinary-ltd/wipesentinel/internal/inventory"
	"github.com/metabinary-ltd/wipesentinel/internal/shell"
	"github.com/metabinary-ltd/wipesentinel/internal/types"
)

// ErrAborted is returned when the operator declines the confirmation.
var ErrAborted = errors.New("wipe aborted by operator")

type Enumerator interface {
	Candidates(ctx context.Context) ([]discovery.Candidate, error)
	IgnoreSet(ctx context.Context) (map[string]string, error)
	Unmount(ctx context.Context, device string) error
}

type Inspector interface {
	Collect(ctx context.Context, device string) (*types.Drive, error)
}

// Reconciler is the inventory gate. *inventory.Reconciler satisfies it.
type Reconciler interface {
	Reconcile(ctx context.Context, d *types.Drive) bool
	ReportBroken(ctx context.Context, d *types.Drive) bool
	Created() []string
	Service() inventory.Service
}

// Journal persists run progress. *storage.Store satisfies it.
type Journal interface {
	BeginRun(ctx context.Context, runID string, simulated bool, started time.Time) error
	RecordOutcome(ctx context.Context, runID string, t types.WipeTask) error
	MarkRolledBack(ctx context.Context, runID, code string) error
	FinishRun(ctx context.Context, sum types.Summary) error
}

type SummarySender interface {
	SendSummary(ctx context.Context, sum types.Summary) error
}

type Options struct {
	RunID           string
	Simulate        bool
	Shutdown        bool
	AllowTestDrives bool
	StubIncomplete  bool
	Ignore          []string
	DefectLogDir    string
}

// Deps are the collaborators of an Orchestrator. Reconciler nil means the
// run has no inventory and every drive is accepted. Journal, Notifier and
// Power are optional.
type Deps struct {
	Enumerator Enumerator
	Inspector  Inspector
	Reconciler Reconciler
	Wiper      Wiper
	Confirmer  Confirmer
	Power      PowerController
	Journal    Journal
	Notifier   SummarySender
	// Progress receives the progress bar; nil disables it.
	Progress io.Writer
}

type Orchestrator struct {
	opts   Options
	deps   Deps
	logger *slog.Logger

	mu    sync.Mutex
	fatal []error
}

func New(opts Options, deps Deps, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{opts: opts, deps: deps, logger: logger.With("run", opts.RunID)}
}

// Run executes one full session. The returned summary is meaningful even
// when err is set.
func (o *Orchestrator) Run(ctx context.Context) (types.Summary, error) {
	started := time.Now()
	sum := types.Summary{
		RunID:     o.opts.RunID,
		Simulated: o.opts.Simulate,
		Inventory: o.deps.Reconciler != nil,
		StartedAt: started.Unix(),
	}
	if !sum.Inventory {
		o.logger.Warn("running without inventory, every drive is accepted")
	}
	if o.deps.Journal != nil {
		if err := o.deps.Journal.BeginRun(ctx, o.opts.RunID, o.opts.Simulate, started); err != nil {
			return sum, fmt.Errorf("journal: %w", err)
		}
	}

	drives, err := o.prepare(ctx, &sum)
	if err != nil {
		return o.finish(ctx, sum), err
	}
	accepted := o.reconcile(ctx, drives, &sum)
	if len(accepted) == 0 {
		o.logger.Info("no drives to wipe")
		err := o.rollback(ctx, &sum)
		return o.finish(ctx, sum), err
	}

	ok, err := o.deps.Confirmer.Confirm(accepted, o.opts.Simulate)
	if err != nil || !ok {
		if err == nil {
			err = ErrAborted
		}
		err = errors.Join(err, o.rollback(ctx, &sum))
		return o.finish(ctx, sum), err
	}

	tasks, err := o.plan(accepted)
	if err != nil {
		err = errors.Join(err, o.rollback(ctx, &sum))
		return o.finish(ctx, sum), err
	}
	o.runAll(ctx, tasks)
	sum.Tasks = tasks

	var errs []error
	errs = append(errs, o.fatal...)
	if err := o.rollback(ctx, &sum); err != nil {
		errs = append(errs, err)
	}
	sum = o.finish(ctx, sum)

	if o.opts.Shutdown && !o.opts.Simulate && o.deps.Power != nil {
		if len(o.fatal) > 0 {
			o.logger.Warn("not powering off after a fatal error")
		} else {
			o.logger.Info("powering off")
			if err := o.deps.Power.PowerOff(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return sum, errors.Join(errs...)
}

// prepare enumerates candidates, drops ignored ones and parses diagnostics
// for the rest.
func (o *Orchestrator) prepare(ctx context.Context, sum *types.Summary) ([]*types.Drive, error) {
	cands, err := o.deps.Enumerator.Candidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	ignore, err := o.deps.Enumerator.IgnoreSet(ctx)
	if err != nil {
		return nil, fmt.Errorf("compute ignore set: %w", err)
	}
	kept, dropped := discovery.Filter(cands, ignore, o.opts.Ignore, o.logger)
	sum.Ignored = dropped

	var drives []*types.Drive
	for _, c := range kept {
		log := o.logger.With("device", c.Name)
		d, err := o.deps.Inspector.Collect(ctx, c.Name)
		switch {
		case errors.Is(err, shell.ErrPermissionDenied):
			return nil, fmt.Errorf("inspect %s: %w", c.Name, err)
		case errors.Is(err, collectors.ErrNotADrive):
			if !o.opts.AllowTestDrives {
				log.Info("not a drive, skipping")
				sum.Skipped = append(sum.Skipped, c.Name)
				continue
			}
			log.Warn("not a drive, using a test drive")
			d = types.TestDrive(c.Name)
		case err != nil:
			log.Error("diagnostics failed, skipping", "error", err)
			sum.Skipped = append(sum.Skipped, c.Name)
			continue
		}

		if missing := d.Missing(); len(missing) > 0 {
			if !o.opts.StubIncomplete {
				log.Warn("incomplete drive data, skipping", "missing", missing, "error", types.ErrIncompleteDrive)
				sum.Skipped = append(sum.Skipped, c.Name)
				continue
			}
			log.Warn("incomplete drive data, filling placeholders", "missing", missing)
			d.Backfill()
		}
		drives = append(drives, d)
	}
	return drives, nil
}

func (o *Orchestrator) reconcile(ctx context.Context, drives []*types.Drive, sum *types.Summary) []*types.Drive {
	if o.deps.Reconciler == nil {
		return drives
	}
	var accepted []*types.Drive
	for _, d := range drives {
		if !o.deps.Reconciler.Reconcile(ctx, d) {
			o.logger.Warn("drive excluded, resolve inventory manually", "device", d.MountPoint, "serial", d.SerialNumber)
			sum.Conflicts = append(sum.Conflicts, d.SerialNumber)
			continue
		}
		accepted = append(accepted, d)
	}
	return accepted
}

// plan builds one task per drive with a defect log path no other task or
// earlier run uses.
func (o *Orchestrator) plan(drives []*types.Drive) ([]types.WipeTask, error) {
	if err := os.MkdirAll(o.opts.DefectLogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create defect log dir: %w", err)
	}
	used := map[string]bool{}
	tasks := make([]types.WipeTask, 0, len(drives))
	for _, d := range drives {
		key := d.InventoryCode
		if key == "" {
			key = filepath.Base(d.MountPoint)
		}
		tasks = append(tasks, types.WipeTask{
			Drive:   d,
			LogPath: uniquePath(o.opts.DefectLogDir, key, used),
			Outcome: types.OutcomePending,
		})
	}
	return tasks, nil
}

func uniquePath(dir, key string, used map[string]bool) string {
	for i := 0; ; i++ {
		name := key
		if i > 0 {
			name += "-" + strconv.Itoa(i)
		}
		p := filepath.Join(dir, name+".log")
		if used[p] {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			continue
		}
		used[p] = true
		return p
	}
}

// runAll starts every task and waits for all of them.
func (o *Orchestrator) runAll(ctx context.Context, tasks []types.WipeTask) {
	w := o.deps.Progress
	if w == nil {
		w = io.Discard
	}
	desc := "wiping"
	if o.opts.Simulate {
		desc = "simulating"
	}
	bar := progressbar.NewOptions(len(tasks),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowCount(),
	)

	var g errgroup.Group
	for i := range tasks {
		g.Go(func() error {
			o.runTask(ctx, &tasks[i])
			_ = bar.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	_ = bar.Finish()
}

func (o *Orchestrator) runTask(ctx context.Context, t *types.WipeTask) {
	d := t.Drive
	log := o.logger.With("device", d.MountPoint, "serial", d.SerialNumber, "code", d.InventoryCode)
	start := time.Now()
	t.Outcome = types.OutcomeRunning

	defer func() {
		t.Duration = time.Since(start)
		log.Info("wipe finished", "outcome", t.Outcome, "status", t.ExitCode, "duration", t.Duration.Round(time.Second))
		if o.deps.Journal != nil {
			if err := o.deps.Journal.RecordOutcome(ctx, o.opts.RunID, *t); err != nil {
				log.Error("journal outcome failed", "error", err)
			}
		}
	}()

	if o.opts.Simulate {
		t.Simulated = true
		t.Outcome = types.OutcomeClean
		return
	}

	if err := o.deps.Enumerator.Unmount(ctx, d.MountPoint); err != nil {
		o.fail(t, log, err)
		return
	}
	code, err := o.deps.Wiper.Wipe(ctx, d.MountPoint, t.LogPath)
	t.ExitCode = code
	if err != nil {
		o.fail(t, log, err)
		return
	}

	defects, err := hasDefects(t.LogPath)
	if err != nil {
		log.Error("cannot read defect log", "log", t.LogPath, "error", err)
		defects = true
	}
	if code == 0 && !defects {
		t.Outcome = types.OutcomeClean
		if err := os.Remove(t.LogPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("cannot remove empty defect log", "log", t.LogPath, "error", err)
		}
		return
	}

	t.Outcome = types.OutcomeBroken
	d.Health = types.HealthFailed
	log.Warn("drive is broken", "log", t.LogPath)
	if o.deps.Reconciler == nil {
		return
	}
	t.Reported = o.deps.Reconciler.ReportBroken(ctx, d)
	if !t.Reported {
		log.Error("broken drive not recorded in inventory, update it manually")
	}
}

// fail marks a task that never got a meaningful wipe. Permission problems
// are fatal to the run once all tasks have joined.
func (o *Orchestrator) fail(t *types.WipeTask, log *slog.Logger, err error) {
	t.Outcome = types.OutcomeError
	t.Error = err.Error()
	log.Error("wipe could not run", "error", err)
	if errors.Is(err, shell.ErrPermissionDenied) {
		o.mu.Lock()
		o.fatal = append(o.fatal, fmt.Errorf("%s: %w", t.Drive.MountPoint, err))
		o.mu.Unlock()
	}
}

// rollback removes every inventory entry this run created. It only acts in
// simulate mode.
func (o *Orchestrator) rollback(ctx context.Context, sum *types.Summary) error {
	if !o.opts.Simulate || o.deps.Reconciler == nil {
		return nil
	}
	codes := o.deps.Reconciler.Created()
	if len(codes) == 0 {
		return nil
	}
	removed, err := inventory.Rollback(ctx, o.deps.Reconciler.Service(), codes, o.logger)
	sum.RolledBack = len(removed)
	if o.deps.Journal != nil {
		for _, code := range removed {
			if jerr := o.deps.Journal.MarkRolledBack(ctx, o.opts.RunID, code); jerr != nil {
				o.logger.Error("journal rollback failed", "code", code, "error", jerr)
			}
		}
	}
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, sum types.Summary) types.Summary {
	sum.FinishedAt = time.Now().Unix()
	o.logger.Info("run finished",
		"clean", sum.Count(types.OutcomeClean),
		"broken", sum.Count(types.OutcomeBroken),
		"errors", sum.Count(types.OutcomeError),
		"conflicts", len(sum.Conflicts),
		"ignored", len(sum.Ignored),
		"rolled_back", sum.RolledBack)
	if o.deps.Journal != nil {
		if err := o.deps.Journal.FinishRun(ctx, sum); err != nil {
			o.logger.Error("journal finish failed", "error", err)
		}
	}
	if o.deps.Notifier != nil {
		if err := o.deps.Notifier.SendSummary(ctx, sum); err != nil {
			o.logger.Warn("summary notification failed", "error", err)
		}
	}
	return sum
}
