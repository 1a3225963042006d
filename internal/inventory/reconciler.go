package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/metabinary-ltd/wipesentinel/internal/types"
)

// ErrConflict marks inventory state that blocks automated writes.
var ErrConflict = errors.New("inventory conflict")

type Match int

const (
	NoMatch Match = iota
	SafeDuplicate
	Conflict
)

func (m Match) String() string {
	switch m {
	case NoMatch:
		return "no-match"
	case SafeDuplicate:
		return "safe-duplicate"
	default:
		return "conflict"
	}
}

// Duplicate is the outcome of a serial lookup. Code is set for SafeDuplicate;
// Err explains a Conflict.
type Duplicate struct {
	Match Match
	Code  string
	Err   error
}

// CreateHook is called after every entry the reconciler creates.
type CreateHook func(ctx context.Context, code, serial string)

type Reconciler struct {
	svc      Service
	location string
	logger   *slog.Logger
	onCreate CreateHook

	mu      sync.Mutex
	created []string
}

func NewReconciler(svc Service, location string, logger *slog.Logger) *Reconciler {
	return &Reconciler{svc: svc, location: location, logger: logger}
}

// OnCreate registers a hook for newly created entries.
func (r *Reconciler) OnCreate(h CreateHook) {
	r.onCreate = h
}

// Service exposes the underlying client, for rollback.
func (r *Reconciler) Service() Service {
	return r.svc
}

// Created returns the codes of entries created by this reconciler.
func (r *Reconciler) Created() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.created...)
}

// CheckDuplicate classifies the inventory entries sharing drive's serial.
// Lookup failures are reported as Conflict so nothing is written blindly.
func (r *Reconciler) CheckDuplicate(ctx context.Context, d *types.Drive) Duplicate {
	log := r.logger.With("serial", d.SerialNumber, "device", d.MountPoint)
	if d.SerialNumber == "" {
		return Duplicate{Match: Conflict, Err: fmt.Errorf("empty serial number: %w", ErrConflict)}
	}

	codes, err := r.svc.CodesByFeature(ctx, FeatureSerial, d.SerialNumber)
	if err != nil {
		log.Error("inventory lookup failed", "error", err)
		return Duplicate{Match: Conflict, Err: fmt.Errorf("lookup serial: %w", err)}
	}

	switch {
	case len(codes) == 0:
		log.Info("no inventory entry for serial")
		return Duplicate{Match: NoMatch}
	case len(codes) > 1:
		log.Warn("multiple inventory entries share this serial, resolve manually", "codes", codes)
		return Duplicate{Match: Conflict, Err: fmt.Errorf("%d entries share serial %s: %w", len(codes), d.SerialNumber, ErrConflict)}
	}

	code := codes[0]
	item, err := r.svc.GetItem(ctx, code)
	if err != nil {
		log.Error("inventory fetch failed", "code", code, "error", err)
		return Duplicate{Match: Conflict, Err: fmt.Errorf("fetch %s: %w", code, err)}
	}
	if key, bad := conflicts(item.Features, FeaturesOf(d)); bad {
		log.Warn("inventory entry conflicts with drive, resolve manually", "code", code, "feature", key)
		return Duplicate{Match: Conflict, Err: fmt.Errorf("%s differs on %q: %w", code, key, ErrConflict)}
	}
	log.Info("drive already in inventory", "code", code)
	return Duplicate{Match: SafeDuplicate, Code: code}
}

// Reconcile makes sure d has a non-conflicting inventory entry and attaches
// its code. It returns false when the drive must be excluded.
func (r *Reconciler) Reconcile(ctx context.Context, d *types.Drive) bool {
	dup := r.CheckDuplicate(ctx, d)
	switch dup.Match {
	case SafeDuplicate:
		d.InventoryCode = dup.Code
		return true
	case Conflict:
		return false
	}

	code, err := r.svc.AddItem(ctx, FeaturesOf(d), r.location)
	if err != nil {
		logServiceError(r.logger, "inventory rejected new drive", d, err)
		return false
	}
	r.mu.Lock()
	r.created = append(r.created, code)
	r.mu.Unlock()
	if r.onCreate != nil {
		r.onCreate(ctx, code, d.SerialNumber)
	}
	d.InventoryCode = code
	r.logger.Info("drive added to inventory", "serial", d.SerialNumber, "code", code)
	return true
}

// ReportBroken records a failed drive. Only drives already marked failed
// are accepted.
func (r *Reconciler) ReportBroken(ctx context.Context, d *types.Drive) bool {
	if d.Health != types.HealthFailed {
		r.logger.Error("refusing to report a drive that is not failed", "serial", d.SerialNumber, "health", d.Health)
		return false
	}
	if !r.Reconcile(ctx, d) {
		return false
	}
	if err := r.svc.UpdateFeatures(ctx, d.InventoryCode, HealthFeature(d.Health)); err != nil {
		logServiceError(r.logger, "inventory health update failed", d, err)
		return false
	}
	r.logger.Info("broken drive reported", "serial", d.SerialNumber, "code", d.InventoryCode)
	return true
}

func logServiceError(logger *slog.Logger, msg string, d *types.Drive, err error) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		logger.Error(msg, "serial", d.SerialNumber, "status", verr.Status, "message", verr.Message)
		return
	}
	logger.Error(msg, "serial", d.SerialNumber, "error", err)
}

// Rollback deletes the given entries and returns the codes that were
// removed. It keeps going after individual failures.
func Rollback(ctx context.Context, svc Service, codes []string, logger *slog.Logger) ([]string, error) {
	var errs []error
	var removed []string
	for _, code := range codes {
		if err := svc.RemoveItem(ctx, code); err != nil {
			logger.Error("rollback failed", "code", code, "error", err)
			errs = append(errs, fmt.Errorf("remove %s: %w", code, err))
			continue
		}
		removed = append(removed, code)
		logger.Info("rolled back inventory entry", "code", code)
	}
	return removed, errors.Join(errs...)
}
