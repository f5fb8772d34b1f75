// Package backup exports every registered table into one snapshot and
// replays a snapshot back into storage.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/staykit/staykit/internal/authz"
	"github.com/staykit/staykit/internal/platform/httpx"
	"github.com/staykit/staykit/internal/shared"
)

var (
	// ErrForbidden rejects callers without an administrative role.
	ErrForbidden = fmt.Errorf("backup: administrator role required: %w", httpx.ErrForbidden)
	// ErrUnknownTable rejects restore requests naming unregistered tables.
	ErrUnknownTable = fmt.Errorf("backup: unknown table: %w", httpx.ErrValidation)
	// ErrBusy reports that another export or restore holds the lock.
	ErrBusy = fmt.Errorf("backup: another backup or restore is running: %w", httpx.ErrConflict)
)

// Restore phases reported by RestoreError.
const (
	PhaseDelete = "delete"
	PhaseInsert = "insert"
)

// Defaults applied when Config leaves a value at zero.
const (
	DefaultMaxRows   = 10000
	DefaultBatchSize = 500
	DefaultLockTTL   = 10 * time.Minute
)

// RestoreError identifies the table and batch that stopped a restore. Tables
// handled before it keep their new contents.
type RestoreError struct {
	Table string
	Batch int
	Phase string
	Err   error
}

func (e *RestoreError) Error() string {
	if e.Phase == PhaseDelete {
		return fmt.Sprintf("backup: delete %s: %v", e.Table, e.Err)
	}
	return fmt.Sprintf("backup: insert %s batch %d: %v", e.Table, e.Batch, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }

// Caller is the principal running an export or restore.
type Caller struct {
	UserID        int64
	Email         string
	Administrator bool
}

// CallerFrom derives a Caller from a session snapshot.
func CallerFrom(snap authz.Snapshot) Caller {
	c := Caller{Administrator: snap.IsAdministrator()}
	if snap.Identity != nil {
		c.UserID = snap.Identity.UserID
		c.Email = snap.Identity.Email
	}
	return c
}

// SystemCaller is the principal used by scheduled exports.
func SystemCaller(name string) Caller {
	return Caller{Email: name, Administrator: true}
}

// Observer receives one call per finished operation.
type Observer interface {
	ObserveBackup(operation, outcome string, rows int)
}

// Config bounds engine resource use.
type Config struct {
	MaxRows   int
	BatchSize int
	LockTTL   time.Duration
}

// RestoreRequest selects what to restore. Nil Truncate means true and an
// empty Tables means every registered table.
type RestoreRequest struct {
	Data     map[string][]Row
	Tables   []string
	Truncate *bool
}

// Report lists inserted rows for every registered table.
type Report struct {
	Restored map[string]int `json:"restored"`
}

// Engine runs exports and restores against a Store.
type Engine struct {
	registry *Registry
	store    Store
	locker   Locker
	audit    shared.Auditor
	observer Observer
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithLocker serialises operations across processes.
func WithLocker(l Locker) Option { return func(e *Engine) { e.locker = l } }

// WithAuditor records each operation.
func WithAuditor(a shared.Auditor) Option { return func(e *Engine) { e.audit = a } }

// WithObserver reports outcomes to metrics.
func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// NewEngine builds an Engine over registry and store.
func NewEngine(registry *Registry, store Store, cfg Config, opts ...Option) *Engine {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	e := &Engine{
		registry: registry,
		store:    store,
		audit:    shared.NopAuditor{},
		logger:   slog.Default(),
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the table registry the engine consults.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Export reads every registered table in insertion order. A table that fails
// to read is exported empty and listed in Metadata.Errors; the export itself
// still succeeds. No locks are taken on the data, so concurrent writes may
// make tables mutually inconsistent.
func (e *Engine) Export(ctx context.Context, caller Caller) (Snapshot, error) {
	if !caller.Administrator {
		return Snapshot{}, ErrForbidden
	}
	release, err := e.lock(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	defer release()

	snap := Snapshot{
		Metadata: Metadata{
			Version:    FormatVersion,
			ID:         uuid.NewString(),
			CreatedAt:  e.now().UTC(),
			CreatedBy:  Creator{UserID: caller.UserID, Email: caller.Email},
			TableCount: e.registry.Len(),
		},
		Data: make(map[string][]Row, e.registry.Len()),
	}
	for _, table := range e.registry.InsertionOrder() {
		rows, err := e.store.ReadTable(ctx, table, e.cfg.MaxRows+1)
		if err != nil {
			e.logger.Warn("backup export table failed", slog.String("table", table), slog.Any("error", err))
			snap.Metadata.Errors = append(snap.Metadata.Errors, TableError{Table: table, Error: err.Error()})
			rows = []Row{}
		}
		if rows == nil {
			rows = []Row{}
		}
		if len(rows) > e.cfg.MaxRows {
			rows = rows[:e.cfg.MaxRows]
			e.logger.Warn("backup export hit row ceiling", slog.String("table", table), slog.Int("max_rows", e.cfg.MaxRows))
			snap.Metadata.Truncated = append(snap.Metadata.Truncated, table)
		}
		snap.Data[table] = rows
		snap.Metadata.RowCount += len(rows)
	}

	outcome := "success"
	if len(snap.Metadata.Errors) > 0 {
		outcome = "partial"
	}
	e.observe("export", outcome, snap.Metadata.RowCount)
	e.record(ctx, caller, shared.AuditBackupExport, snap.Metadata.ID, map[string]any{
		"rows":   snap.Metadata.RowCount,
		"errors": len(snap.Metadata.Errors),
	})
	e.logger.Info("backup exported",
		slog.String("id", snap.Metadata.ID),
		slog.Int("rows", snap.Metadata.RowCount),
		slog.Int("errors", len(snap.Metadata.Errors)))
	return snap, nil
}

// Restore replays req.Data. When truncating, selected tables are emptied in
// deletion order first; rows are then inserted in insertion order in batches.
// The first failing statement stops the restore with a *RestoreError and the
// report of what was inserted so far. Nothing is rolled back.
func (e *Engine) Restore(ctx context.Context, caller Caller, req RestoreRequest) (Report, error) {
	report := Report{Restored: make(map[string]int, e.registry.Len())}
	for _, table := range e.registry.InsertionOrder() {
		report.Restored[table] = 0
	}
	if !caller.Administrator {
		return report, ErrForbidden
	}
	selected, err := e.registry.Select(req.Tables)
	if err != nil {
		return report, err
	}
	for table := range req.Data {
		if !e.registry.Has(table) {
			e.logger.Warn("backup restore ignoring unregistered table", slog.String("table", table))
		}
	}
	truncate := req.Truncate == nil || *req.Truncate

	release, err := e.lock(ctx)
	if err != nil {
		return report, err
	}
	defer release()

	total := 0
	fail := func(rerr *RestoreError) (Report, error) {
		e.logger.Error("backup restore aborted",
			slog.String("table", rerr.Table),
			slog.String("phase", rerr.Phase),
			slog.Int("batch", rerr.Batch),
			slog.Any("error", rerr.Err))
		e.observe("restore", "failure", total)
		e.recordRestore(ctx, caller, selected, rerr.Table, map[string]any{
			"failed_table": rerr.Table,
			"phase":        rerr.Phase,
			"batch":        rerr.Batch,
			"rows":         total,
		})
		return report, rerr
	}

	if truncate {
		for _, table := range e.registry.DeletionOrder() {
			if !selected[table] {
				continue
			}
			if err := e.store.DeleteAll(ctx, table); err != nil {
				return fail(&RestoreError{Table: table, Phase: PhaseDelete, Err: err})
			}
		}
	}

	resetter, _ := e.store.(sequenceResetter)
	for _, table := range e.registry.InsertionOrder() {
		rows := req.Data[table]
		if !selected[table] || len(rows) == 0 {
			continue
		}
		for batch, start := 1, 0; start < len(rows); batch, start = batch+1, start+e.cfg.BatchSize {
			end := min(start+e.cfg.BatchSize, len(rows))
			if err := e.store.InsertRows(ctx, table, rows[start:end]); err != nil {
				return fail(&RestoreError{Table: table, Batch: batch, Phase: PhaseInsert, Err: err})
			}
			report.Restored[table] += end - start
			total += end - start
		}
		if resetter != nil {
			if err := resetter.ResetSequence(ctx, table); err != nil {
				e.logger.Warn("backup restore sequence reset failed", slog.String("table", table), slog.Any("error", err))
			}
		}
	}

	e.observe("restore", "success", total)
	e.recordRestore(ctx, caller, selected, "all", map[string]any{
		"rows":     total,
		"truncate": truncate,
		"tables":   len(selected),
	})
	e.logger.Info("backup restored", slog.Int("rows", total), slog.Bool("truncate", truncate))
	return report, nil
}

func (e *Engine) lock(ctx context.Context) (func(), error) {
	if e.locker == nil {
		return func() {}, nil
	}
	release, err := e.locker.Acquire(ctx, LockKey, e.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			e.logger.Warn("backup lock busy")
		}
		return nil, err
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("backup lock release", slog.Any("error", err))
		}
	}, nil
}

func (e *Engine) observe(operation, outcome string, rows int) {
	if e.observer != nil {
		e.observer.ObserveBackup(operation, outcome, rows)
	}
}

// recordRestore audits a restore unless the restore rewrote the audit table
// itself; storage must then hold exactly the snapshot's rows, so the entry
// goes to the log only.
func (e *Engine) recordRestore(ctx context.Context, caller Caller, selected map[string]bool, entityID string, meta map[string]any) {
	if selected[shared.AuditTable] {
		e.logger.Info("backup restore audit kept out of restored table",
			slog.String("action", shared.AuditBackupRestore),
			slog.Int64("actor_id", caller.UserID),
			slog.String("entity_id", entityID),
			slog.Any("meta", meta))
		return
	}
	e.record(ctx, caller, shared.AuditBackupRestore, entityID, meta)
}

func (e *Engine) record(ctx context.Context, caller Caller, action, entityID string, meta map[string]any) {
	err := e.audit.Record(ctx, shared.AuditLog{
		ActorID:  caller.UserID,
		Action:   action,
		Entity:   "backup",
		EntityID: entityID,
		Meta:     meta,
	})
	if err != nil {
		e.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}
