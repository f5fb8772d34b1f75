package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/staykit/staykit/internal/backup"
	jobmetrics "github.com/staykit/staykit/internal/jobs"
)

// schedulerPrincipal is recorded as the creator of scheduled snapshots.
const schedulerPrincipal = "scheduler@staykit"

// Exporter produces snapshots.
type Exporter interface {
	Export(ctx context.Context, caller backup.Caller) (backup.Snapshot, error)
}

// BackupExportJob runs an export and stores it under Dir, keeping the newest
// Retain files.
type BackupExportJob struct {
	Exporter Exporter
	Dir      string
	Retain   int
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewBackupExportJob wires dependencies for the export handler.
func NewBackupExportJob(exporter Exporter, dir string, retain int, logger *slog.Logger, metrics *jobmetrics.Metrics) *BackupExportJob {
	return &BackupExportJob{Exporter: exporter, Dir: dir, Retain: retain, Logger: logger, Metrics: metrics}
}

// Handle processes backup export tasks.
func (j *BackupExportJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Exporter == nil {
		return errors.New("backup export: handler not configured")
	}
	var payload BackupExportPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track("backup_export")
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("trigger", payload.Trigger))
	snap, err := j.Exporter.Export(ctx, backup.SystemCaller(schedulerPrincipal))
	if err != nil {
		logger.Error("backup export failed", slog.Any("error", err))
		return err
	}
	path, err := j.write(snap)
	if err != nil {
		logger.Error("backup export write", slog.Any("error", err))
		return err
	}
	removed, err := j.prune()
	if err != nil {
		logger.Warn("backup export prune", slog.Any("error", err))
	}
	j.Metrics.AddPruned(removed)
	logger.Info("backup export stored",
		slog.String("path", path),
		slog.Int("rows", snap.Metadata.RowCount),
		slog.Int("table_errors", len(snap.Metadata.Errors)),
		slog.Int("pruned", removed))
	return nil
}

// write stores the snapshot through a temporary file so a crash never leaves
// a half-written backup under the final name.
func (j *BackupExportJob) write(snap backup.Snapshot) (string, error) {
	dir := j.Dir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "staykit-backups")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, ".backup-*.tmp")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	path := filepath.Join(dir, backup.FileName(snap.Metadata.CreatedAt))
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}

// prune deletes the oldest backups beyond Retain. File names sort by date.
func (j *BackupExportJob) prune() (int, error) {
	if j.Retain <= 0 || j.Dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(j.Dir)
	if err != nil {
		return 0, err
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.Type().IsRegular() && strings.HasPrefix(name, "backup-") && strings.HasSuffix(name, ".json") {
			names = append(names, name)
		}
	}
	if len(names) <= j.Retain {
		return 0, nil
	}
	slices.Sort(names)
	removed := 0
	var errs []error
	for _, name := range names[:len(names)-j.Retain] {
		if err := os.Remove(filepath.Join(j.Dir, name)); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (j *BackupExportJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// ScheduledExport builds the cron registration for the nightly export.
func ScheduledExport(spec string) (CronRegistration, error) {
	task, err := NewBackupExportTask("schedule")
	if err != nil {
		return CronRegistration{}, err
	}
	return CronRegistration{Spec: spec, Task: task}, nil
}
