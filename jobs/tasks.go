package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBackupExport writes a snapshot of every registered table to disk.
	TaskBackupExport = "backup:export"
)

// BackupExportPayload describes why an export was requested.
type BackupExportPayload struct {
	Trigger string `json:"trigger"`
}

// NewBackupExportTask constructs an Asynq task. Only one export task may be
// queued at a time.
func NewBackupExportTask(trigger string) (*asynq.Task, error) {
	if trigger == "" {
		trigger = "schedule"
	}
	data, err := json.Marshal(BackupExportPayload{Trigger: trigger})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBackupExport, data,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(3),
		asynq.Unique(30*time.Minute),
	), nil
}
