package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Audit actions recorded by the administration and backup flows.
const (
	AuditRoleCreate       = "role.create"
	AuditRoleUpdate       = "role.update"
	AuditRoleDelete       = "role.delete"
	AuditRolePermissions  = "role.permissions"
	AuditAssignmentGrant  = "assignment.grant"
	AuditAssignmentRevoke = "assignment.revoke"
	AuditUserProvision    = "user.provision"
	AuditUserStatus       = "user.status"
	AuditPasswordChange   = "user.password_change"
	AuditBackupExport     = "backup.export"
	AuditBackupRestore    = "backup.restore"
)

// AuditTable is the table AuditLogger writes to.
const AuditTable = "audit_logs"

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// Auditor records audit entries.
type Auditor interface {
	Record(ctx context.Context, log AuditLog) error
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.pool == nil {
		return errors.New("audit logger not initialised")
	}
	if err := log.validate(); err != nil {
		return err
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	var actor *int64
	if log.ActorID > 0 {
		actor = &log.ActorID
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO `+AuditTable+` (actor_id, action, entity, entity_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`, actor, log.Action, log.Entity, log.EntityID, metaJSON, at)
	return err
}

func (log AuditLog) validate() error {
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	return nil
}

// NopAuditor discards entries. Used where no database is wired.
type NopAuditor struct{}

// Record validates and drops the entry.
func (NopAuditor) Record(ctx context.Context, log AuditLog) error {
	return log.validate()
}
