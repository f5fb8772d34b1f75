package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/staykit/staykit/internal/backup"
	"github.com/staykit/staykit/internal/shared"
)

// NewBackupEngine wires the backup engine to Postgres, the Redis lock and the
// audit log. Extra options, such as an observer, are applied last.
func NewBackupEngine(cfg *Config, pool *pgxpool.Pool, client redis.UniversalClient, logger *slog.Logger, extra ...backup.Option) *backup.Engine {
	opts := []backup.Option{
		backup.WithLocker(backup.NewRedisLocker(client)),
		backup.WithAuditor(shared.NewAuditLogger(pool)),
		backup.WithLogger(logger),
	}
	opts = append(opts, extra...)
	return backup.NewEngine(backup.DefaultRegistry(), backup.NewPGStore(pool), BackupConfig(cfg), opts...)
}

// BackupConfig maps configuration onto engine limits.
func BackupConfig(cfg *Config) backup.Config {
	if cfg == nil {
		return backup.Config{}
	}
	return backup.Config{
		MaxRows:   cfg.BackupMaxRows,
		BatchSize: cfg.BackupBatchSize,
		LockTTL:   cfg.BackupLockTTL,
	}
}
