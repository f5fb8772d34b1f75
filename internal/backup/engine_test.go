package backup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/staykit/staykit/internal/authz"
	"github.com/staykit/staykit/internal/shared"
)

var (
	admin    = Caller{UserID: 1, Email: "admin@example.com", Administrator: true}
	deskUser = Caller{UserID: 7, Email: "desk@example.com"}
	testNow  = time.Date(2025, 3, 1, 22, 30, 0, 0, time.UTC)
)

type recordingObserver struct{ calls []string }

func (r *recordingObserver) ObserveBackup(operation, outcome string, rows int) {
	r.calls = append(r.calls, operation+":"+outcome)
}

type recordingAuditor struct{ logs []shared.AuditLog }

func (r *recordingAuditor) Record(ctx context.Context, log shared.AuditLog) error {
	r.logs = append(r.logs, log)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(store Store, cfg Config, opts ...Option) *Engine {
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	e := NewEngine(DefaultRegistry(), store, cfg, opts...)
	e.now = func() time.Time { return testNow }
	return e
}

func seedAll(store *memoryStore) {
	for i, table := range store.registry.InsertionOrder() {
		store.seed(table, i%4+1)
	}
}

func opsWithPrefix(ops []string, prefix string) []string {
	var out []string
	for _, op := range ops {
		if strings.HasPrefix(op, prefix) {
			out = append(out, strings.TrimPrefix(op, prefix))
		}
	}
	return out
}

func TestCallerFromSnapshot(t *testing.T) {
	ac := authz.NewContext()
	ac.Commit(ac.Init(authz.Identity{UserID: 9, Email: "gm@example.com"}), authz.Resolution{
		UserID:      9,
		Permissions: authz.NewSet(authz.PermSettingsManage),
	})

	c := CallerFrom(ac.Snapshot())
	assert.Equal(t, Caller{UserID: 9, Email: "gm@example.com", Administrator: true}, c)
	assert.False(t, CallerFrom(authz.Snapshot{}).Administrator)
	assert.True(t, SystemCaller("scheduler").Administrator)
}

func TestExportRequiresAdministrator(t *testing.T) {
	store := newMemoryStore(DefaultRegistry())
	_, err := newTestEngine(store, Config{}).Export(context.Background(), deskUser)

	assert.ErrorIs(t, err, ErrForbidden)
	assert.Empty(t, store.ops)
}

func TestExportContainsEveryTable(t *testing.T) {
	reg := DefaultRegistry()
	store := newMemoryStore(reg)
	seedAll(store)
	store.readErr["payments"] = errors.New("permission denied for table payments")
	obs := &recordingObserver{}
	audit := &recordingAuditor{}

	snap, err := newTestEngine(store, Config{}, WithObserver(obs), WithAuditor(audit)).Export(context.Background(), admin)
	require.NoError(t, err)

	assert.Len(t, snap.Data, reg.Len())
	for _, table := range reg.InsertionOrder() {
		rows, ok := snap.Data[table]
		assert.True(t, ok, table)
		assert.NotNil(t, rows, table)
	}
	assert.Empty(t, snap.Data["payments"])
	assert.Equal(t, []TableError{{Table: "payments", Error: "permission denied for table payments"}}, snap.Metadata.Errors)
	assert.Equal(t, reg.InsertionOrder(), opsWithPrefix(store.ops, "read:"))

	assert.Equal(t, FormatVersion, snap.Metadata.Version)
	assert.Equal(t, testNow, snap.Metadata.CreatedAt)
	assert.Equal(t, Creator{UserID: 1, Email: "admin@example.com"}, snap.Metadata.CreatedBy)
	assert.Equal(t, reg.Len(), snap.Metadata.TableCount)
	assert.NotEmpty(t, snap.Metadata.ID)

	assert.Equal(t, []string{"export:partial"}, obs.calls)
	require.Len(t, audit.logs, 1)
	assert.Equal(t, shared.AuditBackupExport, audit.logs[0].Action)
}

func TestExportRowCeiling(t *testing.T) {
	store := newMemoryStore(DefaultRegistry())
	store.seed("rooms", 5)

	snap, err := newTestEngine(store, Config{MaxRows: 3}).Export(context.Background(), admin)
	require.NoError(t, err)

	assert.Len(t, snap.Data["rooms"], 3)
	assert.Equal(t, []string{"rooms"}, snap.Metadata.Truncated)
	assert.Equal(t, 3, snap.Metadata.RowCount)
}

func TestExportAtCeilingIsNotTruncated(t *testing.T) {
	store := newMemoryStore(DefaultRegistry())
	store.seed("rooms", 3)

	snap, err := newTestEngine(store, Config{MaxRows: 3}).Export(context.Background(), admin)
	require.NoError(t, err)

	assert.Len(t, snap.Data["rooms"], 3)
	assert.Empty(t, snap.Metadata.Truncated)
	assert.Equal(t, 3, snap.Metadata.RowCount)
}

// storeAuditor appends audit entries to the audit table of a memoryStore, the
// way the database-backed logger does.
type storeAuditor struct {
	store *memoryStore
	calls int
}

func (a *storeAuditor) Record(ctx context.Context, log shared.AuditLog) error {
	a.calls++
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	a.store.tables[shared.AuditTable] = append(a.store.tables[shared.AuditTable], Row{"action": log.Action})
	return nil
}

func TestRestoreLeavesAuditTableAtSnapshotCount(t *testing.T) {
	source := newMemoryStore(DefaultRegistry())
	source.seed("users", 2)
	source.seed(shared.AuditTable, 3)
	snap, err := newTestEngine(source, Config{}).Export(context.Background(), admin)
	require.NoError(t, err)

	target := newMemoryStore(DefaultRegistry())
	audit := &storeAuditor{store: target}
	report, err := newTestEngine(target, Config{}, WithAuditor(audit)).Restore(context.Background(), admin, RestoreRequest{Data: snap.Data})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Restored[shared.AuditTable])
	for table, n := range snap.Counts() {
		assert.Equal(t, n, target.count(table), table)
	}
	assert.Zero(t, audit.calls)
}

func TestRestoreAuditsWhenAuditTableUntouched(t *testing.T) {
	target := newMemoryStore(DefaultRegistry())
	audit := &storeAuditor{store: target}

	_, err := newTestEngine(target, Config{}, WithAuditor(audit)).Restore(context.Background(), admin, RestoreRequest{
		Data:   map[string][]Row{"guests": {{"id": 1}}},
		Tables: []string{"guests"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, audit.calls)
	assert.Equal(t, 1, target.count(shared.AuditTable))
}

func TestRestoreRoundTrip(t *testing.T) {
	source := newMemoryStore(DefaultRegistry())
	seedAll(source)
	snap, err := newTestEngine(source, Config{}).Export(context.Background(), admin)
	require.NoError(t, err)

	target := newMemoryStore(DefaultRegistry())
	report, err := newTestEngine(target, Config{BatchSize: 2}).Restore(context.Background(), admin, RestoreRequest{Data: snap.Data})
	require.NoError(t, err)

	assert.Equal(t, snap.Counts(), report.Restored)
	for table, n := range snap.Counts() {
		assert.Equal(t, n, target.count(table), table)
	}
}

func TestRestoreDeletesBeforeInserting(t *testing.T) {
	reg := DefaultRegistry()
	source := newMemoryStore(reg)
	seedAll(source)
	snap, err := newTestEngine(source, Config{}).Export(context.Background(), admin)
	require.NoError(t, err)

	target := newMemoryStore(reg)
	seedAll(target)
	_, err = newTestEngine(target, Config{}).Restore(context.Background(), admin, RestoreRequest{Data: snap.Data})
	require.NoError(t, err)

	assert.Equal(t, reg.DeletionOrder(), opsWithPrefix(target.ops, "delete:"))
	assert.Equal(t, reg.InsertionOrder(), opsWithPrefix(target.ops, "insert:"))
	lastDelete, firstInsert := -1, len(target.ops)
	for i, op := range target.ops {
		if strings.HasPrefix(op, "delete:") {
			lastDelete = i
		}
		if strings.HasPrefix(op, "insert:") && i < firstInsert {
			firstInsert = i
		}
	}
	assert.Less(t, lastDelete, firstInsert)
}

func TestRestoreBatches(t *testing.T) {
	store := newMemoryStore(DefaultRegistry())
	data := map[string][]Row{"guests": make([]Row, 5)}
	for i := range data["guests"] {
		data["guests"][i] = Row{"id": i + 1}
	}

	report, err := newTestEngine(store, Config{BatchSize: 2}).Restore(context.Background(), admin, RestoreRequest{Data: data})
	require.NoError(t, err)

	assert.Equal(t, 3, store.inserts["guests"])
	assert.Equal(t, 5, report.Restored["guests"])
	assert.Len(t, report.Restored, DefaultRegistry().Len())
	assert.Zero(t, report.Restored["rooms"])
}

func TestRestoreAbortsOnFailedBatch(t *testing.T) {
	source := newMemoryStore(DefaultRegistry())
	seedAll(source)
	source.seed("rooms", 5)
	snap, err := newTestEngine(source, Config{}).Export(context.Background(), admin)
	require.NoError(t, err)

	target := newMemoryStore(DefaultRegistry())
	target.failOn["rooms"] = 2
	obs := &recordingObserver{}
	report, err := newTestEngine(target, Config{BatchSize: 2}, WithObserver(obs)).Restore(context.Background(), admin, RestoreRequest{Data: snap.Data})

	var rerr *RestoreError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "rooms", rerr.Table)
	assert.Equal(t, 2, rerr.Batch)
	assert.Equal(t, PhaseInsert, rerr.Phase)
	assert.Contains(t, err.Error(), "insert rooms batch 2")

	assert.Equal(t, 2, report.Restored["rooms"])
	assert.Equal(t, snap.Counts()["room_types"], target.count("room_types"))
	assert.Equal(t, "insert:rooms", target.ops[len(target.ops)-1])
	assert.Zero(t, target.count("guests"))
	assert.Equal(t, []string{"restore:failure"}, obs.calls)
}

func TestRestoreStopsOnDeleteFailure(t *testing.T) {
	store := newMemoryStore(DefaultRegistry())
	store.deleteFn = func(table string) error {
		if table == "bookings" {
			return errors.New("statement timeout")
		}
		return nil
	}

	_, err := newTestEngine(store, Config{}).Restore(context.Background(), admin, RestoreRequest{Data: map[string][]Row{}})

	var rerr *RestoreError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, PhaseDelete, rerr.Phase)
	assert.Equal(t, "bookings", rerr.Table)
	assert.Empty(t, opsWithPrefix(store.ops, "insert:"))
}

func TestRestoreSubsetWithoutTruncate(t *testing.T) {
	store := newMemoryStore(DefaultRegistry())
	store.seed("guests", 1)
	store.seed("rooms", 4)
	keep := false

	report, err := newTestEngine(store, Config{}).Restore(context.Background(), admin, RestoreRequest{
		Data: map[string][]Row{
			"guests": {{"id": 2}, {"id": 3}},
			"rooms":  {{"id": 9}},
		},
		Tables:   []string{"guests"},
		Truncate: &keep,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, store.count("guests"))
	assert.Equal(t, 4, store.count("rooms"))
	assert.Equal(t, 2, report.Restored["guests"])
	assert.Zero(t, report.Restored["rooms"])
	assert.Empty(t, opsWithPrefix(store.ops, "delete:"))
}

func TestRestoreRejectsBeforeTouchingStorage(t *testing.T) {
	store := newMemoryStore(DefaultRegistry())

	_, err := newTestEngine(store, Config{}).Restore(context.Background(), deskUser, RestoreRequest{})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = newTestEngine(store, Config{}).Restore(context.Background(), admin, RestoreRequest{Tables: []string{"pg_shadow"}})
	assert.ErrorIs(t, err, ErrUnknownTable)

	assert.Empty(t, store.ops)
}

type resettingStore struct {
	*memoryStore
	reset []string
}

func (r *resettingStore) ResetSequence(ctx context.Context, table string) error {
	r.reset = append(r.reset, table)
	return nil
}

func TestRestoreResetsSequencesForInsertedTables(t *testing.T) {
	store := &resettingStore{memoryStore: newMemoryStore(DefaultRegistry())}

	_, err := newTestEngine(store, Config{}).Restore(context.Background(), admin, RestoreRequest{
		Data: map[string][]Row{"guests": {{"id": 4}}, "pos_categories": {}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"guests"}, store.reset)
}

func TestEngineLockExcludesConcurrentRuns(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locker := NewRedisLocker(client)
	engine := newTestEngine(newMemoryStore(DefaultRegistry()), Config{}, WithLocker(locker))

	release, err := locker.Acquire(context.Background(), LockKey, time.Minute)
	require.NoError(t, err)

	_, err = engine.Export(context.Background(), admin)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = engine.Restore(context.Background(), admin, RestoreRequest{})
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, release(context.Background()))
	_, err = engine.Export(context.Background(), admin)
	require.NoError(t, err)
	assert.False(t, mr.Exists(LockKey), "export must release the lock")
}

func TestLockReleaseKeepsForeignToken(t *testing.T) {
	mr := miniredis.RunT(t)
	locker := NewRedisLocker(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	release, err := locker.Acquire(context.Background(), LockKey, time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set(LockKey, "someone-else"))

	require.NoError(t, release(context.Background()))
	got, err := mr.Get(LockKey)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}
