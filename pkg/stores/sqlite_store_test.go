package stores

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
)

// setupTestStore creates a migrated SQLite store in a temporary directory.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "teamcloud.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

func newInstance(id, parent string) *engine.Instance {
	now := time.Now().UTC()
	root := id
	if parent != "" {
		root = parent
	}
	return &engine.Instance{
		ID:        id,
		Name:      "test-workflow",
		Input:     json.RawMessage(`{"n":1}`),
		Status:    engine.RuntimeStatusPending,
		ParentID:  parent,
		RootID:    root,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate in-memory store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"instances", "history", "inbox", "locks", "command_results", "entities", "audit"}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

func TestInstanceCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	inst := newInstance("inst-1", "")
	if err := store.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("failed to create instance: %v", err)
	}

	err := store.CreateInstance(ctx, newInstance("inst-1", ""))
	if engine.CodeOf(err) != engine.ErrCodeAlreadyExists {
		t.Fatalf("expected ALREADY_EXISTS, got %v", err)
	}

	got, err := store.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("failed to get instance: %v", err)
	}
	if got.Name != "test-workflow" || got.RootID != "inst-1" || string(got.Input) != `{"n":1}` {
		t.Errorf("unexpected instance: %+v", got)
	}
	if got.ResumeAt != nil {
		t.Errorf("expected no resume time, got %v", got.ResumeAt)
	}

	got.Status = engine.RuntimeStatusFailed
	got.CustomStatus = "finalizing"
	got.Error = engine.Describe(engine.NewPermanentError("boom", nil).WithCode(engine.ErrCodeProviderFailed))
	if err := store.UpdateInstance(ctx, got); err != nil {
		t.Fatalf("failed to update instance: %v", err)
	}

	final, err := store.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("failed to get instance: %v", err)
	}
	if final.Error == nil || final.Error.Code != engine.ErrCodeProviderFailed {
		t.Errorf("expected error descriptor to round trip, got %+v", final.Error)
	}
	if final.CustomStatus != "finalizing" {
		t.Errorf("expected custom status finalizing, got %q", final.CustomStatus)
	}

	final.Status = engine.RuntimeStatusRunning
	if err := store.UpdateInstance(ctx, final); engine.CodeOf(err) != engine.ErrCodeResultFinal {
		t.Errorf("expected RESULT_FINAL updating a terminal instance, got %v", err)
	}

	if _, err := store.GetInstance(ctx, "missing"); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestListActiveInstances(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, inst := range []*engine.Instance{
		newInstance("top-pending", ""),
		newInstance("top-running", ""),
		newInstance("top-done", ""),
		newInstance("child", "top-running"),
	} {
		if err := store.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("failed to create %s: %v", inst.ID, err)
		}
	}

	running, _ := store.GetInstance(ctx, "top-running")
	running.Status = engine.RuntimeStatusRunning
	if err := store.UpdateInstance(ctx, running); err != nil {
		t.Fatal(err)
	}
	done, _ := store.GetInstance(ctx, "top-done")
	done.Status = engine.RuntimeStatusCompleted
	if err := store.UpdateInstance(ctx, done); err != nil {
		t.Fatal(err)
	}

	active, err := store.ListActiveInstances(ctx)
	if err != nil {
		t.Fatalf("failed to list active instances: %v", err)
	}
	ids := map[string]bool{}
	for _, inst := range active {
		ids[inst.ID] = true
	}
	if len(ids) != 2 || !ids["top-pending"] || !ids["top-running"] {
		t.Errorf("unexpected active instances: %v", ids)
	}

	children, err := store.ListChildInstances(ctx, "top-running")
	if err != nil {
		t.Fatalf("failed to list children: %v", err)
	}
	if len(children) != 1 || children[0].ID != "child" {
		t.Errorf("unexpected children: %v", children)
	}
}

func TestHistoryAndContinueAsNew(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateInstance(ctx, newInstance("loop", "")); err != nil {
		t.Fatal(err)
	}

	events := []engine.HistoryEvent{
		{InstanceID: "loop", Seq: 0, Type: engine.EventActivityCompleted, Name: "a", Payload: json.RawMessage(`"x"`), Timestamp: time.Now()},
		{InstanceID: "loop", Seq: 1, Type: engine.EventActivityFailed, Name: "b",
			Error: engine.Describe(engine.NewValidationError("bad", nil)), Timestamp: time.Now()},
	}
	for i := range events {
		if err := store.AppendHistory(ctx, &events[i]); err != nil {
			t.Fatalf("failed to append history: %v", err)
		}
	}

	dup := events[0]
	if err := store.AppendHistory(ctx, &dup); !engine.IsConflict(err) {
		t.Errorf("expected conflict for duplicate seq, got %v", err)
	}

	history, err := store.LoadHistory(ctx, "loop")
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 events, got %d", len(history))
	}
	if history[0].Name != "a" || string(history[0].Payload) != `"x"` {
		t.Errorf("unexpected first event: %+v", history[0])
	}
	if history[1].Error == nil || history[1].Error.Class != engine.ErrorClassValidation {
		t.Errorf("expected validation error on second event, got %+v", history[1].Error)
	}

	resumeAt := time.Now().Add(time.Minute).UTC()
	if err := store.ContinueAsNew(ctx, "loop", json.RawMessage(`{"n":2}`), resumeAt); err != nil {
		t.Fatalf("failed to continue as new: %v", err)
	}

	history, err = store.LoadHistory(ctx, "loop")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Errorf("expected history to be truncated, got %d events", len(history))
	}

	inst, err := store.GetInstance(ctx, "loop")
	if err != nil {
		t.Fatal(err)
	}
	if inst.Generation != 1 || string(inst.Input) != `{"n":2}` {
		t.Errorf("unexpected instance after continue-as-new: generation=%d input=%s", inst.Generation, inst.Input)
	}
	if inst.ResumeAt == nil || inst.ResumeAt.Sub(resumeAt).Abs() > time.Millisecond {
		t.Errorf("expected resume time %v, got %v", resumeAt, inst.ResumeAt)
	}
}

func TestInboxConsume(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateInstance(ctx, newInstance("waiter", "")); err != nil {
		t.Fatal(err)
	}

	ev := engine.HistoryEvent{InstanceID: "waiter", Seq: 0, Type: engine.EventExternalEventReceived, Name: "approval", Timestamp: time.Now()}
	found, err := store.ConsumeEvent(ctx, "waiter", "approval", &ev)
	if err != nil || found {
		t.Fatalf("expected empty inbox, got found=%v err=%v", found, err)
	}

	_ = store.EnqueueEvent(ctx, "waiter", "approval", json.RawMessage(`1`))
	_ = store.EnqueueEvent(ctx, "waiter", "other", json.RawMessage(`9`))
	_ = store.EnqueueEvent(ctx, "waiter", "approval", json.RawMessage(`2`))

	for seq, want := range []string{"1", "2"} {
		ev := engine.HistoryEvent{InstanceID: "waiter", Seq: seq, Type: engine.EventExternalEventReceived, Name: "approval", Timestamp: time.Now()}
		found, err := store.ConsumeEvent(ctx, "waiter", "approval", &ev)
		if err != nil || !found {
			t.Fatalf("expected event, got found=%v err=%v", found, err)
		}
		if string(ev.Payload) != want {
			t.Errorf("expected payload %s, got %s", want, ev.Payload)
		}
	}

	history, err := store.LoadHistory(ctx, "waiter")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || string(history[1].Payload) != "2" {
		t.Errorf("expected consumed events in history, got %+v", history)
	}
}

func TestPurgeInstanceTree(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, inst := range []*engine.Instance{
		newInstance("root", ""),
		newInstance("root:0:1", "root"),
		newInstance("root:0:1:0:3", "root:0:1"),
	} {
		if err := store.CreateInstance(ctx, inst); err != nil {
			t.Fatal(err)
		}
	}
	_ = store.AppendHistory(ctx, &engine.HistoryEvent{InstanceID: "root:0:1", Seq: 0, Type: engine.EventTimerFired, Name: "timer", Timestamp: time.Now()})
	_ = store.EnqueueEvent(ctx, "root", "late", nil)

	if err := store.PurgeInstance(ctx, "root"); !engine.IsConflict(err) {
		t.Fatalf("expected conflict purging a pending instance, got %v", err)
	}
	if _, err := store.GetInstance(ctx, "root:0:1"); err != nil {
		t.Fatalf("expected active tree to be kept, got %v", err)
	}

	root, err := store.GetInstance(ctx, "root")
	if err != nil {
		t.Fatal(err)
	}
	root.Status = engine.RuntimeStatusCompleted
	if err := store.UpdateInstance(ctx, root); err != nil {
		t.Fatal(err)
	}

	if err := store.PurgeInstance(ctx, "root"); err != nil {
		t.Fatalf("failed to purge: %v", err)
	}

	for _, id := range []string{"root", "root:0:1", "root:0:1:0:3"} {
		if _, err := store.GetInstance(ctx, id); !engine.IsNotFound(err) {
			t.Errorf("expected %s to be purged, got %v", id, err)
		}
	}

	var count int
	_ = store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM history").Scan(&count)
	if count != 0 {
		t.Errorf("expected history rows to cascade, %d left", count)
	}
	_ = store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM inbox").Scan(&count)
	if count != 0 {
		t.Errorf("expected inbox rows to cascade, %d left", count)
	}

	if err := store.PurgeInstance(ctx, "root"); !engine.IsNotFound(err) {
		t.Errorf("expected not found purging twice, got %v", err)
	}
}

func TestLocks(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	key := "component|c1|"

	ok, err := store.TryAcquireLock(ctx, key, "a")
	if err != nil || !ok {
		t.Fatalf("expected a to acquire, got ok=%v err=%v", ok, err)
	}

	ok, err = store.TryAcquireLock(ctx, key, "a")
	if err != nil || !ok {
		t.Fatalf("expected reentrant acquire, got ok=%v err=%v", ok, err)
	}

	ok, err = store.TryAcquireLock(ctx, key, "b")
	if err != nil || ok {
		t.Fatalf("expected b to be refused, got ok=%v err=%v", ok, err)
	}

	if err := store.ReleaseLock(ctx, key, "b"); err != nil {
		t.Fatal(err)
	}
	if holder, _ := store.LockHolder(ctx, key); holder != "a" {
		t.Errorf("release by non-owner must not free the lock, holder=%q", holder)
	}

	if err := store.ReleaseLock(ctx, key, "a"); err != nil {
		t.Fatal(err)
	}
	if holder, _ := store.LockHolder(ctx, key); holder != "" {
		t.Errorf("expected free lock, holder=%q", holder)
	}

	ok, _ = store.TryAcquireLock(ctx, key, "b")
	if !ok {
		t.Error("expected b to acquire the freed lock")
	}
	_, _ = store.TryAcquireLock(ctx, "project|p1|", "b")

	n, err := store.ReleaseOwnerLocks(ctx, "b")
	if err != nil || n != 2 {
		t.Errorf("expected 2 released locks, got n=%d err=%v", n, err)
	}
}

func TestSweepOrphanedLocks(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	live := newInstance("live", "")
	if err := store.CreateInstance(ctx, live); err != nil {
		t.Fatal(err)
	}
	done := newInstance("done", "")
	if err := store.CreateInstance(ctx, done); err != nil {
		t.Fatal(err)
	}
	done.Status = engine.RuntimeStatusCompleted
	if err := store.UpdateInstance(ctx, done); err != nil {
		t.Fatal(err)
	}

	_, _ = store.TryAcquireLock(ctx, "organization|o1|", "live")
	_, _ = store.TryAcquireLock(ctx, "organization|o2|", "done")
	_, _ = store.TryAcquireLock(ctx, "organization|o3|", "ghost")

	n, err := store.SweepOrphanedLocks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 orphaned locks, got %d", n)
	}
	if holder, _ := store.LockHolder(ctx, "organization|o1|"); holder != "live" {
		t.Errorf("expected live lock to survive, holder=%q", holder)
	}
}

func TestCommandResults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	cmd := &engine.Command{
		ID:        uuid.New(),
		Action:    engine.ActionCreate,
		Kind:      engine.KindProject,
		ProjectID: "p1",
	}
	result := engine.NewCommandResult(cmd)
	if err := store.CreateResult(ctx, result); err != nil {
		t.Fatalf("failed to create result: %v", err)
	}
	if err := store.CreateResult(ctx, result); engine.CodeOf(err) != engine.ErrCodeAlreadyExists {
		t.Errorf("expected ALREADY_EXISTS, got %v", err)
	}

	result.RuntimeStatus = engine.RuntimeStatusRunning
	result.CustomStatus = "processing"
	if err := store.UpdateResult(ctx, result); err != nil {
		t.Fatalf("failed to update result: %v", err)
	}

	result.RuntimeStatus = engine.RuntimeStatusPending
	if err := store.UpdateResult(ctx, result); engine.CodeOf(err) != engine.ErrCodeResultFinal {
		t.Errorf("expected regression to be refused, got %v", err)
	}

	result.AddError(engine.NewPermanentError("deployment failed", nil))
	result.Finalize()
	if err := store.UpdateResult(ctx, result); err != nil {
		t.Fatalf("failed to finalize result: %v", err)
	}

	result.Errors = nil
	result.RuntimeStatus = engine.RuntimeStatusCompleted
	if err := store.UpdateResult(ctx, result); engine.CodeOf(err) != engine.ErrCodeResultFinal {
		t.Errorf("expected terminal result to be immutable, got %v", err)
	}

	got, err := store.GetResult(ctx, cmd.InstanceID())
	if err != nil {
		t.Fatal(err)
	}
	if got.RuntimeStatus != engine.RuntimeStatusFailed || len(got.Errors) != 1 || got.CustomStatus != "processing" {
		t.Errorf("unexpected stored result: %+v", got)
	}

	if _, err := store.GetResult(ctx, uuid.NewString()); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}

	listed, err := store.ListResults(ctx, "p1", 10, 0)
	if err != nil || len(listed) != 1 {
		t.Errorf("expected one result for p1, got %d err=%v", len(listed), err)
	}
	listed, _ = store.ListResults(ctx, "p2", 10, 0)
	if len(listed) != 0 {
		t.Errorf("expected no result for p2, got %d", len(listed))
	}
}

func TestEntityOptimisticConcurrency(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	org := &engine.Entity{ID: "o1", Kind: engine.KindOrganization, Name: "contoso"}
	saved, err := store.SetEntity(ctx, org)
	if err != nil {
		t.Fatalf("failed to insert entity: %v", err)
	}
	if saved.Version != 1 || org.Version != 0 {
		t.Fatalf("expected saved version 1 and input untouched, got %d/%d", saved.Version, org.Version)
	}

	if _, err := store.SetEntity(ctx, org); engine.CodeOf(err) != engine.ErrCodeAlreadyExists {
		t.Errorf("expected ALREADY_EXISTS inserting twice, got %v", err)
	}

	saved.ResourceState = engine.ResourceStateSucceeded
	updated, err := store.SetEntity(ctx, saved)
	if err != nil {
		t.Fatalf("failed to update entity: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("expected version 2, got %d", updated.Version)
	}

	stale := saved.Clone()
	stale.Name = "stale"
	if _, err := store.SetEntity(ctx, stale); !engine.IsConflict(err) {
		t.Errorf("expected conflict writing a stale version, got %v", err)
	}

	got, err := store.GetEntity(ctx, engine.KindOrganization, "o1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "contoso" || got.ResourceState != engine.ResourceStateSucceeded || got.Version != 2 {
		t.Errorf("unexpected entity: %+v", got)
	}

	list, err := store.ListEntities(ctx, engine.KindOrganization)
	if err != nil || len(list) != 1 {
		t.Errorf("expected one organization, got %d err=%v", len(list), err)
	}

	if err := store.RemoveEntity(ctx, engine.KindOrganization, "o1"); err != nil {
		t.Fatal(err)
	}
	if err := store.RemoveEntity(ctx, engine.KindOrganization, "o1"); err != nil {
		t.Errorf("removing a missing entity must succeed, got %v", err)
	}
	if _, err := store.GetEntity(ctx, engine.KindOrganization, "o1"); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestAuditOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	cmd := &engine.Command{
		ID:       uuid.New(),
		Action:   engine.ActionDelete,
		Kind:     engine.KindComponent,
		Payload:  engine.Entity{ID: "c1", Kind: engine.KindComponent},
		IssuedBy: engine.Principal{ID: "alice"},
	}
	if err := store.RecordAudit(ctx, cmd, nil); err != nil {
		t.Fatalf("failed to record audit: %v", err)
	}

	result := engine.NewCommandResult(cmd)
	result.AddError(engine.NewPermanentError("denied", nil))
	result.Finalize()
	if err := store.RecordAudit(ctx, cmd, result); err != nil {
		t.Fatalf("failed to record audit: %v", err)
	}
	if err := store.RecordAudit(ctx, &engine.Command{ID: uuid.New(), Kind: engine.KindOrganization, Action: engine.ActionCreate}, nil); err != nil {
		t.Fatal(err)
	}

	id := cmd.InstanceID()
	entries, err := store.ListAuditEntries(ctx, &id, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].RuntimeStatus != engine.RuntimeStatusPending || entries[0].Details != nil {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].RuntimeStatus != engine.RuntimeStatusFailed || entries[1].Details == nil {
		t.Errorf("unexpected second entry: %+v", entries[1])
	}
	if entries[1].Principal != "alice" || entries[1].EntityID != "c1" {
		t.Errorf("unexpected audit identity: %+v", entries[1])
	}

	all, err := store.ListAuditEntries(ctx, nil, 10, 0)
	if err != nil || len(all) != 3 {
		t.Errorf("expected 3 entries, got %d err=%v", len(all), err)
	}
}

func TestTransactions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tx, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO locks (key, owner, acquired_at) VALUES (?, ?, ?)`, "custom|x|", "tx", time.Now())
	if err != nil {
		_ = tx.Rollback()
		t.Fatalf("failed to insert in transaction: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("failed to rollback: %v", err)
	}

	if holder, _ := store.LockHolder(ctx, "custom|x|"); holder != "" {
		t.Errorf("expected rolled back lock to be absent, holder=%q", holder)
	}
}
