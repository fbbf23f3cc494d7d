package stores

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/oarkflow/rebac"
	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *squealx.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	db := squealx.NewDb(sqlDB, "sqlite", "testdb")
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestSQLTupleStoreInsertIdempotent(t *testing.T) {
	s := NewSQLTupleStore(newTestDB(t))
	ctx := context.Background()
	tup := memTuple("acme", "user", "alice", "direct_viewer", "file", "/ws/a.txt")

	created, err := s.Insert(ctx, tup)
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}
	created, err = s.Insert(ctx, tup)
	if err != nil || created {
		t.Fatalf("duplicate insert should touch nothing: created=%v err=%v", created, err)
	}
	exists, err := s.Exists(ctx, tup)
	if err != nil || !exists {
		t.Fatalf("exists: got %v err=%v", exists, err)
	}
}

func TestSQLTupleStoreRevivesExpiredRow(t *testing.T) {
	s := NewSQLTupleStore(newTestDB(t))
	ctx := context.Background()

	expired := memTuple("acme", "user", "alice", "direct_viewer", "file", "/ws/a.txt")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	if created, err := s.Insert(ctx, expired); err != nil || !created {
		t.Fatalf("insert expired: created=%v err=%v", created, err)
	}
	if exists, _ := s.Exists(ctx, expired); exists {
		t.Fatalf("expected the expired row to be invisible")
	}

	revived := *expired
	revived.ExpiresAt = time.Time{}
	created, err := s.Insert(ctx, &revived)
	if err != nil || !created {
		t.Fatalf("expected revival to count as creation: created=%v err=%v", created, err)
	}
	if exists, _ := s.Exists(ctx, &revived); !exists {
		t.Fatalf("expected the revived row to be live")
	}
}

func TestSQLTupleStoreScanFilters(t *testing.T) {
	s := NewSQLTupleStore(newTestDB(t))
	ctx := context.Background()
	seed := []*rebac.Tuple{
		memTuple("acme", "user", "alice", "direct_viewer", "file", "/ws/a.txt"),
		memTuple("acme", "user", "bob", "direct_viewer", "file", "/ws/b.txt"),
		memTuple("acme", "user", "alice", "direct_editor", "file", "/other/c.txt"),
		memTuple("globex", "user", "alice", "direct_viewer", "file", "/ws/a.txt"),
	}
	for _, tup := range seed {
		if _, err := s.Insert(ctx, tup); err != nil {
			t.Fatalf("insert %v: %v", tup, err)
		}
	}

	got, err := s.Scan(ctx, "acme", rebac.TupleFilter{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 acme tuples, got %d", len(got))
	}

	got, err = s.Scan(ctx, "acme", rebac.TupleFilter{Relation: "direct_viewer", SubjectID: "alice"})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 1 || got[0].Object.ID != "/ws/a.txt" {
		t.Fatalf("expected alice's viewer grant only, got %v", got)
	}

	// Pattern-valued object ids narrow in memory after the query.
	got, err = s.Scan(ctx, "acme", rebac.TupleFilter{ObjectID: "/ws/*"})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 tuples under /ws, got %d", len(got))
	}
}

func TestSQLTupleStoreDelete(t *testing.T) {
	s := NewSQLTupleStore(newTestDB(t))
	ctx := context.Background()
	tup := memTuple("acme", "user", "alice", "direct_viewer", "file", "/ws/a.txt")
	if _, err := s.Insert(ctx, tup); err != nil {
		t.Fatalf("insert: %v", err)
	}

	removed, err := s.Delete(ctx, tup)
	if err != nil || !removed {
		t.Fatalf("delete: removed=%v err=%v", removed, err)
	}
	removed, err = s.Delete(ctx, tup)
	if err != nil || removed {
		t.Fatalf("second delete should be a no-op: removed=%v err=%v", removed, err)
	}
	if exists, _ := s.Exists(ctx, tup); exists {
		t.Fatalf("expected the row gone")
	}
}

func TestSQLTupleStoreDeleteExpired(t *testing.T) {
	s := NewSQLTupleStore(newTestDB(t))
	ctx := context.Background()

	old := memTuple("acme", "user", "bob", "direct_viewer", "file", "/ws/b.txt")
	old.ExpiresAt = time.Now().Add(-time.Hour)
	if _, err := s.Insert(ctx, old); err != nil {
		t.Fatalf("insert: %v", err)
	}
	live := memTuple("acme", "user", "carol", "direct_viewer", "file", "/ws/c.txt")
	if _, err := s.Insert(ctx, live); err != nil {
		t.Fatalf("insert: %v", err)
	}

	removed, err := s.DeleteExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if len(removed) != 1 || removed[0].Subject.Object.ID != "bob" {
		t.Fatalf("expected only bob's grant swept, got %v", removed)
	}
	if exists, _ := s.Exists(ctx, live); !exists {
		t.Fatalf("expected the live grant untouched")
	}

	removed, err = s.DeleteExpired(ctx, time.Now())
	if err != nil || len(removed) != 0 {
		t.Fatalf("expected nothing left to sweep: got %v err=%v", removed, err)
	}
}

func TestSQLCounterStoreMonotonic(t *testing.T) {
	s := NewSQLCounterStore(newTestDB(t))
	ctx := context.Background()

	if v, err := s.Current(ctx, "acme", "file:/ws"); err != nil || v != 0 {
		t.Fatalf("fresh counter: got %d err=%v", v, err)
	}
	for want := uint64(1); want <= 5; want++ {
		v, err := s.Increment(ctx, "acme", "file:/ws")
		if err != nil || v != want {
			t.Fatalf("increment %d: got %d err=%v", want, v, err)
		}
	}
	if v, _ := s.Current(ctx, "acme", "file:/ws"); v != 5 {
		t.Fatalf("current after increments: got %d", v)
	}
	// Other objects and tenants carry their own counters.
	if v, _ := s.Increment(ctx, "acme", "file:/other"); v != 1 {
		t.Fatalf("expected a fresh counter for the other object, got %d", v)
	}
	if v, _ := s.Current(ctx, "globex", "file:/ws"); v != 0 {
		t.Fatalf("expected the other tenant's counter untouched, got %d", v)
	}
}

func TestSQLDecisionCacheRoundTrip(t *testing.T) {
	c := NewSQLDecisionCache(newTestDB(t))
	ctx := context.Background()
	key := rebac.DecisionKey{TenantID: "acme", SubjectKey: "user:alice", Relation: "viewer", ObjectKey: "file:/ws/a.txt", Token: 3}

	if _, ok, err := c.GetDecision(ctx, key); err != nil || ok {
		t.Fatalf("expected a miss on an empty cache: ok=%v err=%v", ok, err)
	}
	entry := &rebac.DecisionCacheEntry{Allowed: true, Token: 3, CachedAt: time.Now().UTC()}
	if err := c.SetDecision(ctx, key, entry, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := c.GetDecision(ctx, key)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if !got.Allowed || got.Token != 3 {
		t.Fatalf("entry mangled in transit: %+v", got)
	}

	// Overwrite flips the stored decision.
	if err := c.SetDecision(ctx, key, &rebac.DecisionCacheEntry{Allowed: false, Token: 3}, time.Minute); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, ok, _ = c.GetDecision(ctx, key)
	if !ok || got.Allowed {
		t.Fatalf("expected the overwritten entry, got ok=%v %+v", ok, got)
	}
}

func TestSQLDecisionCacheDeleteByObject(t *testing.T) {
	c := NewSQLDecisionCache(newTestDB(t))
	ctx := context.Background()
	keyA := rebac.DecisionKey{TenantID: "acme", SubjectKey: "user:alice", Relation: "viewer", ObjectKey: "file:/ws/a.txt", Token: 1}
	keyB := rebac.DecisionKey{TenantID: "acme", SubjectKey: "user:bob", Relation: "viewer", ObjectKey: "file:/ws/b.txt", Token: 1}
	for _, k := range []rebac.DecisionKey{keyA, keyB} {
		if err := c.SetDecision(ctx, k, &rebac.DecisionCacheEntry{Allowed: true, Token: 1}, time.Minute); err != nil {
			t.Fatalf("set %v: %v", k, err)
		}
	}

	if err := c.DeleteDecisions(ctx, "acme", []string{"file:/ws/a.txt"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := c.GetDecision(ctx, keyA); ok {
		t.Fatalf("expected the a.txt entry gone")
	}
	if _, ok, _ := c.GetDecision(ctx, keyB); !ok {
		t.Fatalf("expected the b.txt entry to survive")
	}
}

func TestSQLDecisionCachePruneExpired(t *testing.T) {
	c := NewSQLDecisionCache(newTestDB(t))
	ctx := context.Background()
	stale := rebac.DecisionKey{TenantID: "acme", SubjectKey: "user:alice", Relation: "viewer", ObjectKey: "file:/ws/a.txt", Token: 1}
	fresh := rebac.DecisionKey{TenantID: "acme", SubjectKey: "user:bob", Relation: "viewer", ObjectKey: "file:/ws/b.txt", Token: 1}
	if err := c.SetDecision(ctx, stale, &rebac.DecisionCacheEntry{Allowed: true, Token: 1}, -time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.SetDecision(ctx, fresh, &rebac.DecisionCacheEntry{Allowed: true, Token: 1}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	// Expired rows already read as misses before the prune runs.
	if _, ok, _ := c.GetDecision(ctx, stale); ok {
		t.Fatalf("expected the expired entry to miss")
	}
	n, err := c.PruneExpired(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one pruned row, got %d", n)
	}
	if _, ok, _ := c.GetDecision(ctx, fresh); !ok {
		t.Fatalf("expected the fresh entry to survive the prune")
	}
}

func TestSQLAuditStoreRoundTrip(t *testing.T) {
	s, err := NewSQLAuditStore(newTestDB(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	entries := []*rebac.AuditEntry{
		{ID: "1", Timestamp: base.Add(-2 * time.Minute), TenantID: "acme", Subject: rebac.NewSubject("user", "alice"), Relation: "viewer", Object: rebac.NewObject("file", "/ws/a.txt"), Allowed: true, Reason: "direct", EvalTime: 120 * time.Microsecond},
		{ID: "2", Timestamp: base.Add(-time.Minute), TenantID: "acme", Subject: rebac.NewSubject("user", "bob"), Relation: "editor", Object: rebac.NewObject("file", "/ws/a.txt"), Allowed: false, CacheHit: true},
		{ID: "3", Timestamp: base, TenantID: "globex", Subject: rebac.NewSubject("user", "alice"), Relation: "viewer", Object: rebac.NewObject("file", "/ws/a.txt"), Allowed: true},
	}
	for _, e := range entries {
		if err := s.LogDecision(ctx, e); err != nil {
			t.Fatalf("log %s: %v", e.ID, err)
		}
	}

	got, err := s.GetAccessLog(ctx, rebac.AuditFilter{TenantID: "acme"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 acme entries, got %d", len(got))
	}
	// Newest first.
	if got[0].ID != "2" || got[1].ID != "1" {
		t.Fatalf("expected newest-first ordering, got %s then %s", got[0].ID, got[1].ID)
	}
	first := got[1]
	if !first.Allowed || first.CacheHit || first.Reason != "direct" || first.EvalTime != 120*time.Microsecond {
		t.Fatalf("entry mangled in transit: %+v", first)
	}
	if first.Subject.Key() != "user:alice" || first.Object.Key() != "file:/ws/a.txt" {
		t.Fatalf("subject/object keys mangled: %s %s", first.Subject.Key(), first.Object.Key())
	}

	got, err = s.GetAccessLog(ctx, rebac.AuditFilter{TenantID: "acme", Relation: "editor"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 || got[0].ID != "2" {
		t.Fatalf("expected only the editor entry, got %v", got)
	}

	got, err = s.GetAccessLog(ctx, rebac.AuditFilter{StartTime: base.Add(-90 * time.Second)})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries after the start cutoff, got %d", len(got))
	}

	got, err = s.GetAccessLog(ctx, rebac.AuditFilter{Limit: 1})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 || got[0].ID != "3" {
		t.Fatalf("expected the newest entry under the limit, got %v", got)
	}
}
