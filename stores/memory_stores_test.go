package stores

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oarkflow/rebac"
)

func memTuple(tenant, subjectType, subjectID, relation, objectType, objectID string) *rebac.Tuple {
	return &rebac.Tuple{
		TenantID: tenant,
		Subject:  rebac.NewSubject(subjectType, subjectID),
		Relation: relation,
		Object:   rebac.NewObject(objectType, objectID),
	}
}

func TestMemoryTupleStoreInsertIdempotent(t *testing.T) {
	s := NewMemoryTupleStore()
	ctx := context.Background()
	tup := memTuple("acme", "user", "alice", "direct_viewer", "file", "/ws/a.txt")

	created, err := s.Insert(ctx, tup)
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}
	created, err = s.Insert(ctx, tup)
	if err != nil || created {
		t.Fatalf("second insert should be a no-op: created=%v err=%v", created, err)
	}
	if s.Len("acme") != 1 {
		t.Fatalf("expected one logical tuple, got %d", s.Len("acme"))
	}
}

func TestMemoryTupleStoreTenantScoping(t *testing.T) {
	s := NewMemoryTupleStore()
	ctx := context.Background()
	if _, err := s.Insert(ctx, memTuple("acme", "user", "alice", "direct_viewer", "file", "/ws/a.txt")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.Scan(ctx, "globex", rebac.TupleFilter{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no cross-tenant rows, got %d", len(got))
	}
	exists, err := s.Exists(ctx, memTuple("globex", "user", "alice", "direct_viewer", "file", "/ws/a.txt"))
	if err != nil || exists {
		t.Fatalf("expected no cross-tenant probe hit: exists=%v err=%v", exists, err)
	}
}

func TestMemoryTupleStoreExpiry(t *testing.T) {
	s := NewMemoryTupleStore()
	ctx := context.Background()

	expired := memTuple("acme", "user", "alice", "direct_viewer", "file", "/ws/a.txt")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	if _, err := s.Insert(ctx, expired); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if exists, _ := s.Exists(ctx, expired); exists {
		t.Fatalf("expected the expired tuple to be invisible")
	}
	got, _ := s.Scan(ctx, "acme", rebac.TupleFilter{})
	if len(got) != 0 {
		t.Fatalf("expected scans to skip expired tuples, got %d", len(got))
	}

	// Re-inserting over an expired row revives it.
	revived := *expired
	revived.ExpiresAt = time.Time{}
	created, err := s.Insert(ctx, &revived)
	if err != nil || !created {
		t.Fatalf("expected revival to count as creation: created=%v err=%v", created, err)
	}

	removed, err := s.DeleteExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("expected nothing left to sweep, got %d", len(removed))
	}
}

func TestMemoryTupleStoreDeleteExpiredReturnsRemoved(t *testing.T) {
	s := NewMemoryTupleStore()
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
		t.Fatalf("expected only bob's tuple swept, got %v", removed)
	}
	if s.Len("acme") != 1 {
		t.Fatalf("expected the live tuple to survive, got %d", s.Len("acme"))
	}
}

func TestMemoryCounterStoreMonotonic(t *testing.T) {
	s := NewMemoryCounterStore()
	ctx := context.Background()

	if v, _ := s.Current(ctx, "acme", "file:/ws"); v != 0 {
		t.Fatalf("expected a fresh counter at zero, got %d", v)
	}
	for want := uint64(1); want <= 3; want++ {
		v, err := s.Increment(ctx, "acme", "file:/ws")
		if err != nil || v != want {
			t.Fatalf("increment %d: got %d err=%v", want, v, err)
		}
	}
	// Counters are tenant-scoped.
	if v, _ := s.Current(ctx, "globex", "file:/ws"); v != 0 {
		t.Fatalf("expected the other tenant's counter untouched, got %d", v)
	}
}

func TestMemoryCounterStoreConcurrentIncrements(t *testing.T) {
	s := NewMemoryCounterStore()
	ctx := context.Background()

	const workers = 16
	const perWorker = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if _, err := s.Increment(ctx, "acme", "file:/ws"); err != nil {
					t.Errorf("increment: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	if v, _ := s.Current(ctx, "acme", "file:/ws"); v != workers*perWorker {
		t.Fatalf("expected %d after concurrent increments, got %d", workers*perWorker, v)
	}
}

func TestMemorySharedCacheDeleteByObject(t *testing.T) {
	c := NewMemorySharedCache()
	ctx := context.Background()

	keyA := rebac.DecisionKey{TenantID: "acme", SubjectKey: "user:alice", Relation: "viewer", ObjectKey: "file:/ws/a.txt", Token: 1}
	keyB := rebac.DecisionKey{TenantID: "acme", SubjectKey: "user:bob", Relation: "viewer", ObjectKey: "file:/ws/a.txt", Token: 1}
	keyC := rebac.DecisionKey{TenantID: "acme", SubjectKey: "user:alice", Relation: "viewer", ObjectKey: "file:/ws/c.txt", Token: 1}
	for _, k := range []rebac.DecisionKey{keyA, keyB, keyC} {
		if err := c.SetDecision(ctx, k, &rebac.DecisionCacheEntry{Allowed: true, Token: 1}, time.Minute); err != nil {
			t.Fatalf("set %v: %v", k, err)
		}
	}

	if err := c.DeleteDecisions(ctx, "acme", []string{"file:/ws/a.txt"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := c.GetDecision(ctx, keyA); ok {
		t.Fatalf("expected alice's entry on a.txt gone")
	}
	if _, ok, _ := c.GetDecision(ctx, keyB); ok {
		t.Fatalf("expected bob's entry on a.txt gone")
	}
	if _, ok, _ := c.GetDecision(ctx, keyC); !ok {
		t.Fatalf("expected the c.txt entry to survive")
	}
}

func TestMemorySharedCacheTTL(t *testing.T) {
	c := NewMemorySharedCache()
	ctx := context.Background()
	key := rebac.DecisionKey{TenantID: "acme", SubjectKey: "user:alice", Relation: "viewer", ObjectKey: "file:/ws/a.txt", Token: 1}

	if err := c.SetDecision(ctx, key, &rebac.DecisionCacheEntry{Allowed: true, Token: 1}, -time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, _ := c.GetDecision(ctx, key); ok {
		t.Fatalf("expected an already-expired entry to miss")
	}
}

func TestMemoryInvalidationBusFanOut(t *testing.T) {
	bus := NewMemoryInvalidationBus()
	ctx := context.Background()

	var mu sync.Mutex
	var got []rebac.InvalidationEvent
	stop1, err := bus.SubscribeInvalidations(ctx, func(ev rebac.InvalidationEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	stop2, err := bus.SubscribeInvalidations(ctx, func(ev rebac.InvalidationEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ev := rebac.InvalidationEvent{TenantID: "acme", Objects: []string{"file:/ws/a.txt"}, Token: 2}
	if err := bus.PublishInvalidation(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	mu.Lock()
	n := len(got)
	mu.Unlock()
	if n != 2 {
		t.Fatalf("expected both subscribers to receive the event, got %d", n)
	}

	stop1()
	if err := bus.PublishInvalidation(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	mu.Lock()
	n = len(got)
	mu.Unlock()
	if n != 3 {
		t.Fatalf("expected only the remaining subscriber to receive, got %d", n)
	}
	stop2()
}

func TestMemoryAuditStoreFilters(t *testing.T) {
	s := NewMemoryAuditStore()
	ctx := context.Background()

	entries := []*rebac.AuditEntry{
		{ID: "1", Timestamp: time.Now(), TenantID: "acme", Subject: rebac.NewSubject("user", "alice"), Relation: "viewer", Object: rebac.NewObject("file", "/ws/a.txt"), Allowed: true},
		{ID: "2", Timestamp: time.Now(), TenantID: "acme", Subject: rebac.NewSubject("user", "bob"), Relation: "viewer", Object: rebac.NewObject("file", "/ws/a.txt"), Allowed: false},
		{ID: "3", Timestamp: time.Now(), TenantID: "globex", Subject: rebac.NewSubject("user", "alice"), Relation: "viewer", Object: rebac.NewObject("file", "/ws/a.txt"), Allowed: true},
	}
	for _, e := range entries {
		if err := s.LogDecision(ctx, e); err != nil {
			t.Fatalf("log: %v", err)
		}
	}

	got, err := s.GetAccessLog(ctx, rebac.AuditFilter{TenantID: "acme"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 acme entries, got %d", len(got))
	}
	got, err = s.GetAccessLog(ctx, rebac.AuditFilter{TenantID: "acme", SubjectKey: "user:alice"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("expected only alice's acme entry, got %v", got)
	}
	got, err = s.GetAccessLog(ctx, rebac.AuditFilter{TenantID: "acme", Limit: 1})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected the limit to apply, got %d", len(got))
	}
}
