package rebac_test

import (
	"context"
	"testing"

	"github.com/oarkflow/rebac"
	"github.com/oarkflow/rebac/logger"
	"github.com/oarkflow/rebac/stores"
)

func newTestGroupIndex(t *testing.T) (*rebac.GroupIndex, *stores.MemoryTupleStore) {
	t.Helper()
	set, err := rebac.NewNamespaceSet(rebac.DefaultFilesystemNamespaces()...)
	if err != nil {
		t.Fatalf("namespace set: %v", err)
	}
	store := stores.NewMemoryTupleStore()
	idx := rebac.NewGroupIndex(store, set, logger.NewNullLogger())
	t.Cleanup(idx.Close)
	return idx, store
}

func insertMembership(t *testing.T, store *stores.MemoryTupleStore, tenant, subject, group string) {
	t.Helper()
	sub, err := rebac.ParseSubjectRef(subject)
	if err != nil {
		t.Fatalf("parse subject %q: %v", subject, err)
	}
	obj, err := rebac.ParseObjectRef(group)
	if err != nil {
		t.Fatalf("parse object %q: %v", group, err)
	}
	tup := &rebac.Tuple{TenantID: tenant, Subject: sub, Relation: "member", Object: obj}
	if _, err := store.Insert(context.Background(), tup); err != nil {
		t.Fatalf("insert %s: %v", tup, err)
	}
}

func TestGroupIndexUnprimedAnswersUnknown(t *testing.T) {
	idx, _ := newTestGroupIndex(t)

	if _, ok := idx.IsMember("acme", "group:eng", "user:bob"); ok {
		t.Fatalf("expected unprimed tenant to answer unknown")
	}
	if idx.Primed("acme") {
		t.Fatalf("expected tenant to be unprimed before a rebuild")
	}
}

func TestGroupIndexRebuildMaterializesClosure(t *testing.T) {
	idx, store := newTestGroupIndex(t)
	insertMembership(t, store, "acme", "user:bob", "group:eng")
	insertMembership(t, store, "acme", "group:eng#member", "group:all")

	if err := idx.Rebuild(context.Background(), "acme"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	member, ok := idx.IsMember("acme", "group:eng", "user:bob")
	if !ok || !member {
		t.Fatalf("expected bob in group:eng, got member=%v ok=%v", member, ok)
	}
	member, ok = idx.IsMember("acme", "group:all", "user:bob")
	if !ok || !member {
		t.Fatalf("expected bob in group:all via nesting, got member=%v ok=%v", member, ok)
	}
	member, ok = idx.IsMember("acme", "group:eng", "user:mallory")
	if !ok || member {
		t.Fatalf("expected mallory outside group:eng, got member=%v ok=%v", member, ok)
	}
}

func TestGroupIndexWildcardMember(t *testing.T) {
	idx, store := newTestGroupIndex(t)
	insertMembership(t, store, "acme", "user:*", "group:everyone")
	if err := idx.Rebuild(context.Background(), "acme"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	// The closure stores the wildcard edge literally; concrete subjects of
	// the granted type must still get an authoritative yes, not a no.
	member, ok := idx.IsMember("acme", "group:everyone", "user:alice")
	if !ok || !member {
		t.Fatalf("expected wildcard to cover alice, got member=%v ok=%v", member, ok)
	}
	member, ok = idx.IsMember("acme", "group:everyone", "user:bob")
	if !ok || !member {
		t.Fatalf("expected wildcard to cover bob, got member=%v ok=%v", member, ok)
	}
	member, ok = idx.IsMember("acme", "group:everyone", "service:batch")
	if !ok || member {
		t.Fatalf("expected other subject types outside the wildcard, got member=%v ok=%v", member, ok)
	}
}

func TestGroupIndexIncrementalAdd(t *testing.T) {
	idx, store := newTestGroupIndex(t)
	insertMembership(t, store, "acme", "group:eng#member", "group:all")
	if err := idx.Rebuild(context.Background(), "acme"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	tup := tupleOf(t, "acme", "user:carol", "member", "group:eng")
	if _, err := store.Insert(context.Background(), tup); err != nil {
		t.Fatalf("insert: %v", err)
	}
	idx.AddMembership(tup)

	member, ok := idx.IsMember("acme", "group:eng", "user:carol")
	if !ok || !member {
		t.Fatalf("expected incremental add into group:eng, got member=%v ok=%v", member, ok)
	}
	member, ok = idx.IsMember("acme", "group:all", "user:carol")
	if !ok || !member {
		t.Fatalf("expected incremental add to climb into group:all, got member=%v ok=%v", member, ok)
	}
}

func TestGroupIndexClimbBudgetMarksStale(t *testing.T) {
	idx, store := newTestGroupIndex(t)
	insertMembership(t, store, "acme", "group:a#member", "group:b")
	insertMembership(t, store, "acme", "group:b#member", "group:c")
	if err := idx.Rebuild(context.Background(), "acme"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	idx.SetClimbLimit(1)

	tup := tupleOf(t, "acme", "user:dave", "member", "group:a")
	if _, err := store.Insert(context.Background(), tup); err != nil {
		t.Fatalf("insert: %v", err)
	}
	idx.AddMembership(tup)

	member, ok := idx.IsMember("acme", "group:a", "user:dave")
	if !ok || !member {
		t.Fatalf("expected group:a updated within the budget, got member=%v ok=%v", member, ok)
	}
	if _, ok := idx.IsMember("acme", "group:b", "user:dave"); ok {
		t.Fatalf("expected group:b stale after exceeding the climb budget")
	}
	stale := idx.StaleGroups("acme")
	if len(stale) != 2 || stale[0] != "group:b" || stale[1] != "group:c" {
		t.Fatalf("expected group:b and group:c stale, got %v", stale)
	}

	// A rebuild repairs the closure and clears staleness.
	if err := idx.Rebuild(context.Background(), "acme"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if got := idx.StaleGroups("acme"); len(got) != 0 {
		t.Fatalf("expected no stale groups after rebuild, got %v", got)
	}
	member, ok = idx.IsMember("acme", "group:c", "user:dave")
	if !ok || !member {
		t.Fatalf("expected dave in group:c after rebuild, got member=%v ok=%v", member, ok)
	}
}

func TestGroupIndexRemovalMarksStale(t *testing.T) {
	idx, store := newTestGroupIndex(t)
	insertMembership(t, store, "acme", "user:bob", "group:eng")
	insertMembership(t, store, "acme", "group:eng#member", "group:all")
	if err := idx.Rebuild(context.Background(), "acme"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	tup := tupleOf(t, "acme", "user:bob", "member", "group:eng")
	if _, err := store.Delete(context.Background(), tup); err != nil {
		t.Fatalf("delete: %v", err)
	}
	idx.RemoveMembership(tup)

	if _, ok := idx.IsMember("acme", "group:eng", "user:bob"); ok {
		t.Fatalf("expected group:eng stale after removal")
	}
	if _, ok := idx.IsMember("acme", "group:all", "user:bob"); ok {
		t.Fatalf("expected staleness to propagate to group:all")
	}

	if err := idx.Rebuild(context.Background(), "acme"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	member, ok := idx.IsMember("acme", "group:eng", "user:bob")
	if !ok || member {
		t.Fatalf("expected bob gone after rebuild, got member=%v ok=%v", member, ok)
	}
}

func TestGroupIndexCyclicNestingTerminates(t *testing.T) {
	idx, store := newTestGroupIndex(t)
	insertMembership(t, store, "acme", "user:eve", "group:x")
	insertMembership(t, store, "acme", "group:x#member", "group:y")
	insertMembership(t, store, "acme", "group:y#member", "group:x")

	if err := idx.Rebuild(context.Background(), "acme"); err != nil {
		t.Fatalf("rebuild with cyclic nesting: %v", err)
	}
	for _, group := range []string{"group:x", "group:y"} {
		member, ok := idx.IsMember("acme", group, "user:eve")
		if !ok || !member {
			t.Fatalf("expected eve in %s through the cycle, got member=%v ok=%v", group, member, ok)
		}
	}
}

func TestGroupIndexTenantsAreIndependent(t *testing.T) {
	idx, store := newTestGroupIndex(t)
	insertMembership(t, store, "acme", "user:bob", "group:eng")
	if err := idx.Rebuild(context.Background(), "acme"); err != nil {
		t.Fatalf("rebuild acme: %v", err)
	}
	if err := idx.Rebuild(context.Background(), "globex"); err != nil {
		t.Fatalf("rebuild globex: %v", err)
	}

	member, ok := idx.IsMember("globex", "group:eng", "user:bob")
	if !ok || member {
		t.Fatalf("expected globex closure empty, got member=%v ok=%v", member, ok)
	}
}
