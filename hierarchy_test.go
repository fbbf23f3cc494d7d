package rebac_test

import (
	"context"
	"testing"

	"github.com/oarkflow/rebac"
	"github.com/oarkflow/rebac/logger"
	"github.com/oarkflow/rebac/stores"
)

func newTestHierarchy(t *testing.T) (*rebac.HierarchyManager, *stores.MemoryTupleStore) {
	t.Helper()
	set, err := rebac.NewNamespaceSet(rebac.DefaultFilesystemNamespaces()...)
	if err != nil {
		t.Fatalf("namespace set: %v", err)
	}
	store := stores.NewMemoryTupleStore()
	return rebac.NewHierarchyManager(store, set, logger.NewNullLogger()), store
}

func TestHierarchyAncestors(t *testing.T) {
	h, _ := newTestHierarchy(t)

	got := h.Ancestors(rebac.NewObject("file", "/ws/proj/data.txt"))
	want := []string{"/ws/proj", "/ws", "/"}
	if len(got) != len(want) {
		t.Fatalf("expected %d ancestors, got %v", len(want), got)
	}
	for i, id := range want {
		if got[i].ID != id || got[i].Type != "file" {
			t.Fatalf("ancestor %d: want file:%s got %s", i, id, got[i].Key())
		}
	}

	if got := h.Ancestors(rebac.NewObject("file", "/")); len(got) != 0 {
		t.Fatalf("expected the root to have no ancestors, got %v", got)
	}
	// Non-path ids and non-hierarchical types stay out of the tree.
	if got := h.Ancestors(rebac.NewObject("file", "readme")); len(got) != 0 {
		t.Fatalf("expected a non-path id to have no ancestors, got %v", got)
	}
	if got := h.Ancestors(rebac.NewObject("group", "/nested/name")); len(got) != 0 {
		t.Fatalf("expected a non-hierarchical type to have no ancestors, got %v", got)
	}
}

func TestEnsureAncestryMaterializesChain(t *testing.T) {
	h, store := newTestHierarchy(t)
	ctx := context.Background()

	inserted, err := h.EnsureAncestry(ctx, "acme", rebac.NewObject("file", "/ws/proj/data.txt"))
	if err != nil {
		t.Fatalf("ensure ancestry: %v", err)
	}
	if inserted != 3 {
		t.Fatalf("expected 3 parent edges, got %d", inserted)
	}
	edges, err := store.Scan(ctx, "acme", rebac.TupleFilter{Relation: rebac.RelationParent})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(edges) != 3 {
		t.Fatalf("expected 3 stored edges, got %d", len(edges))
	}

	// A sibling extends the chain by exactly one edge; shared ancestry is
	// already materialized.
	inserted, err = h.EnsureAncestry(ctx, "acme", rebac.NewObject("file", "/ws/proj/other.txt"))
	if err != nil {
		t.Fatalf("ensure sibling ancestry: %v", err)
	}
	if inserted != 1 {
		t.Fatalf("expected 1 new edge for the sibling, got %d", inserted)
	}

	// Idempotent.
	inserted, err = h.EnsureAncestry(ctx, "acme", rebac.NewObject("file", "/ws/proj/data.txt"))
	if err != nil {
		t.Fatalf("re-ensure ancestry: %v", err)
	}
	if inserted != 0 {
		t.Fatalf("expected no new edges on repeat, got %d", inserted)
	}
}

func TestPruneAncestryStopsAtOccupiedNodes(t *testing.T) {
	h, store := newTestHierarchy(t)
	ctx := context.Background()

	if _, err := h.EnsureAncestry(ctx, "acme", rebac.NewObject("file", "/ws/proj/data.txt")); err != nil {
		t.Fatalf("ensure ancestry: %v", err)
	}
	// A grant on /ws keeps it and its own parent edge alive.
	grant := tupleOf(t, "acme", "user:alice", "direct_viewer", "file:/ws")
	if _, err := store.Insert(ctx, grant); err != nil {
		t.Fatalf("insert grant: %v", err)
	}

	pruned, err := h.PruneAncestry(ctx, "acme", rebac.NewObject("file", "/ws/proj/data.txt"))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("expected the data.txt and proj edges pruned, got %d", pruned)
	}
	edges, err := store.Scan(ctx, "acme", rebac.TupleFilter{Relation: rebac.RelationParent})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected only the /ws edge to survive, got %d", len(edges))
	}
	if edges[0].Object.ID != "/ws" {
		t.Fatalf("expected the surviving edge to anchor /ws, got %s", edges[0].Object.Key())
	}
}

func TestPruneAncestryKeepsBranchesWithChildren(t *testing.T) {
	h, store := newTestHierarchy(t)
	ctx := context.Background()

	if _, err := h.EnsureAncestry(ctx, "acme", rebac.NewObject("file", "/ws/proj/a.txt")); err != nil {
		t.Fatalf("ensure a: %v", err)
	}
	if _, err := h.EnsureAncestry(ctx, "acme", rebac.NewObject("file", "/ws/proj/b.txt")); err != nil {
		t.Fatalf("ensure b: %v", err)
	}

	pruned, err := h.PruneAncestry(ctx, "acme", rebac.NewObject("file", "/ws/proj/a.txt"))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected only a.txt's edge pruned while b.txt holds the branch, got %d", pruned)
	}
	edges, err := store.Scan(ctx, "acme", rebac.TupleFilter{
		Relation:   rebac.RelationParent,
		ObjectType: "file",
		ObjectID:   "/ws/proj/b.txt",
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected b.txt's edge intact, got %d", len(edges))
	}
}
