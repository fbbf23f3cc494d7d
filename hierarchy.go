package rebac

import (
	"context"
	"fmt"

	"github.com/oarkflow/rebac/logger"
	"github.com/oarkflow/rebac/utils"
)

// ============================================================================
// HIERARCHY MANAGER
// ============================================================================

// HierarchyManager materializes the containment chain of path-shaped objects
// as ordinary parent tuples, so inheritance is plain tuple-to-userset
// evaluation with no filesystem knowledge inside the check engine.
//
// For file:/ws/proj/data.txt it maintains
//
//	file:/ws/proj       parent  file:/ws/proj/data.txt
//	file:/ws            parent  file:/ws/proj
//	file:/              parent  file:/ws
//
// Derived edges are written synchronously inside the triggering write, so a
// check never observes an object whose ancestry is half-materialized.
type HierarchyManager struct {
	tuples     TupleStore
	namespaces *NamespaceSet
	log        logger.Logger
}

func NewHierarchyManager(tuples TupleStore, namespaces *NamespaceSet, log logger.Logger) *HierarchyManager {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &HierarchyManager{tuples: tuples, namespaces: namespaces, log: log}
}

// Tracks reports whether the object participates in hierarchy derivation.
func (h *HierarchyManager) Tracks(object ObjectRef) bool {
	return h.namespaces.IsHierarchical(object.Type) && utils.IsPathID(object.ID)
}

// Ancestors returns the object's ancestor chain, nearest first. Empty for
// non-hierarchical objects.
func (h *HierarchyManager) Ancestors(object ObjectRef) []ObjectRef {
	if !h.Tracks(object) {
		return nil
	}
	paths := utils.Ancestors(object.ID)
	out := make([]ObjectRef, 0, len(paths))
	for _, p := range paths {
		out = append(out, ObjectRef{Type: object.Type, ID: p})
	}
	return out
}

// EnsureAncestry walks from the object to the root and inserts every missing
// parent edge. An already-present edge ends the walk: chains are only ever
// materialized bottom-up, so its own ancestry is complete. Returns how many
// edges were inserted.
func (h *HierarchyManager) EnsureAncestry(ctx context.Context, tenantID string, object ObjectRef) (int, error) {
	if !h.Tracks(object) {
		return 0, nil
	}
	inserted := 0
	child := object
	for {
		parentID := utils.ParentPath(child.ID)
		if parentID == "" {
			break
		}
		parent := ObjectRef{Type: object.Type, ID: parentID}
		edge := &Tuple{
			TenantID: tenantID,
			Subject:  SubjectRef{Object: parent},
			Relation: RelationParent,
			Object:   child,
		}
		created, err := h.tuples.Insert(ctx, edge)
		if err != nil {
			return inserted, fmt.Errorf("%w: hierarchy edge %s: %v", ErrStorageUnavailable, edge, err)
		}
		if !created {
			break
		}
		inserted++
		child = parent
	}
	if inserted > 0 {
		h.log.Debug("hierarchy materialized", "tenant", tenantID, "object", object.Key(), "edges", inserted)
	}
	return inserted, nil
}

// PruneAncestry removes the object's parent edge when nothing references the
// object anymore (no grants on it, no children under it), then repeats up
// the chain. Called after deletes; purely an occupancy optimization, since a
// dangling parent edge grants nothing by itself.
func (h *HierarchyManager) PruneAncestry(ctx context.Context, tenantID string, object ObjectRef) (int, error) {
	if !h.Tracks(object) {
		return 0, nil
	}
	pruned := 0
	child := object
	for {
		parentID := utils.ParentPath(child.ID)
		if parentID == "" {
			break
		}
		occupied, err := h.occupied(ctx, tenantID, child)
		if err != nil {
			return pruned, err
		}
		if occupied {
			break
		}
		parent := ObjectRef{Type: object.Type, ID: parentID}
		edge := &Tuple{
			TenantID: tenantID,
			Subject:  SubjectRef{Object: parent},
			Relation: RelationParent,
			Object:   child,
		}
		existed, err := h.tuples.Delete(ctx, edge)
		if err != nil {
			return pruned, fmt.Errorf("%w: hierarchy prune %s: %v", ErrStorageUnavailable, edge, err)
		}
		if !existed {
			break
		}
		pruned++
		child = parent
	}
	if pruned > 0 {
		h.log.Debug("hierarchy pruned", "tenant", tenantID, "object", object.Key(), "edges", pruned)
	}
	return pruned, nil
}

// occupied reports whether the object still carries any grant other than its
// own parent edge, or still has children attached beneath it.
func (h *HierarchyManager) occupied(ctx context.Context, tenantID string, object ObjectRef) (bool, error) {
	grants, err := h.tuples.Scan(ctx, tenantID, TupleFilter{ObjectType: object.Type, ObjectID: object.ID})
	if err != nil {
		return false, fmt.Errorf("%w: hierarchy scan %s: %v", ErrStorageUnavailable, object, err)
	}
	for _, t := range grants {
		if t.Relation != RelationParent {
			return true, nil
		}
	}
	children, err := h.tuples.Scan(ctx, tenantID, TupleFilter{
		Relation:    RelationParent,
		SubjectType: object.Type,
		SubjectID:   object.ID,
	})
	if err != nil {
		return false, fmt.Errorf("%w: hierarchy scan %s: %v", ErrStorageUnavailable, object, err)
	}
	return len(children) > 0, nil
}
