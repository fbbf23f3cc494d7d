package rebac

import (
	"context"
	"fmt"
	"strings"

	"github.com/oarkflow/rebac/logger"
)

// ============================================================================
// CHECK ENGINE
// ============================================================================

const (
	// DefaultMaxDepth bounds recursion through rewrites and usersets.
	DefaultMaxDepth = 32
	// DefaultMaxNodes bounds how many graph nodes one check may visit.
	DefaultMaxNodes = 4096
)

// checker evaluates userset rewrite trees against the tuple store. It is
// stateless across calls; all per-call bookkeeping lives in resolveState, so
// one checker serves concurrent checks.
type checker struct {
	tuples     TupleStore
	namespaces *NamespaceSet
	groups     *GroupIndex
	maxDepth   int
	maxNodes   int
	log        logger.Logger
}

// resolveState carries one check's bookkeeping: the visited set breaks
// cycles, nodes and queries meter the budgets, trace records the walk when
// the caller asked for one.
type resolveState struct {
	tenantID string
	visited  map[string]bool
	nodes    int
	queries  int
	tracing  bool
	trace    []string
}

func newResolveState(tenantID string, tracing bool) *resolveState {
	return &resolveState{
		tenantID: tenantID,
		visited:  make(map[string]bool),
		tracing:  tracing,
	}
}

func (st *resolveState) tracef(depth int, format string, args ...any) {
	if !st.tracing {
		return
	}
	st.trace = append(st.trace, strings.Repeat("  ", depth)+fmt.Sprintf(format, args...))
}

// resolve answers whether subject holds relation on object, walking the
// relation's rewrite tree. Every step polls the context first, then the
// budgets, so a hung storage backend or a hostile graph cannot pin the
// goroutine past its deadline.
func (c *checker) resolve(ctx context.Context, st *resolveState, subject SubjectRef, relation string, object ObjectRef, depth int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrCheckTimeout, err)
	}
	if depth > c.maxDepth {
		return false, fmt.Errorf("%w: depth %d", ErrGraphLimitExceeded, depth)
	}
	st.nodes++
	if st.nodes > c.maxNodes {
		return false, fmt.Errorf("%w: %d nodes visited", ErrGraphLimitExceeded, st.nodes)
	}

	key := subject.Key() + "#" + relation + "@" + object.Key()
	if st.visited[key] {
		// Revisiting a node already on this call's path: the graph loops
		// here, and looping grants nothing new.
		st.tracef(depth, "cycle at %s#%s@%s, branch false", subject.Key(), relation, object.Key())
		c.log.Debug("check cycle detected", "tenant", st.tenantID, "node", key)
		return false, nil
	}
	// The mark is scoped to the current stack, not the whole call: sibling
	// branches (an exclusion's subtract, intersection operands) must be free
	// to re-evaluate the same node and get its real answer.
	st.visited[key] = true
	defer delete(st.visited, key)

	rw, err := c.namespaces.Relation(object.Type, relation)
	if err != nil {
		// Tuple data can point at relations no loaded namespace defines;
		// such branches contribute nothing instead of failing the check.
		st.tracef(depth, "undefined %s on %s, branch false", relation, object.Type)
		c.log.Warn("check hit undefined relation", "tenant", st.tenantID, "type", object.Type, "relation", relation)
		return false, nil
	}
	st.tracef(depth, "check %s#%s@%s", subject.Key(), relation, object.Key())
	return c.evalRewrite(ctx, st, rw, subject, relation, object, depth)
}

func (c *checker) evalRewrite(ctx context.Context, st *resolveState, rw *Rewrite, subject SubjectRef, relation string, object ObjectRef, depth int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrCheckTimeout, err)
	}
	switch rw.Kind {
	case RewriteThis:
		return c.evalThis(ctx, st, subject, relation, object, depth)

	case RewriteComputedUserset:
		st.tracef(depth, "computed(%s)", rw.Relation)
		return c.resolve(ctx, st, subject, rw.Relation, object, depth+1)

	case RewriteTupleToUserset:
		return c.evalTupleToUserset(ctx, st, rw, subject, object, depth)

	case RewriteUnion:
		for i, child := range rw.Children {
			ok, err := c.evalRewrite(ctx, st, child, subject, relation, object, depth)
			if err != nil {
				return false, err
			}
			if ok {
				st.tracef(depth, "union[%d] satisfied", i)
				return true, nil
			}
		}
		return false, nil

	case RewriteIntersection:
		for i, child := range rw.Children {
			ok, err := c.evalRewrite(ctx, st, child, subject, relation, object, depth)
			if err != nil {
				return false, err
			}
			if !ok {
				st.tracef(depth, "intersection[%d] failed", i)
				return false, nil
			}
		}
		return true, nil

	case RewriteExclusion:
		ok, err := c.evalRewrite(ctx, st, rw.Base, subject, relation, object, depth)
		if err != nil || !ok {
			return false, err
		}
		excluded, err := c.evalRewrite(ctx, st, rw.Subtract, subject, relation, object, depth)
		if err != nil {
			return false, err
		}
		if excluded {
			st.tracef(depth, "exclusion subtracted")
		}
		return !excluded, nil
	}
	return false, fmt.Errorf("%w: unknown rewrite kind %d", ErrInvalidNamespace, rw.Kind)
}

// evalThis resolves the direct branch: an exact tuple probe first, then the
// userset tuples stored on the object. Group-valued usersets are answered by
// the membership index in one lookup; everything else recurses.
func (c *checker) evalThis(ctx context.Context, st *resolveState, subject SubjectRef, relation string, object ObjectRef, depth int) (bool, error) {
	probe := &Tuple{TenantID: st.tenantID, Subject: subject, Relation: relation, Object: object}
	st.queries++
	exists, err := c.tuples.Exists(ctx, probe)
	if err != nil {
		return false, fmt.Errorf("%w: tuple probe %s: %v", ErrStorageUnavailable, probe, err)
	}
	if exists {
		st.tracef(depth, "direct tuple %s", probe)
		return true, nil
	}

	st.queries++
	usersets, err := c.tuples.Scan(ctx, st.tenantID, TupleFilter{
		ObjectType: object.Type,
		ObjectID:   object.ID,
		Relation:   relation,
	})
	if err != nil {
		return false, fmt.Errorf("%w: userset scan %s#%s: %v", ErrStorageUnavailable, object, relation, err)
	}
	for _, t := range usersets {
		if !t.Subject.IsUserset() {
			// A wildcard grant covers every concrete subject of its type.
			if t.Subject.Object.ID == WildcardID && !subject.IsUserset() && t.Subject.Object.Type == subject.Object.Type {
				st.tracef(depth, "wildcard tuple %s", t)
				return true, nil
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrCheckTimeout, err)
		}
		st.nodes++
		if st.nodes > c.maxNodes {
			return false, fmt.Errorf("%w: %d nodes visited", ErrGraphLimitExceeded, st.nodes)
		}
		if c.namespaces.IsGroupSubject(t.Subject) {
			member, ok := c.groups.IsMember(st.tenantID, t.Subject.Object.Key(), subject.Key())
			if ok {
				if member {
					st.tracef(depth, "group index hit %s contains %s", t.Subject.Object.Key(), subject.Key())
					return true, nil
				}
				continue
			}
			st.tracef(depth, "group index stale for %s, expanding", t.Subject.Object.Key())
			c.log.Debug("group index fallback", "tenant", st.tenantID, "group", t.Subject.Object.Key())
		}
		ok, err := c.resolve(ctx, st, subject, t.Subject.Relation, t.Subject.Object, depth+1)
		if err != nil {
			return false, err
		}
		if ok {
			st.tracef(depth, "userset %s satisfied", t.Subject.Key())
			return true, nil
		}
	}
	return false, nil
}

// evalTupleToUserset hops through the tupleset tuples on the object (for
// hierarchies: its parent edges) and checks the computed relation on each
// hop target.
func (c *checker) evalTupleToUserset(ctx context.Context, st *resolveState, rw *Rewrite, subject SubjectRef, object ObjectRef, depth int) (bool, error) {
	st.queries++
	hops, err := c.tuples.Scan(ctx, st.tenantID, TupleFilter{
		ObjectType: object.Type,
		ObjectID:   object.ID,
		Relation:   rw.Tupleset,
	})
	if err != nil {
		return false, fmt.Errorf("%w: tupleset scan %s#%s: %v", ErrStorageUnavailable, object, rw.Tupleset, err)
	}
	for _, t := range hops {
		if err := ctx.Err(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrCheckTimeout, err)
		}
		target := t.Subject.Object
		st.tracef(depth, "ttu %s -> %s#%s", rw.Tupleset, target.Key(), rw.Computed)
		ok, err := c.resolve(ctx, st, subject, rw.Computed, target, depth+1)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
