package rebac

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oarkflow/rebac/logger"
)

// ============================================================================
// GROUP MEMBERSHIP INDEX
// ============================================================================

// DefaultGroupClimbLimit bounds how many groups one incremental update may
// touch before the remainder is marked stale instead.
const DefaultGroupClimbLimit = 512

// GroupIndex keeps a materialized transitive closure of group membership so
// the check engine can resolve group-valued subjects in constant time
// instead of walking nested groups tuple by tuple.
//
// The index is advisory: a group whose closure is stale, and any tenant that
// has not been primed by a rebuild, answers "don't know" and the caller
// falls back to graph expansion. It never serves a wrong answer, only a
// missing one.
type GroupIndex struct {
	mu         sync.RWMutex
	tenants    map[string]*groupClosure
	tuples     TupleStore
	namespaces *NamespaceSet
	climbLimit int
	log        logger.Logger

	rebuildEvery time.Duration
	stopCh       chan struct{}
	workerOnce   sync.Once
}

// groupClosure is one tenant's materialized view. members holds the full
// transitive closure per group; parents holds the direct nesting edges used
// to climb from a changed group to every group that contains it.
type groupClosure struct {
	members map[string]map[string]bool // group key -> member key -> reachable
	parents map[string]map[string]bool // group key -> groups directly containing it
	stale   map[string]bool            // group key -> closure unreliable
	primed  bool                       // full rebuild has run for this tenant
}

func newGroupClosure() *groupClosure {
	return &groupClosure{
		members: make(map[string]map[string]bool),
		parents: make(map[string]map[string]bool),
		stale:   make(map[string]bool),
	}
}

func NewGroupIndex(tuples TupleStore, namespaces *NamespaceSet, log logger.Logger) *GroupIndex {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &GroupIndex{
		tenants:    make(map[string]*groupClosure),
		tuples:     tuples,
		namespaces: namespaces,
		climbLimit: DefaultGroupClimbLimit,
		log:        log,
		stopCh:     make(chan struct{}),
	}
}

// SetClimbLimit overrides the incremental update budget.
func (g *GroupIndex) SetClimbLimit(n int) {
	if n > 0 {
		g.climbLimit = n
	}
}

// IsMember answers whether memberKey is in the transitive closure of the
// group. ok is false when the index cannot answer (unprimed tenant or stale
// group); the caller must then fall back to expanding the graph.
func (g *GroupIndex) IsMember(tenantID, groupKey, memberKey string) (member, ok bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c := g.tenants[tenantID]
	if c == nil || !c.primed || c.stale[groupKey] {
		return false, false
	}
	if c.members[groupKey][memberKey] {
		return true, true
	}
	// A wildcard edge in the closure covers every concrete member of its
	// type, so probe it before answering an authoritative no.
	if typ, _, found := strings.Cut(memberKey, ":"); found && !strings.Contains(memberKey, "#") {
		if c.members[groupKey][typ+":"+WildcardID] {
			return true, true
		}
	}
	return false, true
}

// AddMembership folds one freshly written membership tuple into the closure.
// The new member set is pushed to the group and every group above it, up to
// the climb budget; groups beyond the budget are marked stale.
func (g *GroupIndex) AddMembership(t *Tuple) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.closureLocked(t.TenantID)
	groupKey := t.Object.Key()
	if !c.primed {
		// The first rebuild will pick this edge up from the store.
		return
	}
	g.ensureGroupLocked(c, groupKey)

	var delta []string
	switch {
	case g.namespaces.IsGroupSubject(t.Subject):
		subKey := t.Subject.Object.Key()
		g.ensureGroupLocked(c, subKey)
		if c.parents[subKey] == nil {
			c.parents[subKey] = make(map[string]bool)
		}
		c.parents[subKey][groupKey] = true
		if c.stale[subKey] {
			g.markStaleLocked(c, t.TenantID, groupKey)
			return
		}
		for m := range c.members[subKey] {
			delta = append(delta, m)
		}
	case t.Subject.IsUserset():
		// A userset over a relation the index does not materialize cannot
		// be folded in; this subtree answers via graph expansion instead.
		g.markStaleLocked(c, t.TenantID, groupKey)
		return
	default:
		delta = append(delta, t.Subject.Key())
	}
	if len(delta) == 0 {
		return
	}
	g.climbLocked(c, t.TenantID, groupKey, delta)
}

// RemoveMembership reacts to a deleted membership tuple. Removal cannot be
// applied incrementally (another path may still reach the member), so the
// group and everything above it is marked stale for the next rebuild.
func (g *GroupIndex) RemoveMembership(t *Tuple) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.tenants[t.TenantID]
	if c == nil || !c.primed {
		return
	}
	groupKey := t.Object.Key()
	if g.namespaces.IsGroupSubject(t.Subject) {
		subKey := t.Subject.Object.Key()
		if c.parents[subKey] != nil {
			delete(c.parents[subKey], groupKey)
		}
	}
	g.markStaleLocked(c, t.TenantID, groupKey)
}

// Rebuild recomputes the tenant's closure from the tuple store and swaps it
// in, clearing all staleness. Safe to run while checks are being served.
func (g *GroupIndex) Rebuild(ctx context.Context, tenantID string) error {
	fresh := newGroupClosure()
	fresh.primed = true
	staleSeeds := make([]string, 0)

	for _, typ := range g.namespaces.Types() {
		memberRel, ok := g.namespaces.MemberRelation(typ)
		if !ok {
			continue
		}
		edges, err := g.tuples.Scan(ctx, tenantID, TupleFilter{ObjectType: typ, Relation: memberRel})
		if err != nil {
			return fmt.Errorf("%w: group index rebuild scan: %v", ErrStorageUnavailable, err)
		}
		for _, t := range edges {
			groupKey := t.Object.Key()
			g.ensureGroupLocked(fresh, groupKey)
			switch {
			case g.namespaces.IsGroupSubject(t.Subject):
				subKey := t.Subject.Object.Key()
				g.ensureGroupLocked(fresh, subKey)
				if fresh.parents[subKey] == nil {
					fresh.parents[subKey] = make(map[string]bool)
				}
				fresh.parents[subKey][groupKey] = true
			case t.Subject.IsUserset():
				staleSeeds = append(staleSeeds, groupKey)
			default:
				fresh.members[groupKey][t.Subject.Key()] = true
			}
		}
	}

	// Propagate members through nesting edges to a fixpoint. Cycles are
	// harmless: sets only grow and are bounded by the member universe.
	queue := make([]string, 0, len(fresh.members))
	for gk := range fresh.members {
		queue = append(queue, gk)
	}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: group index rebuild: %v", ErrCheckTimeout, err)
		}
		gk := queue[0]
		queue = queue[1:]
		for parent := range fresh.parents[gk] {
			g.ensureGroupLocked(fresh, parent)
			changed := false
			for m := range fresh.members[gk] {
				if !fresh.members[parent][m] {
					fresh.members[parent][m] = true
					changed = true
				}
			}
			if changed {
				queue = append(queue, parent)
			}
		}
	}
	for _, seed := range staleSeeds {
		g.markStaleWalk(fresh, seed)
	}

	g.mu.Lock()
	g.tenants[tenantID] = fresh
	g.mu.Unlock()
	g.log.Info("group index rebuilt", "tenant", tenantID, "groups", len(fresh.members), "stale", len(fresh.stale))
	return nil
}

// RebuildStale rebuilds every known tenant that is unprimed or carries stale
// groups. Used by the background worker.
func (g *GroupIndex) RebuildStale(ctx context.Context) {
	g.mu.RLock()
	pending := make([]string, 0)
	for tenant, c := range g.tenants {
		if !c.primed || len(c.stale) > 0 {
			pending = append(pending, tenant)
		}
	}
	g.mu.RUnlock()
	for _, tenant := range pending {
		if err := g.Rebuild(ctx, tenant); err != nil {
			g.log.Warn("group index rebuild failed", "tenant", tenant, "error", err.Error())
		}
	}
}

// StartAutoRebuild launches a background worker that periodically repairs
// stale closures. Call Close to stop it.
func (g *GroupIndex) StartAutoRebuild(interval time.Duration) {
	if interval <= 0 {
		return
	}
	g.workerOnce.Do(func() {
		g.rebuildEvery = interval
		go g.rebuildWorker()
	})
}

func (g *GroupIndex) rebuildWorker() {
	ticker := time.NewTicker(g.rebuildEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.RebuildStale(context.Background())
		case <-g.stopCh:
			return
		}
	}
}

func (g *GroupIndex) Close() {
	select {
	case <-g.stopCh:
		return
	default:
		close(g.stopCh)
	}
}

// StaleGroups lists the tenant's stale group keys, sorted, for diagnostics.
func (g *GroupIndex) StaleGroups(tenantID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c := g.tenants[tenantID]
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.stale))
	for gk := range c.stale {
		out = append(out, gk)
	}
	sort.Strings(out)
	return out
}

// Primed reports whether the tenant has a materialized closure.
func (g *GroupIndex) Primed(tenantID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c := g.tenants[tenantID]
	return c != nil && c.primed
}

func (g *GroupIndex) closureLocked(tenantID string) *groupClosure {
	c := g.tenants[tenantID]
	if c == nil {
		c = newGroupClosure()
		g.tenants[tenantID] = c
	}
	return c
}

func (g *GroupIndex) ensureGroupLocked(c *groupClosure, groupKey string) {
	if c.members[groupKey] == nil {
		c.members[groupKey] = make(map[string]bool)
	}
}

// climbLocked pushes delta members into the group and every ancestor group,
// breadth-first, until the climb budget runs out; the unvisited remainder is
// marked stale so reads fall back rather than miss an inherited membership.
func (g *GroupIndex) climbLocked(c *groupClosure, tenantID, start string, delta []string) {
	frontier := []string{start}
	seen := map[string]bool{start: true}
	budget := g.climbLimit
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		if budget <= 0 {
			g.markStaleLocked(c, tenantID, next)
			continue
		}
		budget--
		g.ensureGroupLocked(c, next)
		for _, m := range delta {
			c.members[next][m] = true
		}
		for parent := range c.parents[next] {
			if !seen[parent] {
				seen[parent] = true
				frontier = append(frontier, parent)
			}
		}
	}
}

func (g *GroupIndex) markStaleLocked(c *groupClosure, tenantID, start string) {
	before := len(c.stale)
	g.markStaleWalk(c, start)
	if added := len(c.stale) - before; added > 0 {
		g.log.Warn("group index marked stale", "tenant", tenantID, "group", start, "groups", added)
	}
}

// markStaleWalk marks start and every group above it stale. The walk is over
// the in-memory nesting graph and is not budgeted: missing a mark here would
// let a stale closure keep answering.
func (g *GroupIndex) markStaleWalk(c *groupClosure, start string) {
	frontier := []string{start}
	seen := map[string]bool{start: true}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		c.stale[next] = true
		for parent := range c.parents[next] {
			if !seen[parent] {
				seen[parent] = true
				frontier = append(frontier, parent)
			}
		}
	}
}
