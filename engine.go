package rebac

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oarkflow/rebac/logger"
)

// ============================================================================
// PERMISSION ENGINE
// ============================================================================

const (
	// DefaultCheckTimeout is the wall-clock budget applied to every check
	// that arrives without a tighter deadline.
	DefaultCheckTimeout = 2 * time.Second
	// writeLockStripes sizes the striped mutex table serializing writes per
	// object.
	writeLockStripes = 128
	// auditBuffer sizes the async decision log channel.
	auditBuffer = 1024
)

// WriteResult reports a tuple write: whether it created state and the
// object's fencing token after the write. Re-writing an existing tuple is a
// no-op and returns the unchanged token.
type WriteResult struct {
	Created bool   `json:"created"`
	Token   uint64 `json:"token"`
}

// DeleteResult reports a tuple delete.
type DeleteResult struct {
	Existed bool   `json:"existed"`
	Token   uint64 `json:"token"`
}

// engineCore bundles the pieces that depend on the loaded namespaces, so a
// namespace reload swaps them as one unit.
type engineCore struct {
	namespaces *NamespaceSet
	checker    *checker
	hierarchy  *HierarchyManager
	groups     *GroupIndex
}

// Engine is the single entry point callers use: checks, writes, deletes,
// expansion and tuple listing, with the hierarchy, group index, fencing and
// cache machinery sequenced behind it.
type Engine struct {
	tuples   TupleStore
	counters CounterStore
	tokens   *TokenManager
	caches   *CacheCoordinator
	audit    AuditStore
	log      logger.Logger

	core atomic.Pointer[engineCore]

	checkTimeout    time.Duration
	maxDepth        int
	maxNodes        int
	climbLimit      int
	rebuildInterval time.Duration
	sweepInterval   time.Duration

	writeLocks [writeLockStripes]sync.Mutex

	auditCh chan AuditEntry
	stopCh  chan struct{}
}

// NewEngine builds an engine over the given stores. With no options it runs
// the default filesystem namespaces, a process-local decision cache and a
// phuslu logger.
func NewEngine(tuples TupleStore, counters CounterStore, opts ...EngineOption) (*Engine, error) {
	if tuples == nil || counters == nil {
		return nil, errors.New("rebac: tuple and counter stores are required")
	}
	o := defaultEngineOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	namespaces := o.namespaces
	if namespaces == nil {
		var err error
		namespaces, err = NewNamespaceSet(DefaultFilesystemNamespaces()...)
		if err != nil {
			return nil, err
		}
	}

	caches, err := NewCacheCoordinator(CacheCoordinatorConfig{
		L1MaxEntries:   o.cacheSize,
		L2:             o.l2,
		L3:             o.l3,
		Bus:            o.bus,
		Origin:         o.origin,
		TTL:            o.cacheTTL,
		ProvisionalTTL: o.provisionalTTL,
		Logger:         o.log,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		tuples:          tuples,
		counters:        counters,
		tokens:          NewTokenManager(counters, o.log),
		caches:          caches,
		audit:           o.audit,
		log:             o.log,
		checkTimeout:    o.checkTimeout,
		maxDepth:        o.maxDepth,
		maxNodes:        o.maxNodes,
		climbLimit:      o.climbLimit,
		rebuildInterval: o.rebuildInterval,
		sweepInterval:   o.sweepInterval,
		auditCh:         make(chan AuditEntry, auditBuffer),
		stopCh:          make(chan struct{}),
	}
	e.core.Store(e.buildCore(namespaces))

	if e.audit != nil {
		go e.auditWorker()
	}
	if e.sweepInterval > 0 {
		go e.sweepWorker()
	}
	return e, nil
}

func (e *Engine) buildCore(namespaces *NamespaceSet) *engineCore {
	groups := NewGroupIndex(e.tuples, namespaces, e.log)
	groups.SetClimbLimit(e.climbLimit)
	if e.rebuildInterval > 0 {
		groups.StartAutoRebuild(e.rebuildInterval)
	}
	return &engineCore{
		namespaces: namespaces,
		checker: &checker{
			tuples:     e.tuples,
			namespaces: namespaces,
			groups:     groups,
			maxDepth:   e.maxDepth,
			maxNodes:   e.maxNodes,
			log:        e.log,
		},
		hierarchy: NewHierarchyManager(e.tuples, namespaces, e.log),
		groups:    groups,
	}
}

// Namespaces returns the currently loaded namespace set.
func (e *Engine) Namespaces() *NamespaceSet {
	return e.core.Load().namespaces
}

// ReloadNamespaces validates and swaps in a new namespace set. The local
// decision cache is flushed and the group index starts cold, priming itself
// on the next rebuild.
func (e *Engine) ReloadNamespaces(namespaces ...*Namespace) error {
	set, err := NewNamespaceSet(namespaces...)
	if err != nil {
		return err
	}
	old := e.core.Swap(e.buildCore(set))
	old.groups.Close()
	e.caches.FlushLocal()
	e.log.Info("namespaces reloaded", "types", len(set.Types()))
	return nil
}

// Check answers whether subject holds relation on object. Denials are
// results, not errors; an error means the question could not be answered
// and the caller must treat the access as denied.
func (e *Engine) Check(ctx context.Context, req *CheckRequest) (*CheckResult, error) {
	start := time.Now()
	core := e.core.Load()
	if err := e.validateRequest(core, req); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.checkTimeout)
	defer cancel()

	// The cache identity is the chain version, not the object's own token: a
	// nested object's decision depends on tuples anywhere along its path, so
	// a write to any ancestor must strand the entry.
	ancestors := core.hierarchy.Ancestors(req.Object)
	token, version, tokenErr := e.tokens.ChainVersion(ctx, req.TenantID, req.Object, ancestors)
	if tokenErr != nil {
		// Without a trustworthy token no cache entry can be keyed or
		// validated; evaluate from storage alone.
		e.log.Warn("fencing token unavailable, bypassing cache", "tenant", req.TenantID, "object", req.Object.Key(), "error", tokenErr.Error())
	}
	key := DecisionKey{
		TenantID:   req.TenantID,
		SubjectKey: req.Subject.Key(),
		Relation:   req.Relation,
		ObjectKey:  req.Object.Key(),
		Token:      version,
	}
	if req.Consistency == ConsistencyEventual && !req.Trace && tokenErr == nil {
		if entry, tier, ok := e.caches.Lookup(ctx, key); ok {
			res := &CheckResult{
				Allowed:   entry.Allowed,
				CacheHit:  true,
				CacheTier: tier,
				Token:     token,
				EvalTime:  time.Since(start),
			}
			e.auditDecision(req, res, "")
			return res, nil
		}
	}

	st := newResolveState(req.TenantID, req.Trace)
	allowed, err := core.checker.resolve(ctx, st, req.Subject, req.Relation, req.Object, 0)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ErrGraphLimitExceeded) {
			err = fmt.Errorf("%w: %v", ErrCheckTimeout, ctxErr)
		}
		res := &CheckResult{Allowed: false, Token: token, Trace: st.trace, EvalTime: time.Since(start)}
		reason := "error"
		switch {
		case errors.Is(err, ErrGraphLimitExceeded):
			reason = "graph limit"
			e.log.Warn("check exceeded graph limits", "tenant", req.TenantID, "subject", req.Subject.Key(), "relation", req.Relation, "object", req.Object.Key(), "nodes", st.nodes)
		case errors.Is(err, ErrCheckTimeout):
			reason = "timeout"
		case errors.Is(err, ErrStorageUnavailable):
			reason = "storage"
			e.log.Error("check failed on storage", "tenant", req.TenantID, "object", req.Object.Key(), "error", err.Error())
		}
		e.auditDecision(req, res, reason)
		return res, err
	}

	res := &CheckResult{Allowed: allowed, Token: token, Trace: st.trace, EvalTime: time.Since(start)}
	if !req.Trace && tokenErr == nil {
		_, after, err2 := e.tokens.ChainVersion(ctx, req.TenantID, req.Object, ancestors)
		entry := &DecisionCacheEntry{
			Allowed:     allowed,
			Token:       version,
			Provisional: err2 != nil || after != version,
			CachedAt:    time.Now(),
		}
		e.caches.Store(key, entry)
	}
	e.log.Debug("check decided",
		"tenant", req.TenantID,
		"subject", req.Subject.Key(),
		"relation", req.Relation,
		"object", req.Object.Key(),
		"allowed", allowed,
		"nodes", st.nodes,
		"queries", st.queries,
	)
	e.auditDecision(req, res, "")
	return res, nil
}

// Explain runs a strong-consistency check with the trace collected.
func (e *Engine) Explain(ctx context.Context, req *CheckRequest) (*CheckResult, error) {
	traced := *req
	traced.Trace = true
	traced.Consistency = ConsistencyStrong
	return e.Check(ctx, &traced)
}

// BatchCheck evaluates the requests in order and stops at the first engine
// error.
func (e *Engine) BatchCheck(ctx context.Context, reqs []*CheckRequest) ([]*CheckResult, error) {
	results := make([]*CheckResult, len(reqs))
	for i, req := range reqs {
		res, err := e.Check(ctx, req)
		if err != nil {
			return nil, err
		}
		results[i] = res
	}
	return results, nil
}

// Write stores one tuple and sequences the bookkeeping behind it: hierarchy
// derivation, group index maintenance, fencing bumps and cache
// invalidation. It returns after the local cache invalidation is visible,
// so a check issued by the same caller afterwards sees the write.
func (e *Engine) Write(ctx context.Context, t *Tuple) (*WriteResult, error) {
	core := e.core.Load()
	if err := e.validateTuple(core, t); err != nil {
		return nil, err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	unlock := e.lockObject(t.TenantID, t.Object.Key())
	defer unlock()

	created, err := e.tuples.Insert(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("%w: tuple insert %s: %v", ErrStorageUnavailable, t, err)
	}
	if !created {
		token, err := e.tokens.Current(ctx, t.TenantID, t.Object)
		if err != nil {
			return nil, err
		}
		e.log.Debug("tuple write no-op", "tenant", t.TenantID, "tuple", t.String())
		return &WriteResult{Created: false, Token: token}, nil
	}

	if _, err := core.hierarchy.EnsureAncestry(ctx, t.TenantID, t.Object); err != nil {
		return nil, err
	}
	if core.namespaces.IsMembershipTuple(t) {
		if core.groups.Primed(t.TenantID) {
			core.groups.AddMembership(t)
		} else if err := core.groups.Rebuild(ctx, t.TenantID); err != nil {
			// Checks fall back to graph expansion until a rebuild lands.
			e.log.Warn("group index prime failed", "tenant", t.TenantID, "error", err.Error())
		}
	}

	touched := append([]ObjectRef{t.Object}, core.hierarchy.Ancestors(t.Object)...)
	versions, err := e.tokens.Bump(ctx, t.TenantID, touched)
	if err != nil {
		return nil, err
	}
	token := versions[0]
	e.caches.Invalidate(t.TenantID, touched, chainVersions(versions))

	e.log.Info("tuple written",
		"tenant", t.TenantID,
		"tuple", t.String(),
		"token", int(token),
	)
	return &WriteResult{Created: true, Token: token}, nil
}

// Delete removes one tuple and invalidates everything that could have been
// decided through it. Deleting an absent tuple is a no-op.
func (e *Engine) Delete(ctx context.Context, t *Tuple) (*DeleteResult, error) {
	core := e.core.Load()
	if err := e.validateTuple(core, t); err != nil {
		return nil, err
	}

	unlock := e.lockObject(t.TenantID, t.Object.Key())
	defer unlock()

	existed, err := e.tuples.Delete(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("%w: tuple delete %s: %v", ErrStorageUnavailable, t, err)
	}
	if !existed {
		token, err := e.tokens.Current(ctx, t.TenantID, t.Object)
		if err != nil {
			return nil, err
		}
		return &DeleteResult{Existed: false, Token: token}, nil
	}

	if core.namespaces.IsMembershipTuple(t) {
		core.groups.RemoveMembership(t)
	}
	touched := append([]ObjectRef{t.Object}, core.hierarchy.Ancestors(t.Object)...)
	if t.Relation != RelationParent {
		if _, err := core.hierarchy.PruneAncestry(ctx, t.TenantID, t.Object); err != nil {
			e.log.Warn("hierarchy prune failed", "tenant", t.TenantID, "object", t.Object.Key(), "error", err.Error())
		}
	}
	versions, err := e.tokens.Bump(ctx, t.TenantID, touched)
	if err != nil {
		return nil, err
	}
	token := versions[0]
	e.caches.Invalidate(t.TenantID, touched, chainVersions(versions))

	e.log.Info("tuple deleted",
		"tenant", t.TenantID,
		"tuple", t.String(),
		"token", int(token),
	)
	return &DeleteResult{Existed: true, Token: token}, nil
}

// RegisterObject materializes the hierarchy chain for an object without
// granting anything on it. Filesystem layers call this when a node is
// created, so inherited permissions apply before any explicit grant.
func (e *Engine) RegisterObject(ctx context.Context, tenantID string, object ObjectRef) (*WriteResult, error) {
	core := e.core.Load()
	if tenantID == "" {
		return nil, errors.New("rebac: tenant id required")
	}
	if _, ok := core.namespaces.Namespace(object.Type); !ok {
		return nil, fmt.Errorf("%w: unknown object type %q", ErrInvalidNamespace, object.Type)
	}

	unlock := e.lockObject(tenantID, object.Key())
	defer unlock()

	inserted, err := core.hierarchy.EnsureAncestry(ctx, tenantID, object)
	if err != nil {
		return nil, err
	}
	if inserted == 0 {
		token, err := e.tokens.Current(ctx, tenantID, object)
		if err != nil {
			return nil, err
		}
		return &WriteResult{Created: false, Token: token}, nil
	}
	touched := append([]ObjectRef{object}, core.hierarchy.Ancestors(object)...)
	versions, err := e.tokens.Bump(ctx, tenantID, touched)
	if err != nil {
		return nil, err
	}
	e.caches.Invalidate(tenantID, touched, chainVersions(versions))
	return &WriteResult{Created: true, Token: versions[0]}, nil
}

// Expand returns the contribution tree for relation on object: every rewrite
// branch and every stored tuple that feeds the userset.
func (e *Engine) Expand(ctx context.Context, tenantID, relation string, object ObjectRef) (*ContributionNode, error) {
	core := e.core.Load()
	if tenantID == "" {
		return nil, errors.New("rebac: tenant id required")
	}
	if object.TenantID != "" && object.TenantID != tenantID {
		e.log.Error("cross-tenant expand rejected", "tenant", tenantID, "object_tenant", object.TenantID, "object", object.Key())
		return nil, fmt.Errorf("%w: object pinned to %q", ErrCrossTenantAccess, object.TenantID)
	}
	if !core.namespaces.HasRelation(object.Type, relation) {
		return nil, fmt.Errorf("%w: unknown relation %q on %q", ErrInvalidNamespace, relation, object.Type)
	}
	ctx, cancel := context.WithTimeout(ctx, e.checkTimeout)
	defer cancel()
	st := newResolveState(tenantID, false)
	return core.checker.expand(ctx, st, relation, object, 0)
}

// ListTuples scans the tenant's stored tuples. Filters with a trailing *
// match by prefix, which is how subtree listings are done.
func (e *Engine) ListTuples(ctx context.Context, tenantID string, f TupleFilter) ([]*Tuple, error) {
	if tenantID == "" {
		return nil, errors.New("rebac: tenant id required")
	}
	tuples, err := e.tuples.Scan(ctx, tenantID, f)
	if err != nil {
		return nil, fmt.Errorf("%w: tuple scan: %v", ErrStorageUnavailable, err)
	}
	sort.Slice(tuples, func(i, j int) bool { return tuples[i].Key() < tuples[j].Key() })
	return tuples, nil
}

// RebuildGroupIndex recomputes the tenant's membership closure from storage.
func (e *Engine) RebuildGroupIndex(ctx context.Context, tenantID string) error {
	return e.core.Load().groups.Rebuild(ctx, tenantID)
}

// GroupIndex exposes the live index for diagnostics.
func (e *Engine) GroupIndex() *GroupIndex {
	return e.core.Load().groups
}

// OnInvalidate registers a callback fired whenever objects are invalidated
// in this process, including invalidations received from other instances.
func (e *Engine) OnInvalidate(fn InvalidateFunc) {
	e.caches.OnInvalidate(fn)
}

// GetAccessLog queries the decision audit store.
func (e *Engine) GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	if e.audit == nil {
		return nil, errors.New("rebac: no audit store configured")
	}
	return e.audit.GetAccessLog(ctx, filter)
}

// SweepExpired removes expired tuples now and invalidates state derived
// from them. The background sweeper calls this on its interval.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	core := e.core.Load()
	expired, err := e.tuples.DeleteExpired(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("%w: expiry sweep: %v", ErrStorageUnavailable, err)
	}
	if len(expired) == 0 {
		return 0, nil
	}
	byTenant := make(map[string][]ObjectRef)
	seen := make(map[string]bool)
	for _, t := range expired {
		if core.namespaces.IsMembershipTuple(t) {
			core.groups.RemoveMembership(t)
		}
		for _, obj := range append([]ObjectRef{t.Object}, core.hierarchy.Ancestors(t.Object)...) {
			k := t.TenantID + "|" + obj.Key()
			if !seen[k] {
				seen[k] = true
				byTenant[t.TenantID] = append(byTenant[t.TenantID], obj)
			}
		}
	}
	for tenant, objects := range byTenant {
		// The swept objects are not one chain, so floors advance to each
		// object's own new token; chain-version keys strand the rest.
		versions, err := e.tokens.Bump(ctx, tenant, objects)
		if err != nil {
			return len(expired), err
		}
		e.caches.Invalidate(tenant, objects, versions)
	}
	e.log.Info("expired tuples swept", "count", len(expired))
	return len(expired), nil
}

// Close stops the background workers and the cache coordinator.
func (e *Engine) Close() {
	select {
	case <-e.stopCh:
		return
	default:
		close(e.stopCh)
	}
	e.core.Load().groups.Close()
	e.caches.Close()
}

// ----------------------------------------------------------------------------
// internals
// ----------------------------------------------------------------------------

func (e *Engine) validateRequest(core *engineCore, req *CheckRequest) error {
	if req == nil || req.TenantID == "" {
		return errors.New("rebac: tenant id required")
	}
	if req.Subject.Object.TenantID != "" && req.Subject.Object.TenantID != req.TenantID {
		e.log.Error("cross-tenant check rejected", "tenant", req.TenantID, "subject_tenant", req.Subject.Object.TenantID, "subject", req.Subject.Key())
		return fmt.Errorf("%w: subject pinned to %q", ErrCrossTenantAccess, req.Subject.Object.TenantID)
	}
	if req.Object.TenantID != "" && req.Object.TenantID != req.TenantID {
		e.log.Error("cross-tenant check rejected", "tenant", req.TenantID, "object_tenant", req.Object.TenantID, "object", req.Object.Key())
		return fmt.Errorf("%w: object pinned to %q", ErrCrossTenantAccess, req.Object.TenantID)
	}
	if !core.namespaces.HasRelation(req.Object.Type, req.Relation) {
		return fmt.Errorf("%w: unknown relation %q on %q", ErrInvalidNamespace, req.Relation, req.Object.Type)
	}
	return nil
}

func (e *Engine) validateTuple(core *engineCore, t *Tuple) error {
	if t == nil || t.TenantID == "" {
		return errors.New("rebac: tenant id required")
	}
	if t.Subject.Object.TenantID != "" && t.Subject.Object.TenantID != t.TenantID {
		e.log.Error("cross-tenant write rejected", "tenant", t.TenantID, "subject_tenant", t.Subject.Object.TenantID, "tuple", t.String())
		return fmt.Errorf("%w: subject pinned to %q", ErrCrossTenantAccess, t.Subject.Object.TenantID)
	}
	if t.Object.TenantID != "" && t.Object.TenantID != t.TenantID {
		e.log.Error("cross-tenant write rejected", "tenant", t.TenantID, "object_tenant", t.Object.TenantID, "tuple", t.String())
		return fmt.Errorf("%w: object pinned to %q", ErrCrossTenantAccess, t.Object.TenantID)
	}
	if !core.namespaces.HasRelation(t.Object.Type, t.Relation) {
		return fmt.Errorf("%w: unknown relation %q on %q", ErrInvalidNamespace, t.Relation, t.Object.Type)
	}
	if t.Subject.IsUserset() && !core.namespaces.HasRelation(t.Subject.Object.Type, t.Subject.Relation) {
		return fmt.Errorf("%w: unknown relation %q on subject type %q", ErrInvalidNamespace, t.Subject.Relation, t.Subject.Object.Type)
	}
	return nil
}

// lockObject serializes writers touching the same object. Striping keeps the
// table small; unrelated objects sharing a stripe just queue briefly.
func (e *Engine) lockObject(tenantID, objectKey string) func() {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	h.Write([]byte{'|'})
	h.Write([]byte(objectKey))
	lock := &e.writeLocks[h.Sum32()%writeLockStripes]
	lock.Lock()
	return lock.Unlock
}

// auditDecision sends a value copy to the async audit channel, dropping when
// the channel is full rather than blocking the decision path.
func (e *Engine) auditDecision(req *CheckRequest, res *CheckResult, reason string) {
	if e.audit == nil {
		return
	}
	entry := AuditEntry{
		ID:        fmt.Sprintf("%d", time.Now().UnixNano()),
		Timestamp: time.Now(),
		TenantID:  req.TenantID,
		Subject:   req.Subject,
		Relation:  req.Relation,
		Object:    req.Object,
		Allowed:   res.Allowed,
		CacheHit:  res.CacheHit,
		Reason:    reason,
		EvalTime:  res.EvalTime,
	}
	select {
	case e.auditCh <- entry:
	default:
	}
}

func (e *Engine) auditWorker() {
	bg := context.Background()
	for {
		select {
		case entry := <-e.auditCh:
			if err := e.audit.LogDecision(bg, &entry); err != nil {
				e.log.Debug("audit write failed", "error", err.Error())
			}
		case <-e.stopCh:
			for {
				select {
				case entry := <-e.auditCh:
					_ = e.audit.LogDecision(bg, &entry)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) sweepWorker() {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := e.SweepExpired(context.Background()); err != nil {
				e.log.Warn("expiry sweep failed", "error", err.Error())
			}
		case <-e.stopCh:
			return
		}
	}
}
