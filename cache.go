package rebac

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/oarkflow/rebac/logger"
)

// ============================================================================
// DECISION CACHE
// ============================================================================

const (
	// DefaultCacheTTL bounds how long a stable decision may be served.
	DefaultCacheTTL = 10 * time.Second
	// DefaultProvisionalTTL applies to decisions whose object moved under
	// them mid-evaluation; they expire fast instead of being trusted.
	DefaultProvisionalTTL = time.Second
)

// DecisionKey identifies one cached check outcome. The chain version (the
// object's fencing token summed with its ancestors') is part of the
// identity: a write anywhere on the object's path mints a new version and
// strands every entry computed under the old one, descendants included.
type DecisionKey struct {
	TenantID   string
	SubjectKey string
	Relation   string
	ObjectKey  string
	Token      uint64
}

func (k DecisionKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s|%d", k.TenantID, k.SubjectKey, k.Relation, k.ObjectKey, k.Token)
}

// DecisionCacheEntry is the cached outcome.
type DecisionCacheEntry struct {
	Allowed     bool      `json:"allowed"`
	Token       uint64    `json:"token"`
	Provisional bool      `json:"provisional"`
	CachedAt    time.Time `json:"cached_at"`
}

// SharedDecisionCache is a cache tier that outlives or spans processes.
// Tier errors are absorbed by the coordinator: a broken tier degrades to a
// miss, never to a failed check.
type SharedDecisionCache interface {
	GetDecision(ctx context.Context, key DecisionKey) (*DecisionCacheEntry, bool, error)
	SetDecision(ctx context.Context, key DecisionKey, e *DecisionCacheEntry, ttl time.Duration) error
	// DeleteDecisions drops every entry for the given objects in the tenant.
	DeleteDecisions(ctx context.Context, tenantID string, objectKeys []string) error
}

// InvalidationEvent tells other processes that objects changed and under
// which tokens, so their local floors advance without waiting for TTLs.
// Tokens is parallel to Objects; Token carries the written object's value
// for consumers that only track one.
type InvalidationEvent struct {
	TenantID string   `json:"tenant_id"`
	Objects  []string `json:"objects"`
	Token    uint64   `json:"token"`
	Tokens   []uint64 `json:"tokens,omitempty"`
	Origin   string   `json:"origin,omitempty"`
}

// InvalidationBus fans invalidation events out across engine instances.
// The redis tier implements it over pub/sub.
type InvalidationBus interface {
	PublishInvalidation(ctx context.Context, ev InvalidationEvent) error
	SubscribeInvalidations(ctx context.Context, fn func(InvalidationEvent)) (stop func(), err error)
}

// InvalidateFunc is the hook external caches (path resolution, directory
// listings) register to hear about object invalidations in this process.
type InvalidateFunc func(tenantID string, objects []ObjectRef)

type cacheTask struct {
	set        bool
	key        DecisionKey
	entry      *DecisionCacheEntry
	ttl        time.Duration
	tenantID   string
	objectKeys []string
	tokens     []uint64
}

// CacheCoordinator layers the decision caches: a process-local ristretto
// tier consulted synchronously, then optional shared and durable tiers.
// Population and remote invalidation run on a background worker; only the
// local tier is touched synchronously, which is what read-your-writes needs.
type CacheCoordinator struct {
	l1     *ristretto.Cache
	l2     SharedDecisionCache
	l3     SharedDecisionCache
	bus    InvalidationBus
	origin string

	floors sync.Map // tenant|objectKey -> uint64 minimum acceptable token

	subsMu sync.RWMutex
	subs   []InvalidateFunc

	ttlMu          sync.RWMutex
	ttl            time.Duration
	provisionalTTL time.Duration
	log            logger.Logger

	taskCh  chan cacheTask
	stopCh  chan struct{}
	busStop func()
}

// CacheCoordinatorConfig carries construction knobs; zero values fall back
// to defaults.
type CacheCoordinatorConfig struct {
	L1MaxEntries   int64
	L2             SharedDecisionCache
	L3             SharedDecisionCache
	Bus            InvalidationBus
	Origin         string
	TTL            time.Duration
	ProvisionalTTL time.Duration
	Logger         logger.Logger
}

func NewCacheCoordinator(cfg CacheCoordinatorConfig) (*CacheCoordinator, error) {
	if cfg.L1MaxEntries <= 0 {
		cfg.L1MaxEntries = 100_000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.ProvisionalTTL <= 0 {
		cfg.ProvisionalTTL = DefaultProvisionalTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNullLogger()
	}
	l1, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.L1MaxEntries * 10,
		MaxCost:     cfg.L1MaxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("decision cache init: %w", err)
	}
	c := &CacheCoordinator{
		l1:             l1,
		l2:             cfg.L2,
		l3:             cfg.L3,
		bus:            cfg.Bus,
		origin:         cfg.Origin,
		ttl:            cfg.TTL,
		provisionalTTL: cfg.ProvisionalTTL,
		log:            cfg.Logger,
		taskCh:         make(chan cacheTask, 1024),
		stopCh:         make(chan struct{}),
	}
	if c.bus == nil {
		if bus, ok := cfg.L2.(InvalidationBus); ok {
			c.bus = bus
		}
	}
	go c.worker()
	if c.bus != nil {
		stop, err := c.bus.SubscribeInvalidations(context.Background(), c.applyRemote)
		if err != nil {
			c.log.Warn("invalidation subscribe failed", "error", err.Error())
		} else {
			c.busStop = stop
		}
	}
	return c, nil
}

// Lookup walks the tiers for the exact key. Hits in lower tiers are promoted
// upward. The returned tier is "l1", "l2" or "l3".
func (c *CacheCoordinator) Lookup(ctx context.Context, key DecisionKey) (*DecisionCacheEntry, string, bool) {
	if floor, ok := c.floors.Load(floorKey(key.TenantID, key.ObjectKey)); ok {
		if key.Token < floor.(uint64) {
			c.log.Debug("decision cache floor reject", "key", key.ObjectKey, "error", errStaleCache.Error())
			return nil, "", false
		}
	}
	ks := key.String()
	if v, ok := c.l1.Get(ks); ok {
		if e, ok := v.(*DecisionCacheEntry); ok {
			return e, "l1", true
		}
	}
	if c.l2 != nil {
		e, ok, err := c.l2.GetDecision(ctx, key)
		if err != nil {
			c.log.Debug("decision cache l2 get failed", "error", err.Error())
		} else if ok {
			c.setL1(ks, e)
			return e, "l2", true
		}
	}
	if c.l3 != nil {
		e, ok, err := c.l3.GetDecision(ctx, key)
		if err != nil {
			c.log.Debug("decision cache l3 get failed", "error", err.Error())
		} else if ok {
			c.setL1(ks, e)
			if c.l2 != nil {
				c.enqueue(cacheTask{set: true, key: key, entry: e, ttl: c.entryTTL(e)})
			}
			return e, "l3", true
		}
	}
	return nil, "", false
}

// Store records a freshly evaluated decision: local tier synchronously,
// shared tiers via the worker.
func (c *CacheCoordinator) Store(key DecisionKey, entry *DecisionCacheEntry) {
	ttl := c.entryTTL(entry)
	c.setL1(key.String(), entry)
	if c.l2 != nil || c.l3 != nil {
		c.enqueue(cacheTask{set: true, key: key, entry: entry, ttl: ttl})
	}
}

// Invalidate is called inside the write path, after the fencing bump, with
// the written object and its ancestors plus each one's new token (its chain
// version for chain invalidations). The local floors move synchronously
// before the write returns; shared-tier deletion and the cross-process
// event go through the worker.
func (c *CacheCoordinator) Invalidate(tenantID string, objects []ObjectRef, tokens []uint64) {
	keys := make([]string, 0, len(objects))
	for i, obj := range objects {
		keys = append(keys, obj.Key())
		if i < len(tokens) {
			c.raiseFloor(tenantID, obj.Key(), tokens[i])
		}
	}
	c.notify(tenantID, objects)
	if c.l2 != nil || c.l3 != nil || c.bus != nil {
		c.enqueue(cacheTask{tenantID: tenantID, objectKeys: keys, tokens: tokens})
	}
}

// OnInvalidate registers a local subscriber. Callbacks run synchronously on
// the writing goroutine and must be fast.
func (c *CacheCoordinator) OnInvalidate(fn InvalidateFunc) {
	if fn == nil {
		return
	}
	c.subsMu.Lock()
	c.subs = append(c.subs, fn)
	c.subsMu.Unlock()
}

// FlushLocal drops the whole local tier. Used when namespaces reload.
func (c *CacheCoordinator) FlushLocal() {
	c.l1.Clear()
}

// Wait drains the local tier's ingestion buffer; test helper.
func (c *CacheCoordinator) Wait() {
	c.l1.Wait()
}

func (c *CacheCoordinator) Close() {
	select {
	case <-c.stopCh:
		return
	default:
		close(c.stopCh)
	}
	if c.busStop != nil {
		c.busStop()
	}
	c.l1.Close()
}

func (c *CacheCoordinator) setL1(ks string, e *DecisionCacheEntry) {
	c.l1.SetWithTTL(ks, e, 1, c.entryTTL(e))
}

func (c *CacheCoordinator) entryTTL(e *DecisionCacheEntry) time.Duration {
	c.ttlMu.RLock()
	defer c.ttlMu.RUnlock()
	if e.Provisional {
		return c.provisionalTTL
	}
	return c.ttl
}

// SetTTLs adjusts the decision TTLs at runtime. Zero keeps the current
// value. Entries already cached keep the TTL they were stored under.
func (c *CacheCoordinator) SetTTLs(ttl, provisional time.Duration) {
	c.ttlMu.Lock()
	defer c.ttlMu.Unlock()
	if ttl > 0 {
		c.ttl = ttl
	}
	if provisional > 0 {
		c.provisionalTTL = provisional
	}
}

func (c *CacheCoordinator) raiseFloor(tenantID, objectKey string, token uint64) {
	fk := floorKey(tenantID, objectKey)
	for {
		cur, loaded := c.floors.LoadOrStore(fk, token)
		if !loaded || cur.(uint64) >= token {
			return
		}
		if c.floors.CompareAndSwap(fk, cur, token) {
			return
		}
	}
}

func (c *CacheCoordinator) notify(tenantID string, objects []ObjectRef) {
	c.subsMu.RLock()
	subs := c.subs
	c.subsMu.RUnlock()
	for _, fn := range subs {
		fn(tenantID, objects)
	}
}

// enqueue hands a task to the worker without blocking the caller. Dropped
// tasks are safe: entries are token-keyed, so missing a remote delete only
// leaves garbage that TTLs collect.
func (c *CacheCoordinator) enqueue(t cacheTask) {
	select {
	case c.taskCh <- t:
	default:
		c.log.Debug("decision cache task dropped", "set", t.set)
	}
}

func (c *CacheCoordinator) worker() {
	bg := context.Background()
	for {
		select {
		case t := <-c.taskCh:
			if t.set {
				c.applySet(bg, t)
			} else {
				c.applyInvalidate(bg, t)
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *CacheCoordinator) applySet(ctx context.Context, t cacheTask) {
	if c.l2 != nil {
		if err := c.l2.SetDecision(ctx, t.key, t.entry, t.ttl); err != nil {
			c.log.Debug("decision cache l2 set failed", "error", err.Error())
		}
	}
	if c.l3 != nil {
		if err := c.l3.SetDecision(ctx, t.key, t.entry, t.ttl); err != nil {
			c.log.Debug("decision cache l3 set failed", "error", err.Error())
		}
	}
}

func (c *CacheCoordinator) applyInvalidate(ctx context.Context, t cacheTask) {
	if c.l2 != nil {
		if err := c.l2.DeleteDecisions(ctx, t.tenantID, t.objectKeys); err != nil {
			c.log.Debug("decision cache l2 delete failed", "error", err.Error())
		}
	}
	if c.l3 != nil {
		if err := c.l3.DeleteDecisions(ctx, t.tenantID, t.objectKeys); err != nil {
			c.log.Debug("decision cache l3 delete failed", "error", err.Error())
		}
	}
	if c.bus != nil {
		var first uint64
		if len(t.tokens) > 0 {
			first = t.tokens[0]
		}
		ev := InvalidationEvent{TenantID: t.tenantID, Objects: t.objectKeys, Token: first, Tokens: t.tokens, Origin: c.origin}
		if err := c.bus.PublishInvalidation(ctx, ev); err != nil {
			c.log.Debug("invalidation publish failed", "error", err.Error())
		}
	}
}

// applyRemote folds an event from another process into the local floors.
func (c *CacheCoordinator) applyRemote(ev InvalidationEvent) {
	if ev.Origin != "" && ev.Origin == c.origin {
		return
	}
	objects := make([]ObjectRef, 0, len(ev.Objects))
	for i, key := range ev.Objects {
		token := ev.Token
		if i < len(ev.Tokens) {
			token = ev.Tokens[i]
		}
		c.raiseFloor(ev.TenantID, key, token)
		if obj, err := ParseObjectRef(key); err == nil {
			objects = append(objects, obj)
		}
	}
	c.notify(ev.TenantID, objects)
}

func floorKey(tenantID, objectKey string) string {
	return tenantID + "|" + objectKey
}
