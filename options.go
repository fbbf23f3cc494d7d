package rebac

import (
	"errors"
	"time"

	"github.com/oarkflow/rebac/logger"
)

// ============================================================================
// ENGINE OPTIONS
// ============================================================================

// EngineOption configures an Engine at construction time.
type EngineOption func(*engineOptions) error

type engineOptions struct {
	namespaces      *NamespaceSet
	audit           AuditStore
	log             logger.Logger
	checkTimeout    time.Duration
	maxDepth        int
	maxNodes        int
	cacheSize       int64
	cacheTTL        time.Duration
	provisionalTTL  time.Duration
	l2              SharedDecisionCache
	l3              SharedDecisionCache
	bus             InvalidationBus
	origin          string
	climbLimit      int
	rebuildInterval time.Duration
	sweepInterval   time.Duration
}

func defaultEngineOptions() *engineOptions {
	return &engineOptions{
		log:            logger.NewPhusluLogger(),
		checkTimeout:   DefaultCheckTimeout,
		maxDepth:       DefaultMaxDepth,
		maxNodes:       DefaultMaxNodes,
		cacheTTL:       DefaultCacheTTL,
		provisionalTTL: DefaultProvisionalTTL,
		climbLimit:     DefaultGroupClimbLimit,
		sweepInterval:  time.Minute,
	}
}

// WithLogger installs a Logger on the Engine via EngineOption.
func WithLogger(l logger.Logger) EngineOption {
	return func(o *engineOptions) error {
		if l == nil {
			return errors.New("rebac: nil logger")
		}
		o.log = l
		return nil
	}
}

// WithNamespaces replaces the default filesystem namespaces.
func WithNamespaces(set *NamespaceSet) EngineOption {
	return func(o *engineOptions) error {
		if set == nil {
			return errors.New("rebac: nil namespace set")
		}
		o.namespaces = set
		return nil
	}
}

// WithAuditStore enables async decision logging into the given store.
func WithAuditStore(s AuditStore) EngineOption {
	return func(o *engineOptions) error {
		o.audit = s
		return nil
	}
}

// WithCheckTimeout sets the per-check wall-clock budget.
func WithCheckTimeout(d time.Duration) EngineOption {
	return func(o *engineOptions) error {
		if d <= 0 {
			return errors.New("rebac: check timeout must be positive")
		}
		o.checkTimeout = d
		return nil
	}
}

// WithGraphLimits sets the recursion depth and visited-node budgets for one
// check. Zero keeps the default for that limit.
func WithGraphLimits(maxDepth, maxNodes int) EngineOption {
	return func(o *engineOptions) error {
		if maxDepth < 0 || maxNodes < 0 {
			return errors.New("rebac: graph limits must not be negative")
		}
		if maxDepth > 0 {
			o.maxDepth = maxDepth
		}
		if maxNodes > 0 {
			o.maxNodes = maxNodes
		}
		return nil
	}
}

// WithCacheSize bounds the process-local decision cache entry count.
func WithCacheSize(entries int64) EngineOption {
	return func(o *engineOptions) error {
		if entries < 0 {
			return errors.New("rebac: cache size must not be negative")
		}
		o.cacheSize = entries
		return nil
	}
}

// WithCacheTTLs sets how long stable and provisional decisions are served.
func WithCacheTTLs(ttl, provisional time.Duration) EngineOption {
	return func(o *engineOptions) error {
		if ttl <= 0 || provisional <= 0 {
			return errors.New("rebac: cache ttls must be positive")
		}
		o.cacheTTL = ttl
		o.provisionalTTL = provisional
		return nil
	}
}

// WithSharedCache attaches a cross-process decision cache tier, typically
// redis. If the tier also implements InvalidationBus it doubles as the
// invalidation transport unless WithInvalidationBus overrides it.
func WithSharedCache(c SharedDecisionCache) EngineOption {
	return func(o *engineOptions) error {
		o.l2 = c
		return nil
	}
}

// WithDurableCache attaches a database-backed decision cache tier that
// survives restarts.
func WithDurableCache(c SharedDecisionCache) EngineOption {
	return func(o *engineOptions) error {
		o.l3 = c
		return nil
	}
}

// WithInvalidationBus sets the transport for cross-instance invalidation
// events.
func WithInvalidationBus(b InvalidationBus) EngineOption {
	return func(o *engineOptions) error {
		o.bus = b
		return nil
	}
}

// WithOrigin names this engine instance on the invalidation bus so it can
// skip its own events.
func WithOrigin(id string) EngineOption {
	return func(o *engineOptions) error {
		o.origin = id
		return nil
	}
}

// WithGroupClimbLimit bounds how many groups one membership write may touch
// before the index is marked stale instead.
func WithGroupClimbLimit(n int) EngineOption {
	return func(o *engineOptions) error {
		if n <= 0 {
			return errors.New("rebac: group climb limit must be positive")
		}
		o.climbLimit = n
		return nil
	}
}

// WithGroupRebuildInterval enables periodic group index rebuilds for tenants
// marked stale. Zero disables the worker; stale tenants then fall back to
// graph expansion until an explicit rebuild.
func WithGroupRebuildInterval(d time.Duration) EngineOption {
	return func(o *engineOptions) error {
		if d < 0 {
			return errors.New("rebac: rebuild interval must not be negative")
		}
		o.rebuildInterval = d
		return nil
	}
}

// WithSweepInterval sets how often expired tuples are collected. Zero
// disables the sweeper.
func WithSweepInterval(d time.Duration) EngineOption {
	return func(o *engineOptions) error {
		if d < 0 {
			return errors.New("rebac: sweep interval must not be negative")
		}
		o.sweepInterval = d
		return nil
	}
}

// WithConfig applies the engine section of a loaded Config. Tenants, tuples
// and namespaces in the config are applied separately, through ApplyConfig.
func WithConfig(cfg *Config) EngineOption {
	return func(o *engineOptions) error {
		if cfg == nil {
			return errors.New("rebac: nil config")
		}
		ec := cfg.Engine
		if ec.CheckTimeout > 0 {
			o.checkTimeout = time.Duration(ec.CheckTimeout) * time.Millisecond
		}
		if ec.MaxDepth > 0 {
			o.maxDepth = ec.MaxDepth
		}
		if ec.MaxNodes > 0 {
			o.maxNodes = ec.MaxNodes
		}
		if ec.CacheMaxEntries > 0 {
			o.cacheSize = ec.CacheMaxEntries
		}
		if ec.CacheTTL > 0 {
			o.cacheTTL = time.Duration(ec.CacheTTL) * time.Millisecond
		}
		if ec.ProvisionalTTL > 0 {
			o.provisionalTTL = time.Duration(ec.ProvisionalTTL) * time.Millisecond
		}
		if ec.GroupClimbLimit > 0 {
			o.climbLimit = ec.GroupClimbLimit
		}
		if ec.RebuildInterval > 0 {
			o.rebuildInterval = time.Duration(ec.RebuildInterval) * time.Millisecond
		}
		if ec.SweepInterval > 0 {
			o.sweepInterval = time.Duration(ec.SweepInterval) * time.Millisecond
		}
		return nil
	}
}
