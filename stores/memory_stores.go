package stores

import (
	"context"
	"sync"
	"time"

	"github.com/oarkflow/rebac"
)

// MemoryTupleStore implements tuple persistence in-memory for testing and
// single-process deployments.
type MemoryTupleStore struct {
	mu      sync.RWMutex
	tenants map[string]map[string]*rebac.Tuple
}

func NewMemoryTupleStore() *MemoryTupleStore {
	return &MemoryTupleStore{tenants: make(map[string]map[string]*rebac.Tuple)}
}

func (s *MemoryTupleStore) Insert(ctx context.Context, t *rebac.Tuple) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.tenants[t.TenantID]
	if m == nil {
		m = make(map[string]*rebac.Tuple)
		s.tenants[t.TenantID] = m
	}
	key := t.Key()
	if existing, ok := m[key]; ok && !existing.IsExpired(time.Now()) {
		return false, nil
	}
	cp := *t
	m[key] = &cp
	return true, nil
}

func (s *MemoryTupleStore) Delete(ctx context.Context, t *rebac.Tuple) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.tenants[t.TenantID]
	if m == nil {
		return false, nil
	}
	key := t.Key()
	existing, ok := m[key]
	if !ok {
		return false, nil
	}
	delete(m, key)
	return !existing.IsExpired(time.Now()), nil
}

func (s *MemoryTupleStore) Exists(ctx context.Context, t *rebac.Tuple) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.tenants[t.TenantID]
	if m == nil {
		return false, nil
	}
	existing, ok := m[t.Key()]
	return ok && !existing.IsExpired(time.Now()), nil
}

func (s *MemoryTupleStore) Scan(ctx context.Context, tenantID string, f rebac.TupleFilter) ([]*rebac.Tuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.tenants[tenantID]
	if m == nil {
		return nil, nil
	}
	now := time.Now()
	out := make([]*rebac.Tuple, 0)
	for _, t := range m {
		if t.IsExpired(now) || !f.Matches(t) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryTupleStore) DeleteExpired(ctx context.Context, cutoff time.Time) ([]*rebac.Tuple, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := make([]*rebac.Tuple, 0)
	for _, m := range s.tenants {
		for key, t := range m {
			if t.ExpiresAt.IsZero() || t.ExpiresAt.After(cutoff) {
				continue
			}
			cp := *t
			removed = append(removed, &cp)
			delete(m, key)
		}
	}
	return removed, nil
}

// Len reports the live tuple count for the tenant.
func (s *MemoryTupleStore) Len(tenantID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	n := 0
	for _, t := range s.tenants[tenantID] {
		if !t.IsExpired(now) {
			n++
		}
	}
	return n
}

// MemoryCounterStore implements fencing counters in-memory.
type MemoryCounterStore struct {
	mu       sync.RWMutex
	counters map[string]uint64
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counters: make(map[string]uint64)}
}

func counterKey(tenantID, objectKey string) string {
	return tenantID + "|" + objectKey
}

func (s *MemoryCounterStore) Increment(ctx context.Context, tenantID, objectKey string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := counterKey(tenantID, objectKey)
	s.counters[key]++
	return s.counters[key], nil
}

func (s *MemoryCounterStore) Current(ctx context.Context, tenantID, objectKey string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[counterKey(tenantID, objectKey)], nil
}

// MemoryAuditStore implements in-memory decision logging.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*rebac.AuditEntry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{entries: make([]*rebac.AuditEntry, 0)}
}

func (s *MemoryAuditStore) LogDecision(ctx context.Context, entry *rebac.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *MemoryAuditStore) GetAccessLog(ctx context.Context, filter rebac.AuditFilter) ([]*rebac.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*rebac.AuditEntry, 0)
	for _, entry := range s.entries {
		if filter.TenantID != "" && entry.TenantID != filter.TenantID {
			continue
		}
		if filter.SubjectKey != "" && entry.Subject.Key() != filter.SubjectKey {
			continue
		}
		if filter.ObjectKey != "" && entry.Object.Key() != filter.ObjectKey {
			continue
		}
		if filter.Relation != "" && entry.Relation != filter.Relation {
			continue
		}
		if !filter.StartTime.IsZero() && entry.Timestamp.Before(filter.StartTime) {
			continue
		}
		if !filter.EndTime.IsZero() && entry.Timestamp.After(filter.EndTime) {
			continue
		}
		result = append(result, entry)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

type memoryCacheEntry struct {
	entry    rebac.DecisionCacheEntry
	deadline time.Time
}

// MemorySharedCache implements the shared decision cache interface in-memory,
// standing in for the redis or SQL tiers in tests.
type MemorySharedCache struct {
	mu       sync.RWMutex
	entries  map[string]memoryCacheEntry
	byObject map[string]map[string]bool
}

func NewMemorySharedCache() *MemorySharedCache {
	return &MemorySharedCache{
		entries:  make(map[string]memoryCacheEntry),
		byObject: make(map[string]map[string]bool),
	}
}

func (c *MemorySharedCache) GetDecision(ctx context.Context, key rebac.DecisionKey) (*rebac.DecisionCacheEntry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stored, ok := c.entries[key.String()]
	if !ok || time.Now().After(stored.deadline) {
		return nil, false, nil
	}
	cp := stored.entry
	return &cp, true, nil
}

func (c *MemorySharedCache) SetDecision(ctx context.Context, key rebac.DecisionKey, e *rebac.DecisionCacheEntry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ks := key.String()
	c.entries[ks] = memoryCacheEntry{entry: *e, deadline: time.Now().Add(ttl)}
	objKey := counterKey(key.TenantID, key.ObjectKey)
	if c.byObject[objKey] == nil {
		c.byObject[objKey] = make(map[string]bool)
	}
	c.byObject[objKey][ks] = true
	return nil
}

func (c *MemorySharedCache) DeleteDecisions(ctx context.Context, tenantID string, objectKeys []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, objectKey := range objectKeys {
		objKey := counterKey(tenantID, objectKey)
		for ks := range c.byObject[objKey] {
			delete(c.entries, ks)
		}
		delete(c.byObject, objKey)
	}
	return nil
}

// Len reports the live entry count.
func (c *MemorySharedCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now()
	n := 0
	for _, stored := range c.entries {
		if now.Before(stored.deadline) {
			n++
		}
	}
	return n
}

// MemoryInvalidationBus fans invalidation events out to in-process
// subscribers, standing in for the redis pub/sub bus in tests.
type MemoryInvalidationBus struct {
	mu   sync.RWMutex
	subs map[int]func(rebac.InvalidationEvent)
	next int
}

func NewMemoryInvalidationBus() *MemoryInvalidationBus {
	return &MemoryInvalidationBus{subs: make(map[int]func(rebac.InvalidationEvent))}
}

func (b *MemoryInvalidationBus) PublishInvalidation(ctx context.Context, ev rebac.InvalidationEvent) error {
	b.mu.RLock()
	fns := make([]func(rebac.InvalidationEvent), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
	return nil
}

func (b *MemoryInvalidationBus) SubscribeInvalidations(ctx context.Context, fn func(rebac.InvalidationEvent)) (func(), error) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}
