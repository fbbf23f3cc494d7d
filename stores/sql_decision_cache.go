package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oarkflow/rebac"
	"github.com/oarkflow/squealx"
)

// SQLDecisionCache is the durable decision cache tier: entries survive
// process restarts so a recycled instance serves warm decisions immediately.
// Entries are JSON blobs keyed by the full decision key and indexed by
// object for invalidation.
type SQLDecisionCache struct {
	db *squealx.DB
}

func NewSQLDecisionCache(db *squealx.DB) *SQLDecisionCache {
	return &SQLDecisionCache{db: db}
}

func (s *SQLDecisionCache) GetDecision(ctx context.Context, key rebac.DecisionKey) (*rebac.DecisionCacheEntry, bool, error) {
	q := `SELECT entry_json, expires_at FROM decision_cache WHERE cache_key = :cache_key`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"cache_key": key.String()})
	if err != nil {
		return nil, false, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, false, nil
	}
	var entryJSON string
	var expiresRaw interface{}
	if err := r.Scan(&entryJSON, &expiresRaw); err != nil {
		return nil, false, err
	}
	if deadline := scanTime(expiresRaw); !deadline.IsZero() && time.Now().After(deadline) {
		return nil, false, nil
	}
	entry := &rebac.DecisionCacheEntry{}
	if err := json.Unmarshal([]byte(entryJSON), entry); err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

func (s *SQLDecisionCache) SetDecision(ctx context.Context, key rebac.DecisionKey, e *rebac.DecisionCacheEntry, ttl time.Duration) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	q := `INSERT INTO decision_cache(cache_key, tenant_id, object_key, entry_json, expires_at) VALUES(:cache_key, :tenant_id, :object_key, :entry_json, :expires_at)
	ON CONFLICT(cache_key) DO UPDATE SET entry_json = excluded.entry_json, expires_at = excluded.expires_at`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"cache_key":  key.String(),
		"tenant_id":  key.TenantID,
		"object_key": key.ObjectKey,
		"entry_json": string(b),
		"expires_at": time.Now().Add(ttl),
	})
	return err
}

func (s *SQLDecisionCache) DeleteDecisions(ctx context.Context, tenantID string, objectKeys []string) error {
	q := `DELETE FROM decision_cache WHERE tenant_id = :tenant_id AND object_key = :object_key`
	for _, objectKey := range objectKeys {
		if _, err := s.db.NamedExecContext(ctx, q, map[string]any{"tenant_id": tenantID, "object_key": objectKey}); err != nil {
			return err
		}
	}
	return nil
}

// PruneExpired drops entries past their deadline. Run it periodically; the
// read path already treats expired rows as misses.
func (s *SQLDecisionCache) PruneExpired(ctx context.Context) (int64, error) {
	q := `DELETE FROM decision_cache WHERE expires_at <= :now`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"now": time.Now()})
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
