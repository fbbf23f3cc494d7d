package stores

import (
	"context"
	"time"

	"github.com/oarkflow/rebac"
	"github.com/oarkflow/squealx"
)

// SQLAuditStore persists check decisions in SQL.
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) (*SQLAuditStore, error) {
	return &SQLAuditStore{db: db}, nil
}

func (s *SQLAuditStore) LogDecision(ctx context.Context, entry *rebac.AuditEntry) error {
	q := `INSERT INTO audit_log(id, timestamp, tenant_id, subject_key, relation, object_key, allowed, cache_hit, reason, eval_ns) VALUES(:id, :timestamp, :tenant_id, :subject_key, :relation, :object_key, :allowed, :cache_hit, :reason, :eval_ns)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":          entry.ID,
		"timestamp":   entry.Timestamp,
		"tenant_id":   entry.TenantID,
		"subject_key": entry.Subject.Key(),
		"relation":    entry.Relation,
		"object_key":  entry.Object.Key(),
		"allowed":     boolToInt(entry.Allowed),
		"cache_hit":   boolToInt(entry.CacheHit),
		"reason":      entry.Reason,
		"eval_ns":     int64(entry.EvalTime),
	})
	return err
}

func (s *SQLAuditStore) GetAccessLog(ctx context.Context, filter rebac.AuditFilter) ([]*rebac.AuditEntry, error) {
	q := `SELECT id, timestamp, tenant_id, subject_key, relation, object_key, allowed, cache_hit, reason, eval_ns FROM audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.TenantID != "" {
		q += " AND tenant_id = :tenant_id"
		params["tenant_id"] = filter.TenantID
	}
	if filter.SubjectKey != "" {
		q += " AND subject_key = :subject_key"
		params["subject_key"] = filter.SubjectKey
	}
	if filter.ObjectKey != "" {
		q += " AND object_key = :object_key"
		params["object_key"] = filter.ObjectKey
	}
	if filter.Relation != "" {
		q += " AND relation = :relation"
		params["relation"] = filter.Relation
	}
	if !filter.StartTime.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = filter.StartTime
	}
	if !filter.EndTime.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = filter.EndTime
	}
	q += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rebac.AuditEntry, 0)
	for r.Next() {
		var id, tenant, subjectKey, relation, objectKey, reason string
		var timestampRaw interface{}
		var allowedInt, cacheHitInt int
		var evalNS int64
		if err := r.Scan(&id, &timestampRaw, &tenant, &subjectKey, &relation, &objectKey, &allowedInt, &cacheHitInt, &reason, &evalNS); err != nil {
			return nil, err
		}
		entry := &rebac.AuditEntry{
			ID:       id,
			TenantID: tenant,
			Relation: relation,
			Allowed:  allowedInt != 0,
			CacheHit: cacheHitInt != 0,
			Reason:   reason,
			EvalTime: time.Duration(evalNS),
		}
		entry.Timestamp = scanTime(timestampRaw)
		if sub, err := rebac.ParseSubjectRef(subjectKey); err == nil {
			entry.Subject = sub
		}
		if obj, err := rebac.ParseObjectRef(objectKey); err == nil {
			entry.Object = obj
		}
		out = append(out, entry)
	}
	return out, nil
}
