package stores

import (
	"context"
	"strings"
	"time"

	"github.com/oarkflow/rebac"
	"github.com/oarkflow/squealx"
)

// SQLTupleStore persists relation tuples in SQL (squealx).
type SQLTupleStore struct {
	db *squealx.DB
}

func NewSQLTupleStore(db *squealx.DB) *SQLTupleStore {
	return &SQLTupleStore{db: db}
}

func tupleParams(t *rebac.Tuple) map[string]any {
	return map[string]any{
		"tenant_id":        t.TenantID,
		"object_type":      t.Object.Type,
		"object_id":        t.Object.ID,
		"relation":         t.Relation,
		"subject_type":     t.Subject.Object.Type,
		"subject_id":       t.Subject.Object.ID,
		"subject_relation": t.Subject.Relation,
	}
}

func (s *SQLTupleStore) Insert(ctx context.Context, t *rebac.Tuple) (bool, error) {
	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	// The conflict arm revives rows whose grant already expired; a live
	// duplicate touches nothing, so RowsAffected distinguishes the cases.
	q := `INSERT INTO tuples(tenant_id, object_type, object_id, relation, subject_type, subject_id, subject_relation, expires_at, created_at)
	VALUES(:tenant_id, :object_type, :object_id, :relation, :subject_type, :subject_id, :subject_relation, :expires_at, :created_at)
	ON CONFLICT(tenant_id, object_type, object_id, relation, subject_type, subject_id, subject_relation)
	DO UPDATE SET expires_at = excluded.expires_at, created_at = excluded.created_at
	WHERE tuples.expires_at IS NOT NULL AND tuples.expires_at <= :now`
	params := tupleParams(t)
	params["expires_at"] = sqlNullTimeOrNil(t.ExpiresAt)
	params["created_at"] = created
	params["now"] = time.Now()
	res, err := s.db.NamedExecContext(ctx, q, params)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLTupleStore) Delete(ctx context.Context, t *rebac.Tuple) (bool, error) {
	q := `DELETE FROM tuples WHERE tenant_id = :tenant_id AND object_type = :object_type AND object_id = :object_id AND relation = :relation AND subject_type = :subject_type AND subject_id = :subject_id AND subject_relation = :subject_relation AND (expires_at IS NULL OR expires_at > :now)`
	params := tupleParams(t)
	params["now"] = time.Now()
	res, err := s.db.NamedExecContext(ctx, q, params)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLTupleStore) Exists(ctx context.Context, t *rebac.Tuple) (bool, error) {
	q := `SELECT 1 FROM tuples WHERE tenant_id = :tenant_id AND object_type = :object_type AND object_id = :object_id AND relation = :relation AND subject_type = :subject_type AND subject_id = :subject_id AND subject_relation = :subject_relation AND (expires_at IS NULL OR expires_at > :now) LIMIT 1`
	params := tupleParams(t)
	params["now"] = time.Now()
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return false, err
	}
	defer r.Close()
	return r.Next(), nil
}

func (s *SQLTupleStore) Scan(ctx context.Context, tenantID string, f rebac.TupleFilter) ([]*rebac.Tuple, error) {
	q := `SELECT tenant_id, object_type, object_id, relation, subject_type, subject_id, subject_relation, expires_at, created_at FROM tuples WHERE tenant_id = :tenant_id AND (expires_at IS NULL OR expires_at > :now)`
	params := map[string]any{"tenant_id": tenantID, "now": time.Now()}
	if f.ObjectType != "" {
		q += " AND object_type = :object_type"
		params["object_type"] = f.ObjectType
	}
	if exact(f.ObjectID) {
		q += " AND object_id = :object_id"
		params["object_id"] = f.ObjectID
	}
	if f.Relation != "" {
		q += " AND relation = :relation"
		params["relation"] = f.Relation
	}
	if f.SubjectType != "" {
		q += " AND subject_type = :subject_type"
		params["subject_type"] = f.SubjectType
	}
	if exact(f.SubjectID) {
		q += " AND subject_id = :subject_id"
		params["subject_id"] = f.SubjectID
	}
	if f.SubjectRelation != "" {
		q += " AND subject_relation = :subject_relation"
		params["subject_relation"] = f.SubjectRelation
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rebac.Tuple, 0)
	for r.Next() {
		t, err := scanTuple(r)
		if err != nil {
			return nil, err
		}
		// Pattern-valued id filters are applied here; exact ones already
		// narrowed the query.
		if !f.Matches(t) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *SQLTupleStore) DeleteExpired(ctx context.Context, cutoff time.Time) ([]*rebac.Tuple, error) {
	q := `SELECT tenant_id, object_type, object_id, relation, subject_type, subject_id, subject_relation, expires_at, created_at FROM tuples WHERE expires_at IS NOT NULL AND expires_at <= :cutoff`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"cutoff": cutoff})
	if err != nil {
		return nil, err
	}
	expired := make([]*rebac.Tuple, 0)
	for r.Next() {
		t, err := scanTuple(r)
		if err != nil {
			r.Close()
			return nil, err
		}
		expired = append(expired, t)
	}
	r.Close()
	if len(expired) == 0 {
		return nil, nil
	}
	del := `DELETE FROM tuples WHERE expires_at IS NOT NULL AND expires_at <= :cutoff`
	if _, err := s.db.NamedExecContext(ctx, del, map[string]any{"cutoff": cutoff}); err != nil {
		return nil, err
	}
	return expired, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTuple(r rowScanner) (*rebac.Tuple, error) {
	var tenant, objType, objID, relation, subType, subID, subRel string
	var expiresRaw, createdRaw interface{}
	if err := r.Scan(&tenant, &objType, &objID, &relation, &subType, &subID, &subRel, &expiresRaw, &createdRaw); err != nil {
		return nil, err
	}
	t := &rebac.Tuple{
		TenantID: tenant,
		Subject:  rebac.SubjectRef{Object: rebac.ObjectRef{Type: subType, ID: subID}, Relation: subRel},
		Relation: relation,
		Object:   rebac.ObjectRef{Type: objType, ID: objID},
	}
	if expiresRaw != nil {
		t.ExpiresAt = scanTime(expiresRaw)
	}
	if createdRaw != nil {
		t.CreatedAt = scanTime(createdRaw)
	}
	return t, nil
}

// exact reports whether the filter value is literal, i.e. free of the
// wildcard and parameter markers MatchPattern interprets.
func exact(v string) bool {
	return v != "" && !strings.ContainsAny(v, "*:")
}
