package rebac

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oarkflow/rebac/utils"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// WildcardID as a subject ID grants the relation to every concrete subject
// of that type.
const WildcardID = "*"

// ObjectRef identifies an entity that access is granted on, e.g. file:/ws/a.txt.
// TenantID is optional on the wire: when set it must match the request tenant,
// when empty the request tenant is assumed.
type ObjectRef struct {
	Type     string `json:"type" yaml:"type"`
	ID       string `json:"id" yaml:"id"`
	TenantID string `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
}

// Key returns the canonical type:id form.
func (o ObjectRef) Key() string {
	return o.Type + ":" + o.ID
}

func (o ObjectRef) IsZero() bool {
	return o.Type == "" && o.ID == ""
}

func (o ObjectRef) String() string { return o.Key() }

// SubjectRef identifies who holds a relation. A concrete subject leaves
// Relation empty (user:alice); a userset subject names a relation on another
// object (group:eng#member) and stands for every subject that holds that
// relation at evaluation time.
type SubjectRef struct {
	Object   ObjectRef `json:"object" yaml:"object"`
	Relation string    `json:"relation,omitempty" yaml:"relation,omitempty"`
}

// IsUserset reports whether the subject is an indirect set reference.
func (s SubjectRef) IsUserset() bool { return s.Relation != "" }

// Key returns type:id for concrete subjects and type:id#relation for usersets.
func (s SubjectRef) Key() string {
	if s.Relation == "" {
		return s.Object.Key()
	}
	return s.Object.Key() + "#" + s.Relation
}

func (s SubjectRef) String() string { return s.Key() }

// NewSubject builds a concrete subject reference.
func NewSubject(objectType, id string) SubjectRef {
	return SubjectRef{Object: ObjectRef{Type: objectType, ID: id}}
}

// NewUserset builds an indirect subject reference (every holder of relation
// on the given object).
func NewUserset(objectType, id, relation string) SubjectRef {
	return SubjectRef{Object: ObjectRef{Type: objectType, ID: id}, Relation: relation}
}

// NewObject builds an object reference.
func NewObject(objectType, id string) ObjectRef {
	return ObjectRef{Type: objectType, ID: id}
}

// Tuple is the unit of authorization state: subject holds relation on object
// within tenant. ExpiresAt zero means no expiry.
type Tuple struct {
	TenantID  string     `json:"tenant_id" yaml:"tenant_id"`
	Subject   SubjectRef `json:"subject" yaml:"subject"`
	Relation  string     `json:"relation" yaml:"relation"`
	Object    ObjectRef  `json:"object" yaml:"object"`
	ExpiresAt time.Time  `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// Key returns the identity of the tuple within its tenant. Two tuples with
// equal keys are the same grant; expiry and creation time do not participate.
func (t *Tuple) Key() string {
	return t.TenantID + "|" + t.Subject.Key() + "#" + t.Relation + "@" + t.Object.Key()
}

// IsExpired checks the tuple against the given instant.
func (t *Tuple) IsExpired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

func (t *Tuple) String() string {
	return fmt.Sprintf("%s#%s@%s", t.Subject.Key(), t.Relation, t.Object.Key())
}

// ParseObjectRef parses type:id. The id may itself contain colons or slashes
// (path ids such as file:/ws/proj/a.txt).
func ParseObjectRef(s string) (ObjectRef, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok || typ == "" || id == "" {
		return ObjectRef{}, fmt.Errorf("%w: malformed object %q", ErrInvalidNamespace, s)
	}
	return ObjectRef{Type: typ, ID: id}, nil
}

// ParseSubjectRef parses type:id or type:id#relation.
func ParseSubjectRef(s string) (SubjectRef, error) {
	base := s
	relation := ""
	if i := strings.LastIndex(s, "#"); i >= 0 {
		base, relation = s[:i], s[i+1:]
		if relation == "" {
			return SubjectRef{}, fmt.Errorf("%w: malformed subject %q", ErrInvalidNamespace, s)
		}
	}
	obj, err := ParseObjectRef(base)
	if err != nil {
		return SubjectRef{}, fmt.Errorf("%w: malformed subject %q", ErrInvalidNamespace, s)
	}
	return SubjectRef{Object: obj, Relation: relation}, nil
}

// TupleFilter narrows a tuple scan. Empty fields match anything; ObjectID
// and SubjectID take utils.MatchPattern patterns, so file:/ws/* style
// subtree listings work.
type TupleFilter struct {
	ObjectType      string
	ObjectID        string
	Relation        string
	SubjectType     string
	SubjectID       string
	SubjectRelation string
}

// Matches reports whether the tuple satisfies every set field.
func (f TupleFilter) Matches(t *Tuple) bool {
	if f.ObjectType != "" && f.ObjectType != t.Object.Type {
		return false
	}
	if f.ObjectID != "" && !utils.MatchPattern(t.Object.ID, f.ObjectID) {
		return false
	}
	if f.Relation != "" && f.Relation != t.Relation {
		return false
	}
	if f.SubjectType != "" && f.SubjectType != t.Subject.Object.Type {
		return false
	}
	if f.SubjectID != "" && !utils.MatchPattern(t.Subject.Object.ID, f.SubjectID) {
		return false
	}
	if f.SubjectRelation != "" && f.SubjectRelation != t.Subject.Relation {
		return false
	}
	return true
}

// ============================================================================
// STORAGE INTERFACES
// ============================================================================

// TupleStore persists relation tuples. Every implementation scopes reads and
// writes by the tuple's tenant; a scan can never observe another tenant's
// rows regardless of the filter passed in.
type TupleStore interface {
	// Insert stores the tuple and reports whether it was newly created.
	// Re-inserting an existing tuple is a no-op returning false.
	Insert(ctx context.Context, t *Tuple) (bool, error)
	// Delete removes the tuple and reports whether it existed.
	Delete(ctx context.Context, t *Tuple) (bool, error)
	// Exists probes for one exact tuple.
	Exists(ctx context.Context, t *Tuple) (bool, error)
	// Scan returns live tuples in tenantID matching the filter.
	Scan(ctx context.Context, tenantID string, f TupleFilter) ([]*Tuple, error)
	// DeleteExpired removes tuples whose expiry is at or before cutoff and
	// returns the removed tuples so callers can invalidate derived state.
	DeleteExpired(ctx context.Context, cutoff time.Time) ([]*Tuple, error)
}

// CounterStore persists fencing counters. Increment must be atomic: two
// concurrent increments on the same key observe distinct values.
type CounterStore interface {
	// Increment bumps the counter for (tenantID, objectKey) and returns the
	// new value. Missing counters start at zero, so the first call yields 1.
	Increment(ctx context.Context, tenantID, objectKey string) (uint64, error)
	// Current returns the counter value, zero when absent.
	Current(ctx context.Context, tenantID, objectKey string) (uint64, error)
}

// AuditStore records check decisions for later inspection.
type AuditStore interface {
	LogDecision(ctx context.Context, entry *AuditEntry) error
	GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

// AuditEntry is one recorded decision.
type AuditEntry struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	TenantID  string        `json:"tenant_id"`
	Subject   SubjectRef    `json:"subject"`
	Relation  string        `json:"relation"`
	Object    ObjectRef     `json:"object"`
	Allowed   bool          `json:"allowed"`
	CacheHit  bool          `json:"cache_hit"`
	Reason    string        `json:"reason,omitempty"`
	EvalTime  time.Duration `json:"eval_time"`
}

// AuditFilter for querying recorded decisions.
type AuditFilter struct {
	TenantID   string
	SubjectKey string
	ObjectKey  string
	Relation   string
	StartTime  time.Time
	EndTime    time.Time
	Limit      int
}

// ============================================================================
// REQUESTS AND RESULTS
// ============================================================================

// Consistency selects how a check may use cached decisions.
type Consistency int

const (
	// ConsistencyEventual serves from the decision caches when the cached
	// fencing token still matches the object's current token.
	ConsistencyEventual Consistency = iota
	// ConsistencyStrong bypasses decision caches and evaluates the graph.
	ConsistencyStrong
)

func (c Consistency) String() string {
	if c == ConsistencyStrong {
		return "strong"
	}
	return "eventual"
}

// CheckRequest asks whether subject holds relation on object within tenant.
type CheckRequest struct {
	TenantID    string      `json:"tenant_id"`
	Subject     SubjectRef  `json:"subject"`
	Relation    string      `json:"relation"`
	Object      ObjectRef   `json:"object"`
	Consistency Consistency `json:"consistency,omitempty"`
	// Trace collects a human-readable account of the traversal. It disables
	// cache writes for the request so the trace reflects a real evaluation.
	Trace bool `json:"trace,omitempty"`
}

// CheckResult is the engine's answer to a CheckRequest.
type CheckResult struct {
	Allowed   bool          `json:"allowed"`
	CacheHit  bool          `json:"cache_hit"`
	CacheTier string        `json:"cache_tier,omitempty"`
	Token     uint64        `json:"token,omitempty"`
	Trace     []string      `json:"trace,omitempty"`
	EvalTime  time.Duration `json:"eval_time"`
}
