package rebac

import "time"

// Builders provide a fluent API for creating Tuples, Namespaces and Configs

// TupleBuilder builds a Tuple
type TupleBuilder struct {
	t *Tuple
}

func NewTupleBuilder() *TupleBuilder {
	return &TupleBuilder{t: &Tuple{}}
}

func (b *TupleBuilder) Tenant(id string) *TupleBuilder { b.t.TenantID = id; return b }
func (b *TupleBuilder) Subject(objectType, id string) *TupleBuilder {
	b.t.Subject = NewSubject(objectType, id)
	return b
}
func (b *TupleBuilder) Userset(objectType, id, relation string) *TupleBuilder {
	b.t.Subject = NewUserset(objectType, id, relation)
	return b
}
func (b *TupleBuilder) Relation(r string) *TupleBuilder { b.t.Relation = r; return b }
func (b *TupleBuilder) Object(objectType, id string) *TupleBuilder {
	b.t.Object = NewObject(objectType, id)
	return b
}
func (b *TupleBuilder) ExpiresAt(t time.Time) *TupleBuilder { b.t.ExpiresAt = t; return b }
func (b *TupleBuilder) Build() *Tuple                       { return b.t }

// NamespaceBuilder builds a Namespace declaration
type NamespaceBuilder struct {
	ns *Namespace
}

func NewNamespaceBuilder(objectType string) *NamespaceBuilder {
	return &NamespaceBuilder{ns: &Namespace{Type: objectType, Relations: make(map[string]*Rewrite, 4)}}
}

func (b *NamespaceBuilder) Relation(name string, rw *Rewrite) *NamespaceBuilder {
	b.ns.Relations[name] = rw
	return b
}
func (b *NamespaceBuilder) Hierarchical() *NamespaceBuilder { b.ns.Hierarchical = true; return b }
func (b *NamespaceBuilder) MemberRelation(relation string) *NamespaceBuilder {
	b.ns.MemberRelation = relation
	return b
}
func (b *NamespaceBuilder) Build() *Namespace { return b.ns }

// ConfigBuilder provides fluent API for building configurations
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		cfg: &Config{
			Version:    1,
			Tenants:    []TenantConfig{},
			Namespaces: []NamespaceConfig{},
			Tuples:     []TupleSpec{},
		},
	}
}

func (b *ConfigBuilder) Version(v uint16) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

func (b *ConfigBuilder) AddTenant(id, name string) *ConfigBuilder {
	b.cfg.Tenants = append(b.cfg.Tenants, TenantConfig{ID: id, Name: name})
	return b
}

// AddNamespace renders the declaration to expression form so the resulting
// config round-trips through every format.
func (b *ConfigBuilder) AddNamespace(ns *Namespace) *ConfigBuilder {
	nc := NamespaceConfig{
		Type:           ns.Type,
		Relations:      make(map[string]string, len(ns.Relations)),
		Hierarchical:   ns.Hierarchical,
		MemberRelation: ns.MemberRelation,
	}
	for name, rw := range ns.Relations {
		nc.Relations[name] = rw.String()
	}
	b.cfg.Namespaces = append(b.cfg.Namespaces, nc)
	return b
}

func (b *ConfigBuilder) AddTuple(tenantID, subject, relation, object string) *ConfigBuilder {
	b.cfg.Tuples = append(b.cfg.Tuples, TupleSpec{TenantID: tenantID, Subject: subject, Relation: relation, Object: object})
	return b
}

func (b *ConfigBuilder) AddExpiringTuple(tenantID, subject, relation, object string, expiresAt time.Time) *ConfigBuilder {
	b.cfg.Tuples = append(b.cfg.Tuples, TupleSpec{TenantID: tenantID, Subject: subject, Relation: relation, Object: object, ExpiresAt: expiresAt.Unix()})
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}
