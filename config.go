package rebac

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// DECLARATIVE CONFIGURATION
// ============================================================================

// Config represents a complete declarative engine setup: tenants, namespace
// declarations, seed tuples and engine tunables. It round-trips through
// YAML, JSON, the relation DSL and the binary protocol.
type Config struct {
	Version    uint16            `json:"version" yaml:"version"`
	Tenants    []TenantConfig    `json:"tenants,omitempty" yaml:"tenants,omitempty"`
	Namespaces []NamespaceConfig `json:"namespaces,omitempty" yaml:"namespaces,omitempty"`
	Tuples     []TupleSpec       `json:"tuples,omitempty" yaml:"tuples,omitempty"`
	Engine     EngineConfig      `json:"engine,omitempty" yaml:"engine,omitempty"`
}

type TenantConfig struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// NamespaceConfig declares one object type with each relation written as a
// rewrite expression in ParseRewrite syntax, e.g.
// "union(computed(direct_viewer), ttu(parent, viewer))".
type NamespaceConfig struct {
	Type           string            `json:"type" yaml:"type"`
	Relations      map[string]string `json:"relations" yaml:"relations"`
	Hierarchical   bool              `json:"hierarchical,omitempty" yaml:"hierarchical,omitempty"`
	MemberRelation string            `json:"member_relation,omitempty" yaml:"member_relation,omitempty"`
}

// TupleSpec is the flat tuple form used in config files. Subject accepts
// user:alice or group:eng#member, object accepts file:/ws/a.txt. ExpiresAt
// is unix seconds, zero for no expiry.
type TupleSpec struct {
	TenantID  string `json:"tenant_id" yaml:"tenant_id"`
	Subject   string `json:"subject" yaml:"subject"`
	Relation  string `json:"relation" yaml:"relation"`
	Object    string `json:"object" yaml:"object"`
	ExpiresAt int64  `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

type EngineConfig struct {
	CheckTimeout    int64 `json:"check_timeout_ms" yaml:"check_timeout_ms"`
	MaxDepth        int   `json:"max_depth" yaml:"max_depth"`
	MaxNodes        int   `json:"max_nodes" yaml:"max_nodes"`
	CacheMaxEntries int64 `json:"cache_max_entries" yaml:"cache_max_entries"`
	CacheTTL        int64 `json:"cache_ttl_ms" yaml:"cache_ttl_ms"`
	ProvisionalTTL  int64 `json:"provisional_ttl_ms" yaml:"provisional_ttl_ms"`
	GroupClimbLimit int   `json:"group_climb_limit" yaml:"group_climb_limit"`
	RebuildInterval int64 `json:"rebuild_interval_ms" yaml:"rebuild_interval_ms"`
	SweepInterval   int64 `json:"sweep_interval_ms" yaml:"sweep_interval_ms"`
}

// NamespaceSet parses the declared relations and builds a validated set.
func (c *Config) NamespaceSet() (*NamespaceSet, error) {
	namespaces := make([]*Namespace, 0, len(c.Namespaces))
	for _, nc := range c.Namespaces {
		ns := &Namespace{
			Type:           nc.Type,
			Relations:      make(map[string]*Rewrite, len(nc.Relations)),
			Hierarchical:   nc.Hierarchical,
			MemberRelation: nc.MemberRelation,
		}
		for name, expr := range nc.Relations {
			rw, err := ParseRewrite(expr)
			if err != nil {
				return nil, fmt.Errorf("namespace %q relation %q: %w", nc.Type, name, err)
			}
			ns.Relations[name] = rw
		}
		namespaces = append(namespaces, ns)
	}
	return NewNamespaceSet(namespaces...)
}

// ResolveTuples parses the tuple specs into engine tuples.
func (c *Config) ResolveTuples() ([]*Tuple, error) {
	out := make([]*Tuple, 0, len(c.Tuples))
	for i, spec := range c.Tuples {
		t, err := spec.Tuple()
		if err != nil {
			return nil, fmt.Errorf("tuple %d: %w", i, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Tuple parses the spec into an engine tuple.
func (spec TupleSpec) Tuple() (*Tuple, error) {
	if spec.TenantID == "" {
		return nil, errors.New("rebac: tuple spec missing tenant id")
	}
	sub, err := ParseSubjectRef(spec.Subject)
	if err != nil {
		return nil, err
	}
	obj, err := ParseObjectRef(spec.Object)
	if err != nil {
		return nil, err
	}
	if spec.Relation == "" {
		return nil, errors.New("rebac: tuple spec missing relation")
	}
	t := &Tuple{TenantID: spec.TenantID, Subject: sub, Relation: spec.Relation, Object: obj}
	if spec.ExpiresAt > 0 {
		t.ExpiresAt = time.Unix(spec.ExpiresAt, 0)
	}
	return t, nil
}

// NamespacesToConfig renders a namespace set back into declaration form,
// with rewrites as expressions.
func NamespacesToConfig(set *NamespaceSet) []NamespaceConfig {
	out := make([]NamespaceConfig, 0)
	for _, ns := range set.All() {
		nc := NamespaceConfig{
			Type:           ns.Type,
			Relations:      make(map[string]string, len(ns.Relations)),
			Hierarchical:   ns.Hierarchical,
			MemberRelation: ns.MemberRelation,
		}
		for name, rw := range ns.Relations {
			nc.Relations[name] = rw.String()
		}
		out = append(out, nc)
	}
	return out
}

// ConfigLoader loads configuration from the supported formats.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBinary loads from the binary protocol.
func (l *ConfigLoader) LoadBinary(data []byte) (*Config, error) {
	r := bytes.NewReader(data)
	return decodeBinaryConfig(r)
}

// EncodeBinaryConfig encodes config to the binary protocol.
func EncodeBinaryConfig(cfg *Config) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := encodeBinaryConfig(cfg, buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ToYAML exports config to YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON.
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// ApplyConfig applies a loaded configuration to a running engine: engine
// tunables first, then namespaces, then seed tuples through the normal write
// path so hierarchy, group index and invalidation all fire. Tuple writes are
// idempotent, so re-applying the same config is safe.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.New("rebac: nil config")
	}
	ec := cfg.Engine
	if ec.CheckTimeout > 0 {
		e.checkTimeout = time.Duration(ec.CheckTimeout) * time.Millisecond
	}
	if ec.MaxDepth > 0 {
		e.maxDepth = ec.MaxDepth
	}
	if ec.MaxNodes > 0 {
		e.maxNodes = ec.MaxNodes
	}
	if ec.GroupClimbLimit > 0 {
		e.climbLimit = ec.GroupClimbLimit
	}
	if ec.RebuildInterval > 0 {
		e.rebuildInterval = time.Duration(ec.RebuildInterval) * time.Millisecond
	}
	e.caches.SetTTLs(time.Duration(ec.CacheTTL)*time.Millisecond, time.Duration(ec.ProvisionalTTL)*time.Millisecond)

	if len(cfg.Tenants) > 0 {
		known := make(map[string]bool, len(cfg.Tenants))
		for _, t := range cfg.Tenants {
			known[t.ID] = true
		}
		for _, spec := range cfg.Tuples {
			if !known[spec.TenantID] {
				return fmt.Errorf("%w: tuple references undeclared tenant %q", ErrInvalidNamespace, spec.TenantID)
			}
		}
	}

	namespaces := e.Namespaces()
	if len(cfg.Namespaces) > 0 {
		set, err := cfg.NamespaceSet()
		if err != nil {
			return err
		}
		namespaces = set
	}
	// Swapping the core picks up graph limits and namespaces together.
	if err := e.ReloadNamespaces(namespaces.All()...); err != nil {
		return err
	}

	for _, spec := range cfg.Tuples {
		t, err := spec.Tuple()
		if err != nil {
			return err
		}
		if _, err := e.Write(ctx, t); err != nil {
			return fmt.Errorf("apply tuple %s: %w", t, err)
		}
	}
	e.log.Info("config applied", "version", int(cfg.Version), "namespaces", len(cfg.Namespaces), "tuples", len(cfg.Tuples))
	return nil
}

// Binary protocol encoding/decoding
const (
	binaryMagic   = 0x5242 // "RB"
	binaryVersion = 1
)

func encodeBinaryConfig(cfg *Config, w io.Writer) error {
	buf := &bytes.Buffer{}

	// Header: magic(2) + version(2) + config_version(2)
	binary.Write(buf, binary.LittleEndian, uint16(binaryMagic))
	binary.Write(buf, binary.LittleEndian, uint16(binaryVersion))
	binary.Write(buf, binary.LittleEndian, cfg.Version)

	// Encode sections with type tags
	writeSection(buf, 0x01, func(b *bytes.Buffer) { encodeTenants(b, cfg.Tenants) })
	writeSection(buf, 0x02, func(b *bytes.Buffer) { encodeNamespaces(b, cfg.Namespaces) })
	writeSection(buf, 0x03, func(b *bytes.Buffer) { encodeTuples(b, cfg.Tuples) })
	writeSection(buf, 0x04, func(b *bytes.Buffer) { encodeEngineConfig(b, &cfg.Engine) })

	_, err := w.Write(buf.Bytes())
	return err
}

func decodeBinaryConfig(r io.Reader) (*Config, error) {
	cfg := &Config{}

	var magic, ver, cfgVer uint16
	binary.Read(r, binary.LittleEndian, &magic)
	binary.Read(r, binary.LittleEndian, &ver)
	binary.Read(r, binary.LittleEndian, &cfgVer)

	if magic != binaryMagic {
		return nil, fmt.Errorf("invalid magic: %x", magic)
	}
	if ver != binaryVersion {
		return nil, fmt.Errorf("unsupported version: %d", ver)
	}
	cfg.Version = cfgVer

	for {
		var tag uint8
		if err := binary.Read(r, binary.LittleEndian, &tag); err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}

		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return nil, err
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("truncated section %#x: %w", tag, err)
		}

		switch tag {
		case 0x01:
			cfg.Tenants = decodeTenants(data)
		case 0x02:
			cfg.Namespaces = decodeNamespaces(data)
		case 0x03:
			cfg.Tuples = decodeTuples(data)
		case 0x04:
			cfg.Engine = decodeEngineConfig(data)
		}
	}

	return cfg, nil
}

func writeSection(buf *bytes.Buffer, tag uint8, fn func(*bytes.Buffer)) {
	tmp := &bytes.Buffer{}
	fn(tmp)
	binary.Write(buf, binary.LittleEndian, tag)
	binary.Write(buf, binary.LittleEndian, uint32(tmp.Len()))
	buf.Write(tmp.Bytes())
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) string {
	var l uint16
	binary.Read(r, binary.LittleEndian, &l)
	b := make([]byte, l)
	r.Read(b)
	return string(b)
}

func encodeTenants(buf *bytes.Buffer, tenants []TenantConfig) {
	binary.Write(buf, binary.LittleEndian, uint16(len(tenants)))
	for _, t := range tenants {
		writeString(buf, t.ID)
		writeString(buf, t.Name)
	}
}

func decodeTenants(data []byte) []TenantConfig {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	tenants := make([]TenantConfig, count)
	for i := range tenants {
		tenants[i].ID = readString(r)
		tenants[i].Name = readString(r)
	}
	return tenants
}

func encodeNamespaces(buf *bytes.Buffer, namespaces []NamespaceConfig) {
	binary.Write(buf, binary.LittleEndian, uint16(len(namespaces)))
	for _, ns := range namespaces {
		writeString(buf, ns.Type)
		buf.WriteByte(map[bool]byte{true: 1, false: 0}[ns.Hierarchical])
		writeString(buf, ns.MemberRelation)
		// Relation order is canonicalized so encoding is deterministic.
		names := make([]string, 0, len(ns.Relations))
		for name := range ns.Relations {
			names = append(names, name)
		}
		sort.Strings(names)
		binary.Write(buf, binary.LittleEndian, uint16(len(names)))
		for _, name := range names {
			writeString(buf, name)
			writeString(buf, ns.Relations[name])
		}
	}
}

func decodeNamespaces(data []byte) []NamespaceConfig {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	namespaces := make([]NamespaceConfig, count)
	for i := range namespaces {
		ns := NamespaceConfig{Relations: make(map[string]string)}
		ns.Type = readString(r)
		hier, _ := r.ReadByte()
		ns.Hierarchical = hier == 1
		ns.MemberRelation = readString(r)
		var relCount uint16
		binary.Read(r, binary.LittleEndian, &relCount)
		for j := 0; j < int(relCount); j++ {
			name := readString(r)
			ns.Relations[name] = readString(r)
		}
		namespaces[i] = ns
	}
	return namespaces
}

func encodeTuples(buf *bytes.Buffer, tuples []TupleSpec) {
	binary.Write(buf, binary.LittleEndian, uint32(len(tuples)))
	for _, t := range tuples {
		writeString(buf, t.TenantID)
		writeString(buf, t.Subject)
		writeString(buf, t.Relation)
		writeString(buf, t.Object)
		binary.Write(buf, binary.LittleEndian, t.ExpiresAt)
	}
}

func decodeTuples(data []byte) []TupleSpec {
	r := bytes.NewReader(data)
	var count uint32
	binary.Read(r, binary.LittleEndian, &count)
	tuples := make([]TupleSpec, count)
	for i := range tuples {
		tuples[i].TenantID = readString(r)
		tuples[i].Subject = readString(r)
		tuples[i].Relation = readString(r)
		tuples[i].Object = readString(r)
		binary.Read(r, binary.LittleEndian, &tuples[i].ExpiresAt)
	}
	return tuples
}

func encodeEngineConfig(buf *bytes.Buffer, cfg *EngineConfig) {
	binary.Write(buf, binary.LittleEndian, cfg.CheckTimeout)
	binary.Write(buf, binary.LittleEndian, int32(cfg.MaxDepth))
	binary.Write(buf, binary.LittleEndian, int32(cfg.MaxNodes))
	binary.Write(buf, binary.LittleEndian, cfg.CacheMaxEntries)
	binary.Write(buf, binary.LittleEndian, cfg.CacheTTL)
	binary.Write(buf, binary.LittleEndian, cfg.ProvisionalTTL)
	binary.Write(buf, binary.LittleEndian, int32(cfg.GroupClimbLimit))
	binary.Write(buf, binary.LittleEndian, cfg.RebuildInterval)
	binary.Write(buf, binary.LittleEndian, cfg.SweepInterval)
}

func decodeEngineConfig(data []byte) EngineConfig {
	r := bytes.NewReader(data)
	cfg := EngineConfig{}
	binary.Read(r, binary.LittleEndian, &cfg.CheckTimeout)
	var depth, nodes int32
	binary.Read(r, binary.LittleEndian, &depth)
	binary.Read(r, binary.LittleEndian, &nodes)
	cfg.MaxDepth = int(depth)
	cfg.MaxNodes = int(nodes)
	binary.Read(r, binary.LittleEndian, &cfg.CacheMaxEntries)
	binary.Read(r, binary.LittleEndian, &cfg.CacheTTL)
	binary.Read(r, binary.LittleEndian, &cfg.ProvisionalTTL)
	var climb int32
	binary.Read(r, binary.LittleEndian, &climb)
	cfg.GroupClimbLimit = int(climb)
	binary.Read(r, binary.LittleEndian, &cfg.RebuildInterval)
	binary.Read(r, binary.LittleEndian, &cfg.SweepInterval)
	return cfg
}
