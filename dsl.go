package rebac

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oarkflow/date"
)

// DSL Syntax:
// tenant <id> [<name>]
// namespace <type> [hierarchical] [member:<relation>]
// relation <namespace> <name> <rewrite expression>
// tuple <tenant> <subject> <relation> <object> [expires:<time>]
// engine <key>=<value>...

type DSLParser struct {
	line    int
	nsIndex map[string]int
}

func NewDSLParser() *DSLParser {
	return &DSLParser{}
}

type DSLEncoder struct {
	buf []byte
}

func NewDSLEncoder() *DSLEncoder {
	return &DSLEncoder{buf: make([]byte, 0, 4096)}
}

// LoadDSL loads from the relation DSL.
func (l *ConfigLoader) LoadDSL(data []byte) (*Config, error) {
	return NewDSLParser().Parse(data)
}

// ToDSL exports config to the relation DSL.
func (c *Config) ToDSL() ([]byte, error) {
	return NewDSLEncoder().Encode(c)
}

func (e *DSLEncoder) Encode(cfg *Config) ([]byte, error) {
	e.buf = e.buf[:0]
	var tmp [20]byte

	for _, t := range cfg.Tenants {
		e.buf = append(e.buf, "tenant "...)
		e.buf = append(e.buf, t.ID...)
		if t.Name != "" {
			e.buf = append(e.buf, ' ')
			e.buf = appendToken(e.buf, t.Name)
		}
		e.buf = append(e.buf, '\n')
	}

	for _, ns := range cfg.Namespaces {
		e.buf = append(e.buf, "namespace "...)
		e.buf = append(e.buf, ns.Type...)
		if ns.Hierarchical {
			e.buf = append(e.buf, " hierarchical"...)
		}
		if ns.MemberRelation != "" {
			e.buf = append(e.buf, " member:"...)
			e.buf = append(e.buf, ns.MemberRelation...)
		}
		e.buf = append(e.buf, '\n')

		// Relation order is canonicalized so encoding is deterministic.
		names := make([]string, 0, len(ns.Relations))
		for name := range ns.Relations {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			e.buf = append(e.buf, "relation "...)
			e.buf = append(e.buf, ns.Type...)
			e.buf = append(e.buf, ' ')
			e.buf = append(e.buf, name...)
			e.buf = append(e.buf, ' ')
			e.buf = append(e.buf, ns.Relations[name]...)
			e.buf = append(e.buf, '\n')
		}
	}

	for _, t := range cfg.Tuples {
		e.buf = append(e.buf, "tuple "...)
		e.buf = append(e.buf, t.TenantID...)
		e.buf = append(e.buf, ' ')
		e.buf = appendToken(e.buf, t.Subject)
		e.buf = append(e.buf, ' ')
		e.buf = append(e.buf, t.Relation...)
		e.buf = append(e.buf, ' ')
		e.buf = appendToken(e.buf, t.Object)
		if t.ExpiresAt > 0 {
			e.buf = append(e.buf, " expires:"...)
			e.buf = append(e.buf, time.Unix(t.ExpiresAt, 0).UTC().Format(time.RFC3339)...)
		}
		e.buf = append(e.buf, '\n')
	}

	if cfg.Engine != (EngineConfig{}) {
		e.buf = append(e.buf, "engine"...)
		if cfg.Engine.CheckTimeout > 0 {
			e.buf = append(e.buf, " check_timeout="...)
			n := strconv.AppendInt(tmp[:0], cfg.Engine.CheckTimeout, 10)
			e.buf = append(e.buf, n...)
		}
		if cfg.Engine.MaxDepth > 0 {
			e.buf = append(e.buf, " max_depth="...)
			n := strconv.AppendInt(tmp[:0], int64(cfg.Engine.MaxDepth), 10)
			e.buf = append(e.buf, n...)
		}
		if cfg.Engine.MaxNodes > 0 {
			e.buf = append(e.buf, " max_nodes="...)
			n := strconv.AppendInt(tmp[:0], int64(cfg.Engine.MaxNodes), 10)
			e.buf = append(e.buf, n...)
		}
		if cfg.Engine.CacheMaxEntries > 0 {
			e.buf = append(e.buf, " cache_entries="...)
			n := strconv.AppendInt(tmp[:0], cfg.Engine.CacheMaxEntries, 10)
			e.buf = append(e.buf, n...)
		}
		if cfg.Engine.CacheTTL > 0 {
			e.buf = append(e.buf, " cache_ttl="...)
			n := strconv.AppendInt(tmp[:0], cfg.Engine.CacheTTL, 10)
			e.buf = append(e.buf, n...)
		}
		if cfg.Engine.ProvisionalTTL > 0 {
			e.buf = append(e.buf, " provisional_ttl="...)
			n := strconv.AppendInt(tmp[:0], cfg.Engine.ProvisionalTTL, 10)
			e.buf = append(e.buf, n...)
		}
		if cfg.Engine.GroupClimbLimit > 0 {
			e.buf = append(e.buf, " climb_limit="...)
			n := strconv.AppendInt(tmp[:0], int64(cfg.Engine.GroupClimbLimit), 10)
			e.buf = append(e.buf, n...)
		}
		if cfg.Engine.RebuildInterval > 0 {
			e.buf = append(e.buf, " rebuild_interval="...)
			n := strconv.AppendInt(tmp[:0], cfg.Engine.RebuildInterval, 10)
			e.buf = append(e.buf, n...)
		}
		if cfg.Engine.SweepInterval > 0 {
			e.buf = append(e.buf, " sweep_interval="...)
			n := strconv.AppendInt(tmp[:0], cfg.Engine.SweepInterval, 10)
			e.buf = append(e.buf, n...)
		}
		e.buf = append(e.buf, '\n')
	}

	return e.buf, nil
}

func appendToken(buf []byte, s string) []byte {
	if strings.ContainsAny(s, " \t") {
		buf = append(buf, '"')
		buf = append(buf, s...)
		return append(buf, '"')
	}
	return append(buf, s...)
}

func (p *DSLParser) Parse(data []byte) (*Config, error) {
	cfg := &Config{
		Version:    1,
		Tenants:    make([]TenantConfig, 0, 8),
		Namespaces: make([]NamespaceConfig, 0, 8),
		Tuples:     make([]TupleSpec, 0, 16),
	}

	p.line = 0
	p.nsIndex = make(map[string]int, 8)
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			p.line++
			line := data[start:i]
			start = i + 1

			for len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
				line = line[1:]
			}
			for len(line) > 0 && (line[len(line)-1] == ' ' || line[len(line)-1] == '\t' || line[len(line)-1] == '\r') {
				line = line[:len(line)-1]
			}

			if len(line) == 0 || line[0] == '#' {
				continue
			}

			parts := splitLineBytes(line)
			if len(parts) == 0 {
				continue
			}

			switch parts[0] {
			case "tenant":
				if err := p.parseTenant(cfg, parts[1:]); err != nil {
					return nil, fmt.Errorf("line %d: %w", p.line, err)
				}
			case "namespace":
				if err := p.parseNamespace(cfg, parts[1:]); err != nil {
					return nil, fmt.Errorf("line %d: %w", p.line, err)
				}
			case "relation":
				if err := p.parseRelation(cfg, parts[1:]); err != nil {
					return nil, fmt.Errorf("line %d: %w", p.line, err)
				}
			case "tuple":
				if err := p.parseTuple(cfg, parts[1:]); err != nil {
					return nil, fmt.Errorf("line %d: %w", p.line, err)
				}
			case "engine":
				p.parseEngine(cfg, parts[1:])
			default:
				return nil, fmt.Errorf("line %d: unknown directive: %s", p.line, parts[0])
			}
		}
	}

	return cfg, nil
}

func splitLineBytes(line []byte) []string {
	parts := make([]string, 0, 8)
	var start int
	inQuote := false
	i := 0

	for i < len(line) {
		ch := line[i]
		if ch == '"' {
			if inQuote {
				parts = append(parts, string(line[start:i]))
				start = i + 1
				inQuote = false
			} else {
				start = i + 1
				inQuote = true
			}
		} else if (ch == ' ' || ch == '\t') && !inQuote {
			if i > start {
				parts = append(parts, string(line[start:i]))
			}
			start = i + 1
		}
		i++
	}

	if start < len(line) {
		parts = append(parts, string(line[start:]))
	}

	return parts
}

func (p *DSLParser) parseTenant(cfg *Config, parts []string) error {
	if len(parts) < 1 {
		return fmt.Errorf("tenant requires: <id> [<name>]")
	}
	t := TenantConfig{ID: parts[0]}
	if len(parts) > 1 {
		t.Name = parts[1]
	}
	cfg.Tenants = append(cfg.Tenants, t)
	return nil
}

func (p *DSLParser) parseNamespace(cfg *Config, parts []string) error {
	if len(parts) < 1 {
		return fmt.Errorf("namespace requires: <type> [hierarchical] [member:<relation>]")
	}
	ns := NamespaceConfig{Type: parts[0], Relations: make(map[string]string, 4)}
	if _, dup := p.nsIndex[ns.Type]; dup {
		return fmt.Errorf("namespace %q already declared", ns.Type)
	}
	for _, opt := range parts[1:] {
		switch {
		case opt == "hierarchical":
			ns.Hierarchical = true
		case strings.HasPrefix(opt, "member:"):
			ns.MemberRelation = opt[7:]
		default:
			return fmt.Errorf("unknown namespace option: %s", opt)
		}
	}
	p.nsIndex[ns.Type] = len(cfg.Namespaces)
	cfg.Namespaces = append(cfg.Namespaces, ns)
	return nil
}

func (p *DSLParser) parseRelation(cfg *Config, parts []string) error {
	if len(parts) < 3 {
		return fmt.Errorf("relation requires: <namespace> <name> <expression>")
	}
	idx, ok := p.nsIndex[parts[0]]
	if !ok {
		return fmt.Errorf("relation %q on undeclared namespace %q", parts[1], parts[0])
	}
	name := parts[1]
	if _, dup := cfg.Namespaces[idx].Relations[name]; dup {
		return fmt.Errorf("relation %q already declared on %q", name, parts[0])
	}
	expr := strings.Join(parts[2:], " ")
	// Validated here so syntax errors carry a line number.
	if _, err := ParseRewrite(expr); err != nil {
		return fmt.Errorf("relation %s.%s: %w", parts[0], name, err)
	}
	cfg.Namespaces[idx].Relations[name] = expr
	return nil
}

func (p *DSLParser) parseTuple(cfg *Config, parts []string) error {
	if len(parts) < 4 {
		return fmt.Errorf("tuple requires: <tenant> <subject> <relation> <object> [expires:<time>]")
	}
	spec := TupleSpec{
		TenantID: parts[0],
		Subject:  parts[1],
		Relation: parts[2],
		Object:   parts[3],
	}
	for _, opt := range parts[4:] {
		if !strings.HasPrefix(opt, "expires:") {
			return fmt.Errorf("unknown tuple option: %s", opt)
		}
		ts, err := date.Parse(opt[8:])
		if err != nil {
			return fmt.Errorf("tuple expiry %q: %w", opt[8:], err)
		}
		spec.ExpiresAt = ts.Unix()
	}
	if _, err := spec.Tuple(); err != nil {
		return err
	}
	cfg.Tuples = append(cfg.Tuples, spec)
	return nil
}

func (p *DSLParser) parseEngine(cfg *Config, parts []string) {
	for _, kv := range parts {
		idx := strings.Index(kv, "=")
		if idx == -1 {
			continue
		}
		key, val := kv[:idx], kv[idx+1:]
		switch key {
		case "check_timeout":
			cfg.Engine.CheckTimeout, _ = strconv.ParseInt(val, 10, 64)
		case "max_depth":
			cfg.Engine.MaxDepth, _ = strconv.Atoi(val)
		case "max_nodes":
			cfg.Engine.MaxNodes, _ = strconv.Atoi(val)
		case "cache_entries":
			cfg.Engine.CacheMaxEntries, _ = strconv.ParseInt(val, 10, 64)
		case "cache_ttl":
			cfg.Engine.CacheTTL, _ = strconv.ParseInt(val, 10, 64)
		case "provisional_ttl":
			cfg.Engine.ProvisionalTTL, _ = strconv.ParseInt(val, 10, 64)
		case "climb_limit":
			cfg.Engine.GroupClimbLimit, _ = strconv.Atoi(val)
		case "rebuild_interval":
			cfg.Engine.RebuildInterval, _ = strconv.ParseInt(val, 10, 64)
		case "sweep_interval":
			cfg.Engine.SweepInterval, _ = strconv.ParseInt(val, 10, 64)
		}
	}
}
