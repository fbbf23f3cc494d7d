package rebac

import (
	"fmt"
	"sort"
	"strings"
)

// ============================================================================
// NAMESPACE CONFIGURATION
// ============================================================================

// RelationParent is the relation the hierarchy manager maintains: the tuple
// (parent_object, RelationParent, child_object) records that child_object
// sits under parent_object in a path tree.
const RelationParent = "parent"

// RewriteKind enumerates the closed set of rewrite rule shapes. There is no
// user-defined rule type; every relation is one of these six.
type RewriteKind uint8

const (
	// RewriteThis matches tuples stored directly on the object and relation.
	RewriteThis RewriteKind = iota
	// RewriteUnion is a short-circuit OR over its children, in declared order.
	RewriteUnion
	// RewriteIntersection is an AND over its children.
	RewriteIntersection
	// RewriteExclusion allows Base and then subtracts Subtract.
	RewriteExclusion
	// RewriteComputedUserset follows another relation on the same object.
	RewriteComputedUserset
	// RewriteTupleToUserset hops through a tupleset relation (typically
	// parent) and checks a computed relation on each hopped-to object.
	RewriteTupleToUserset
)

func (k RewriteKind) String() string {
	switch k {
	case RewriteThis:
		return "this"
	case RewriteUnion:
		return "union"
	case RewriteIntersection:
		return "intersection"
	case RewriteExclusion:
		return "exclusion"
	case RewriteComputedUserset:
		return "computed"
	case RewriteTupleToUserset:
		return "ttu"
	}
	return "unknown"
}

// Rewrite is one node of a relation's userset rewrite tree. Which fields are
// meaningful depends on Kind; constructors below build well-formed nodes.
type Rewrite struct {
	Kind     RewriteKind `json:"kind"`
	Children []*Rewrite  `json:"children,omitempty"` // union, intersection
	Base     *Rewrite    `json:"base,omitempty"`     // exclusion
	Subtract *Rewrite    `json:"subtract,omitempty"` // exclusion
	Relation string      `json:"relation,omitempty"` // computed userset target
	Tupleset string      `json:"tupleset,omitempty"` // ttu hop relation
	Computed string      `json:"computed,omitempty"` // ttu relation on the hopped-to object
}

// This matches direct tuples on the evaluated object and relation.
func This() *Rewrite {
	return &Rewrite{Kind: RewriteThis}
}

// ComputedUserset delegates to another relation on the same object.
func ComputedUserset(relation string) *Rewrite {
	return &Rewrite{Kind: RewriteComputedUserset, Relation: relation}
}

// TupleToUserset hops through tupleset tuples on the evaluated object and
// checks computed on each subject found there.
func TupleToUserset(tupleset, computed string) *Rewrite {
	return &Rewrite{Kind: RewriteTupleToUserset, Tupleset: tupleset, Computed: computed}
}

// Union succeeds when any child succeeds, evaluated in declared order.
func Union(children ...*Rewrite) *Rewrite {
	return &Rewrite{Kind: RewriteUnion, Children: children}
}

// Intersection succeeds when every child succeeds.
func Intersection(children ...*Rewrite) *Rewrite {
	return &Rewrite{Kind: RewriteIntersection, Children: children}
}

// Exclusion succeeds when base succeeds and subtract does not.
func Exclusion(base, subtract *Rewrite) *Rewrite {
	return &Rewrite{Kind: RewriteExclusion, Base: base, Subtract: subtract}
}

// String renders the rewrite in the expression form ParseRewrite accepts.
func (r *Rewrite) String() string {
	if r == nil {
		return ""
	}
	switch r.Kind {
	case RewriteThis:
		return "this"
	case RewriteComputedUserset:
		return "computed(" + r.Relation + ")"
	case RewriteTupleToUserset:
		return "ttu(" + r.Tupleset + ", " + r.Computed + ")"
	case RewriteUnion, RewriteIntersection:
		parts := make([]string, 0, len(r.Children))
		for _, c := range r.Children {
			parts = append(parts, c.String())
		}
		return r.Kind.String() + "(" + strings.Join(parts, ", ") + ")"
	case RewriteExclusion:
		return "exclusion(" + r.Base.String() + ", " + r.Subtract.String() + ")"
	}
	return "unknown"
}

// Namespace declares the relations of one object type.
type Namespace struct {
	// Type is the object type the namespace governs, e.g. "file".
	Type string `json:"type" yaml:"type"`
	// Relations maps relation name to its rewrite tree.
	Relations map[string]*Rewrite `json:"relations" yaml:"relations"`
	// Hierarchical marks types whose path-shaped ids receive implicit
	// parent tuples on write (file:/ws/proj/a.txt under file:/ws/proj).
	Hierarchical bool `json:"hierarchical,omitempty" yaml:"hierarchical,omitempty"`
	// MemberRelation, when set, marks objects of this type as groups and
	// names the relation the group index materializes.
	MemberRelation string `json:"member_relation,omitempty" yaml:"member_relation,omitempty"`
}

// NamespaceSet is the validated collection of namespaces an engine evaluates
// against. It is immutable after construction; reloading swaps the whole set.
type NamespaceSet struct {
	byType map[string]*Namespace
}

// NewNamespaceSet validates the given namespaces and builds the lookup set.
// Hierarchical namespaces that do not declare the parent relation get it
// injected as a direct (This) relation.
func NewNamespaceSet(namespaces ...*Namespace) (*NamespaceSet, error) {
	s := &NamespaceSet{byType: make(map[string]*Namespace, len(namespaces))}
	for _, ns := range namespaces {
		if ns == nil {
			continue
		}
		if err := validTypeName(ns.Type); err != nil {
			return nil, err
		}
		if _, dup := s.byType[ns.Type]; dup {
			return nil, fmt.Errorf("%w: duplicate namespace %q", ErrInvalidNamespace, ns.Type)
		}
		cp := &Namespace{
			Type:           ns.Type,
			Relations:      make(map[string]*Rewrite, len(ns.Relations)+1),
			Hierarchical:   ns.Hierarchical,
			MemberRelation: ns.MemberRelation,
		}
		for name, rw := range ns.Relations {
			cp.Relations[name] = rw
		}
		if cp.Hierarchical {
			if _, ok := cp.Relations[RelationParent]; !ok {
				cp.Relations[RelationParent] = This()
			}
		}
		s.byType[ns.Type] = cp
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// MustNamespaceSet is NewNamespaceSet that panics on invalid input, for
// declarations known good at compile time.
func MustNamespaceSet(namespaces ...*Namespace) *NamespaceSet {
	s, err := NewNamespaceSet(namespaces...)
	if err != nil {
		panic(err)
	}
	return s
}

// Namespace looks up the declaration for an object type.
func (s *NamespaceSet) Namespace(objectType string) (*Namespace, bool) {
	ns, ok := s.byType[objectType]
	return ns, ok
}

// Relation resolves the rewrite tree for relation on objectType.
func (s *NamespaceSet) Relation(objectType, relation string) (*Rewrite, error) {
	ns, ok := s.byType[objectType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown object type %q", ErrInvalidNamespace, objectType)
	}
	rw, ok := ns.Relations[relation]
	if !ok {
		return nil, fmt.Errorf("%w: unknown relation %q on %q", ErrInvalidNamespace, relation, objectType)
	}
	return rw, nil
}

// HasRelation reports whether relation is declared on objectType.
func (s *NamespaceSet) HasRelation(objectType, relation string) bool {
	ns, ok := s.byType[objectType]
	if !ok {
		return false
	}
	_, ok = ns.Relations[relation]
	return ok
}

// MemberRelation returns the membership relation for group-like types.
func (s *NamespaceSet) MemberRelation(objectType string) (string, bool) {
	ns, ok := s.byType[objectType]
	if !ok || ns.MemberRelation == "" {
		return "", false
	}
	return ns.MemberRelation, true
}

// IsHierarchical reports whether objects of this type live in a path tree.
func (s *NamespaceSet) IsHierarchical(objectType string) bool {
	ns, ok := s.byType[objectType]
	return ok && ns.Hierarchical
}

// IsGroupSubject reports whether the subject is a userset over a group
// type's membership relation, i.e. answerable by the group index.
func (s *NamespaceSet) IsGroupSubject(sub SubjectRef) bool {
	if !sub.IsUserset() {
		return false
	}
	member, ok := s.MemberRelation(sub.Object.Type)
	return ok && member == sub.Relation
}

// IsMembershipTuple reports whether the tuple is a group membership edge the
// group index must track.
func (s *NamespaceSet) IsMembershipTuple(t *Tuple) bool {
	member, ok := s.MemberRelation(t.Object.Type)
	return ok && member == t.Relation
}

// Types returns the declared object types, sorted.
func (s *NamespaceSet) Types() []string {
	out := make([]string, 0, len(s.byType))
	for t := range s.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// All returns the declarations ordered by type name, for export.
func (s *NamespaceSet) All() []*Namespace {
	out := make([]*Namespace, 0, len(s.byType))
	for _, typ := range s.Types() {
		out = append(out, s.byType[typ])
	}
	return out
}

// validate enforces the load-time rules: referenced relations must exist,
// tupleset relations must be local, and every relation must be satisfiable
// (no computed-userset cycle without a This or tuple-to-userset base case).
func (s *NamespaceSet) validate() error {
	global := make(map[string]bool)
	for _, ns := range s.byType {
		for name := range ns.Relations {
			global[name] = true
		}
	}

	for _, typ := range s.Types() {
		ns := s.byType[typ]
		if ns.MemberRelation != "" {
			rw, ok := ns.Relations[ns.MemberRelation]
			if !ok {
				return fmt.Errorf("%w: member relation %q not declared on %q", ErrInvalidNamespace, ns.MemberRelation, typ)
			}
			// The group index materializes membership from direct tuples
			// only, so an indexed member relation cannot carry a rewrite.
			if rw.Kind != RewriteThis {
				return fmt.Errorf("%w: member relation %q on %q must be direct", ErrInvalidNamespace, ns.MemberRelation, typ)
			}
		}
		names := make([]string, 0, len(ns.Relations))
		for name := range ns.Relations {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := validRelationName(name); err != nil {
				return fmt.Errorf("%w on %q", err, typ)
			}
			if err := checkRewrite(typ, name, ns, global, ns.Relations[name]); err != nil {
				return err
			}
		}
	}
	return s.checkSatisfiable()
}

func checkRewrite(typ, name string, ns *Namespace, global map[string]bool, rw *Rewrite) error {
	if rw == nil {
		return fmt.Errorf("%w: relation %q on %q has no rewrite", ErrInvalidNamespace, name, typ)
	}
	switch rw.Kind {
	case RewriteThis:
		return nil
	case RewriteComputedUserset:
		if _, ok := ns.Relations[rw.Relation]; !ok {
			return fmt.Errorf("%w: relation %q on %q references undefined %q", ErrInvalidNamespace, name, typ, rw.Relation)
		}
		return nil
	case RewriteTupleToUserset:
		if _, ok := ns.Relations[rw.Tupleset]; !ok {
			return fmt.Errorf("%w: relation %q on %q hops through undefined tupleset %q", ErrInvalidNamespace, name, typ, rw.Tupleset)
		}
		// The hopped-to object's type is only known from tuple data, so the
		// computed relation is checked against every loaded namespace.
		if !global[rw.Computed] {
			return fmt.Errorf("%w: relation %q on %q computes undefined %q", ErrInvalidNamespace, name, typ, rw.Computed)
		}
		return nil
	case RewriteUnion, RewriteIntersection:
		if len(rw.Children) == 0 {
			return fmt.Errorf("%w: relation %q on %q has empty %s", ErrInvalidNamespace, name, typ, rw.Kind)
		}
		for _, c := range rw.Children {
			if err := checkRewrite(typ, name, ns, global, c); err != nil {
				return err
			}
		}
		return nil
	case RewriteExclusion:
		if rw.Base == nil || rw.Subtract == nil {
			return fmt.Errorf("%w: relation %q on %q has incomplete exclusion", ErrInvalidNamespace, name, typ)
		}
		if err := checkRewrite(typ, name, ns, global, rw.Base); err != nil {
			return err
		}
		return checkRewrite(typ, name, ns, global, rw.Subtract)
	}
	return fmt.Errorf("%w: relation %q on %q has unknown rewrite kind", ErrInvalidNamespace, name, typ)
}

// checkSatisfiable runs a fixpoint over all relations: a relation is
// satisfiable when some branch bottoms out at This or a tuple-to-userset
// hop. A pure computed-userset cycle never stabilizes to true and is
// rejected, since no tuple could ever satisfy it.
func (s *NamespaceSet) checkSatisfiable() error {
	sat := make(map[string]bool)
	key := func(typ, rel string) string { return typ + "#" + rel }

	var eval func(typ string, ns *Namespace, rw *Rewrite) bool
	eval = func(typ string, ns *Namespace, rw *Rewrite) bool {
		switch rw.Kind {
		case RewriteThis, RewriteTupleToUserset:
			return true
		case RewriteComputedUserset:
			return sat[key(typ, rw.Relation)]
		case RewriteUnion:
			for _, c := range rw.Children {
				if eval(typ, ns, c) {
					return true
				}
			}
			return false
		case RewriteIntersection:
			for _, c := range rw.Children {
				if !eval(typ, ns, c) {
					return false
				}
			}
			return true
		case RewriteExclusion:
			return eval(typ, ns, rw.Base)
		}
		return false
	}

	for changed := true; changed; {
		changed = false
		for typ, ns := range s.byType {
			for name, rw := range ns.Relations {
				k := key(typ, name)
				if sat[k] {
					continue
				}
				if eval(typ, ns, rw) {
					sat[k] = true
					changed = true
				}
			}
		}
	}
	for _, typ := range s.Types() {
		ns := s.byType[typ]
		names := make([]string, 0, len(ns.Relations))
		for name := range ns.Relations {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if !sat[key(typ, name)] {
				return fmt.Errorf("%w: relation %q on %q can never be satisfied (computed cycle with no direct base)", ErrInvalidNamespace, name, typ)
			}
		}
	}
	return nil
}

func validTypeName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty object type", ErrInvalidNamespace)
	}
	if strings.ContainsAny(name, ":#@|* \t\n") {
		return fmt.Errorf("%w: object type %q contains reserved characters", ErrInvalidNamespace, name)
	}
	return nil
}

func validRelationName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty relation name", ErrInvalidNamespace)
	}
	if strings.ContainsAny(name, ":#@|* \t\n(),") {
		return fmt.Errorf("%w: relation %q contains reserved characters", ErrInvalidNamespace, name)
	}
	return nil
}

// DefaultFilesystemNamespaces is the out-of-box schema for a collaborative
// file tree: direct grants per role, owner implies editor implies viewer,
// and every role inherited from the parent chain. Groups nest through the
// member relation.
func DefaultFilesystemNamespaces() []*Namespace {
	return []*Namespace{
		{
			Type:         "file",
			Hierarchical: true,
			Relations: map[string]*Rewrite{
				"direct_owner":  This(),
				"direct_editor": This(),
				"direct_viewer": This(),
				"owner": Union(
					ComputedUserset("direct_owner"),
					TupleToUserset(RelationParent, "owner"),
				),
				"editor": Union(
					ComputedUserset("direct_editor"),
					ComputedUserset("owner"),
					TupleToUserset(RelationParent, "editor"),
				),
				"viewer": Union(
					ComputedUserset("direct_viewer"),
					ComputedUserset("editor"),
					TupleToUserset(RelationParent, "viewer"),
				),
				"read":  ComputedUserset("viewer"),
				"write": ComputedUserset("editor"),
			},
		},
		{
			Type:           "group",
			MemberRelation: "member",
			Relations: map[string]*Rewrite{
				"member": This(),
			},
		},
		{
			Type:      "user",
			Relations: map[string]*Rewrite{},
		},
	}
}
