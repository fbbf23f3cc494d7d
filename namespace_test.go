package rebac_test

import (
	"testing"

	"github.com/oarkflow/rebac"
)

func TestDefaultFilesystemNamespaces(t *testing.T) {
	set := rebac.MustNamespaceSet(rebac.DefaultFilesystemNamespaces()...)

	types := set.Types()
	if len(types) != 3 || types[0] != "file" || types[1] != "group" || types[2] != "user" {
		t.Fatalf("types = %v, want [file group user]", types)
	}
	if !set.IsHierarchical("file") {
		t.Fatalf("expected file to be hierarchical")
	}
	if !set.HasRelation("file", rebac.RelationParent) {
		t.Fatalf("expected implicit parent relation on hierarchical type")
	}
	if rel, ok := set.MemberRelation("group"); !ok || rel != "member" {
		t.Fatalf("group member relation = (%q, %v)", rel, ok)
	}
	if _, ok := set.MemberRelation("file"); ok {
		t.Fatalf("file must not declare a member relation")
	}
	for _, rel := range []string{"direct_owner", "owner", "editor", "viewer", "read", "write"} {
		if !set.HasRelation("file", rel) {
			t.Fatalf("missing file relation %s", rel)
		}
	}
}

func TestNamespaceSetValidation(t *testing.T) {
	cases := []struct {
		name       string
		namespaces []*rebac.Namespace
	}{
		{
			name: "duplicate type",
			namespaces: []*rebac.Namespace{
				{Type: "doc", Relations: map[string]*rebac.Rewrite{"viewer": rebac.This()}},
				{Type: "doc", Relations: map[string]*rebac.Rewrite{"editor": rebac.This()}},
			},
		},
		{
			name: "computed references undefined relation",
			namespaces: []*rebac.Namespace{
				{Type: "doc", Relations: map[string]*rebac.Rewrite{"read": rebac.ComputedUserset("viewer")}},
			},
		},
		{
			name: "ttu tupleset undefined",
			namespaces: []*rebac.Namespace{
				{Type: "doc", Relations: map[string]*rebac.Rewrite{
					"viewer": rebac.This(),
					"read":   rebac.TupleToUserset("container", "viewer"),
				}},
			},
		},
		{
			name: "empty union",
			namespaces: []*rebac.Namespace{
				{Type: "doc", Relations: map[string]*rebac.Rewrite{"read": rebac.Union()}},
			},
		},
		{
			name: "member relation undefined",
			namespaces: []*rebac.Namespace{
				{Type: "team", MemberRelation: "member", Relations: map[string]*rebac.Rewrite{"lead": rebac.This()}},
			},
		},
		{
			name: "member relation not direct",
			namespaces: []*rebac.Namespace{
				{Type: "team", MemberRelation: "member", Relations: map[string]*rebac.Rewrite{
					"lead":   rebac.This(),
					"member": rebac.ComputedUserset("lead"),
				}},
			},
		},
		{
			name: "reserved character in type",
			namespaces: []*rebac.Namespace{
				{Type: "doc:v2", Relations: map[string]*rebac.Rewrite{"viewer": rebac.This()}},
			},
		},
		{
			name: "reserved character in relation",
			namespaces: []*rebac.Namespace{
				{Type: "doc", Relations: map[string]*rebac.Rewrite{"view(er)": rebac.This()}},
			},
		},
		{
			name: "computed cycle never satisfiable",
			namespaces: []*rebac.Namespace{
				{Type: "doc", Relations: map[string]*rebac.Rewrite{
					"a": rebac.ComputedUserset("b"),
					"b": rebac.ComputedUserset("a"),
				}},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := rebac.NewNamespaceSet(tc.namespaces...); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestNamespaceSetAcceptsRecursiveTupleToUserset(t *testing.T) {
	// Recursion through storage (parent edges) is fine; only pure computed
	// cycles are rejected.
	_, err := rebac.NewNamespaceSet(&rebac.Namespace{
		Type:         "folder",
		Hierarchical: true,
		Relations: map[string]*rebac.Rewrite{
			"direct_viewer": rebac.This(),
			"viewer": rebac.Union(
				rebac.ComputedUserset("direct_viewer"),
				rebac.TupleToUserset(rebac.RelationParent, "viewer"),
			),
		},
	})
	if err != nil {
		t.Fatalf("recursive ttu rejected: %v", err)
	}
}

func TestIsGroupSubject(t *testing.T) {
	set := rebac.MustNamespaceSet(rebac.DefaultFilesystemNamespaces()...)

	if !set.IsGroupSubject(rebac.NewUserset("group", "eng", "member")) {
		t.Fatalf("group:eng#member should be a group subject")
	}
	if set.IsGroupSubject(rebac.NewUserset("file", "/ws", "viewer")) {
		t.Fatalf("file usersets are not group subjects")
	}
	if set.IsGroupSubject(rebac.NewSubject("user", "alice")) {
		t.Fatalf("concrete subjects are not group subjects")
	}
}

func TestIsMembershipTuple(t *testing.T) {
	set := rebac.MustNamespaceSet(rebac.DefaultFilesystemNamespaces()...)

	member := &rebac.Tuple{
		TenantID: "acme",
		Subject:  rebac.NewSubject("user", "alice"),
		Relation: "member",
		Object:   rebac.NewObject("group", "eng"),
	}
	if !set.IsMembershipTuple(member) {
		t.Fatalf("expected membership tuple")
	}
	grant := &rebac.Tuple{
		TenantID: "acme",
		Subject:  rebac.NewSubject("user", "alice"),
		Relation: "direct_viewer",
		Object:   rebac.NewObject("file", "/ws"),
	}
	if set.IsMembershipTuple(grant) {
		t.Fatalf("file grant is not a membership tuple")
	}
}

func TestRewriteString(t *testing.T) {
	cases := []struct {
		rw   *rebac.Rewrite
		want string
	}{
		{rebac.This(), "this"},
		{rebac.ComputedUserset("viewer"), "computed(viewer)"},
		{rebac.TupleToUserset("parent", "viewer"), "ttu(parent, viewer)"},
		{rebac.Union(rebac.This(), rebac.ComputedUserset("owner")), "union(this, computed(owner))"},
		{rebac.Exclusion(rebac.ComputedUserset("viewer"), rebac.ComputedUserset("banned")), "exclusion(computed(viewer), computed(banned))"},
	}
	for _, tc := range cases {
		if got := tc.rw.String(); got != tc.want {
			t.Fatalf("String() = %q, want %q", got, tc.want)
		}
	}
}
