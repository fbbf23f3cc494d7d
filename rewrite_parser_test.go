package rebac_test

import (
	"testing"

	"github.com/oarkflow/rebac"
)

func TestParseRewrite(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"this", "this"},
		{"computed(viewer)", "computed(viewer)"},
		{"ttu(parent, viewer)", "ttu(parent, viewer)"},
		{"ttu(parent,viewer)", "ttu(parent, viewer)"},
		{"union(this, computed(owner))", "union(this, computed(owner))"},
		{"intersection(computed(employee), computed(signed))", "intersection(computed(employee), computed(signed))"},
		{"exclusion(computed(viewer), computed(banned))", "exclusion(computed(viewer), computed(banned))"},
		{"union(computed(direct_viewer), computed(editor), ttu(parent, viewer))", "union(computed(direct_viewer), computed(editor), ttu(parent, viewer))"},
		{"union(this, exclusion(computed(viewer), computed(banned)))", "union(this, exclusion(computed(viewer), computed(banned)))"},
		{"  union( this ,  computed(owner) )  ", "union(this, computed(owner))"},
	}
	for _, tc := range cases {
		rw, err := rebac.ParseRewrite(tc.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if got := rw.String(); got != tc.want {
			t.Fatalf("parse %q rendered %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseRewriteRoundTrip(t *testing.T) {
	for _, ns := range rebac.DefaultFilesystemNamespaces() {
		for name, rw := range ns.Relations {
			reparsed, err := rebac.ParseRewrite(rw.String())
			if err != nil {
				t.Fatalf("%s.%s: reparse %q: %v", ns.Type, name, rw.String(), err)
			}
			if reparsed.String() != rw.String() {
				t.Fatalf("%s.%s: round trip %q -> %q", ns.Type, name, rw.String(), reparsed.String())
			}
		}
	}
}

func TestParseRewriteErrors(t *testing.T) {
	bad := []string{
		"",
		"grant",
		"this()",
		"computed()",
		"computed(a, b)",
		"ttu(parent)",
		"ttu(parent, viewer, extra)",
		"union()",
		"exclusion(this)",
		"exclusion(this, this, this)",
		"union(this",
		"union(this))",
		"computed(viewer",
	}
	for _, in := range bad {
		if _, err := rebac.ParseRewrite(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}
