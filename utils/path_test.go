package utils

import (
	"reflect"
	"testing"
)

func TestParentPath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/ws/proj/data.txt", "/ws/proj"},
		{"/ws/proj", "/ws"},
		{"/ws", "/"},
		{"/", ""},
		{"/ws/proj/", "/ws"},
		{"readme.md", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := ParentPath(tc.path); got != tc.want {
			t.Errorf("ParentPath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestAncestors(t *testing.T) {
	got := Ancestors("/ws/proj/data.txt")
	want := []string{"/ws/proj", "/ws", "/"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Ancestors = %v, want %v", got, want)
	}
	if got := Ancestors("/"); len(got) != 0 {
		t.Fatalf("expected the root to have no ancestors, got %v", got)
	}
	if got := Ancestors("plain-id"); len(got) != 0 {
		t.Fatalf("expected a non-path id to have no ancestors, got %v", got)
	}
}

func TestIsPathID(t *testing.T) {
	if !IsPathID("/ws") || !IsPathID("/") {
		t.Fatalf("expected slash-prefixed ids to be path-shaped")
	}
	if IsPathID("ws") || IsPathID("") {
		t.Fatalf("expected bare ids not to be path-shaped")
	}
}
