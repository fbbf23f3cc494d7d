package utils

import "testing"

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		value   string
		pattern string
		want    bool
	}{
		{"", "", true},
		{"/ws/a.txt", "", false},
		{"/ws/a.txt", "*", true},
		{"/ws/a.txt", "/ws/a.txt", true},
		{"/ws/a.txt", "/ws/b.txt", false},
		// Subtree form.
		{"/ws/proj/a.txt", "/ws/*", true},
		{"/ws/proj/deep/b.txt", "/ws/proj/*", true},
		{"/other/a.txt", "/ws/*", false},
		// Segment wildcard.
		{"/ws/proj", "/ws/proj*", true},
		{"/ws/projects", "/ws/proj*", true},
		// Parameter segments.
		{"/ws/alice/inbox", "/ws/:user/inbox", true},
		{"/ws/alice/outbox", "/ws/:user/inbox", false},
	}
	for _, tc := range cases {
		if got := MatchPattern(tc.value, tc.pattern); got != tc.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tc.value, tc.pattern, got, tc.want)
		}
	}
}
