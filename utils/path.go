package utils

import "strings"

// ParentPath returns the logical parent of a slash-separated path id:
// /ws/proj/data.txt -> /ws/proj, /ws -> /, and / has no parent (empty
// string). Non-path ids (no leading slash) have no parent.
func ParentPath(path string) string {
	if !IsPathID(path) || path == "/" {
		return ""
	}
	trimmed := strings.TrimSuffix(path, "/")
	i := strings.LastIndexByte(trimmed, '/')
	if i <= 0 {
		return "/"
	}
	return trimmed[:i]
}

// Ancestors returns every ancestor of the path from nearest to the root:
// /ws/proj/data.txt -> [/ws/proj, /ws, /]. The path itself is excluded.
func Ancestors(path string) []string {
	out := make([]string, 0, strings.Count(path, "/"))
	for p := ParentPath(path); p != ""; p = ParentPath(p) {
		out = append(out, p)
	}
	return out
}

// IsPathID reports whether the id is path-shaped and therefore participates
// in hierarchy derivation.
func IsPathID(id string) bool {
	return strings.HasPrefix(id, "/")
}
