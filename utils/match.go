package utils

import "strings"

// MatchPattern matches an object or subject id against a filter pattern.
// Patterns may include:
//   - Wildcard '*' matching any sequence within one path segment; a lone
//     '*' or a trailing '*' matches everything remaining.
//   - Parameter prefix ':' (e.g., ':id') matching one segment until '/'.
//   - Trailing "/*" matching the whole subtree under the prefix, which is
//     how directory-scoped listings are expressed.
func MatchPattern(value, pattern string) bool {
	if pattern == "" {
		return value == ""
	}
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "/*"))
	}

	vIndex, pIndex := 0, 0
	vLen, pLen := len(value), len(pattern)
	for pIndex < pLen {
		switch pattern[pIndex] {
		case '*':
			if pIndex == pLen-1 {
				return true
			}
			// Match until next '/' or end of value
			for vIndex < vLen && value[vIndex] != '/' {
				vIndex++
			}
			pIndex++
		case ':':
			// Skip pattern until end of param name
			for pIndex < pLen && pattern[pIndex] != '/' {
				pIndex++
			}
			// Skip value until next '/'
			for vIndex < vLen && value[vIndex] != '/' {
				vIndex++
			}
		default:
			// Match literal char
			if vIndex < vLen && pattern[pIndex] == value[vIndex] {
				vIndex++
				pIndex++
			} else {
				return false
			}
		}
	}
	return vIndex == vLen && pIndex == pLen
}
