package services

import "strings"

// NormalizeTag drops the per-session suffix that follows the first '_' of a
// charge tag, so "ABC123_web1" and "ABC123" name the same physical tag.
func NormalizeTag(tag string) string {
	if i := strings.IndexByte(tag, '_'); i >= 0 {
		return tag[:i]
	}
	return tag
}
