package hierarchy

import "strings"

// PathDelimiter separates segments of a materialized hierarchy path.
const PathDelimiter = "/"

// ChildPath returns the path of a node with the given segment placed under parentPath.
// An empty parentPath yields a root path ("/<segment>").
func ChildPath(parentPath, segment string) string {
	parent := strings.TrimRight(parentPath, PathDelimiter)
	seg := strings.Trim(segment, PathDelimiter)
	return parent + PathDelimiter + seg
}

// IsDescendantOf reports whether candidate lies strictly below ancestor.
// The match is delimiter-aligned, so "/10" is not a descendant of "/1".
func IsDescendantOf(candidate, ancestor string) bool {
	anc := strings.TrimRight(ancestor, PathDelimiter)
	if anc == "" {
		return false
	}
	return strings.HasPrefix(candidate, anc+PathDelimiter) && len(candidate) > len(anc)+1
}

// IsWithin reports whether candidate is ancestor itself or one of its descendants.
func IsWithin(candidate, ancestor string) bool {
	if ancestor != "" && strings.TrimRight(candidate, PathDelimiter) == strings.TrimRight(ancestor, PathDelimiter) {
		return true
	}
	return IsDescendantOf(candidate, ancestor)
}

// RebasePath moves path from under oldPrefix to under newPrefix. Paths outside
// oldPrefix are returned unchanged.
func RebasePath(path, oldPrefix, newPrefix string) string {
	if path == oldPrefix {
		return newPrefix
	}
	if !IsDescendantOf(path, oldPrefix) {
		return path
	}
	return strings.TrimRight(newPrefix, PathDelimiter) + path[len(strings.TrimRight(oldPrefix, PathDelimiter)):]
}

// PathDepth returns the number of segments in path minus one, i.e. the
// hierarchy level a well-formed path implies.
func PathDepth(path string) int {
	trimmed := strings.Trim(path, PathDelimiter)
	if trimmed == "" {
		return 0
	}
	return strings.Count(trimmed, PathDelimiter)
}
