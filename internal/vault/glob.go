package vault

import (
	"path"
	"strings"
)

// MatchGlob matches a vault-relative path against a glob pattern. Beyond
// path.Match semantics it supports "**" for any number of segments, and a
// trailing "*" segment matches the whole remaining subtree, which is how
// agent permission lists are written in practice ("notes/*", "agents/*").
func MatchGlob(pattern, target string) bool {
	pattern = strings.TrimSpace(strings.TrimPrefix(toSlash(pattern), "/"))
	target = strings.TrimSpace(strings.TrimPrefix(toSlash(target), "/"))
	if pattern == "" || target == "" {
		return false
	}
	if pattern == "*" || pattern == "**" {
		return true
	}
	if pattern == target {
		return true
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(target, "/"))
}

// MatchAny reports whether any pattern in the list matches the target.
func MatchAny(patterns []string, target string) bool {
	for _, p := range patterns {
		if MatchGlob(p, target) {
			return true
		}
	}
	return false
}

func matchSegments(pat, tgt []string) bool {
	for len(pat) > 0 {
		switch {
		case pat[0] == "**":
			if matchSegments(pat[1:], tgt) {
				return true
			}
			if len(tgt) == 0 {
				return false
			}
			tgt = tgt[1:]
		case len(pat) == 1 && pat[0] == "*":
			return len(tgt) >= 1
		default:
			if len(tgt) == 0 {
				return false
			}
			ok, err := path.Match(pat[0], tgt[0])
			if err != nil || !ok {
				return false
			}
			pat = pat[1:]
			tgt = tgt[1:]
		}
	}
	return len(tgt) == 0
}

func toSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}
