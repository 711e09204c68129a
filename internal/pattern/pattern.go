// Package pattern implements the glob-style pattern matcher used to test a
// context's action/resource against a rule's action/resource patterns
// (spec.md §4.1). Matching is built on gobwas/glob — the same library the
// retrieval pack's permission-pattern and policy-engine code reaches for to
// solve the identical "*"/"?" over colon-separated-token problem — rather
// than hand-translating patterns into regexp.
package pattern

import (
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// compiled caches compiled glob patterns; patterns are drawn from a small,
// fixed set of rule definitions so the cache never grows unbounded in
// practice.
var (
	compiledMu sync.RWMutex
	compiled   = make(map[string]glob.Glob)
)

// Match reports whether value matches pattern. pattern == value and
// pattern == "*" are handled as fast paths before any compilation. A
// pattern that fails to compile is never fatal: Match falls back to exact
// string equality, matching the "invalid regex patterns never throw"
// invariant (spec.md §8.5) without using regexp at all.
func Match(value, pattern string) bool {
	if pattern == value {
		return true
	}
	if pattern == "*" {
		return true
	}

	g, ok := getCompiled(pattern)
	if !ok {
		return false
	}
	return g.Match(value)
}

// getCompiled returns a compiled glob.Glob for pattern, compiling and
// caching it on first use. ok is false if pattern fails to compile.
func getCompiled(pattern string) (glob.Glob, bool) {
	compiledMu.RLock()
	g, cached := compiled[pattern]
	compiledMu.RUnlock()
	if cached {
		return g, g != nil
	}

	g, err := glob.Compile(escapeLiteral(pattern))

	compiledMu.Lock()
	if err != nil {
		compiled[pattern] = nil
	} else {
		compiled[pattern] = g
	}
	compiledMu.Unlock()

	return g, err == nil
}

// escapeLiteral backslash-escapes everything gobwas/glob treats as syntax
// beyond "*" and "?" — "[", "]", "{", "}", and "\" itself — so a pattern
// author only ever gets wildcard behavior from those two characters. The
// spec's translation rule escapes every regex metacharacter except "*" and
// "?"; gobwas/glob has no regex alternation/grouping/anchoring to worry
// about, so only its own character-class ("[...]") and alternation
// ("{...}") syntax needs neutralizing here.
func escapeLiteral(pattern string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`[`, `\[`,
		`]`, `\]`,
		`{`, `\{`,
		`}`, `\}`,
	)
	return r.Replace(pattern)
}

// FindMatchingPattern returns the first pattern in patterns that matches
// value, and true, or ("", false) if none match.
func FindMatchingPattern(value string, patterns []string) (string, bool) {
	for _, p := range patterns {
		if Match(value, p) {
			return p, true
		}
	}
	return "", false
}

// AnyMatch reports whether any pattern in patterns matches value.
func AnyMatch(value string, patterns []string) bool {
	_, ok := FindMatchingPattern(value, patterns)
	return ok
}
