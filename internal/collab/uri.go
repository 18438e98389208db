package collab

import (
	"net/url"
	"path"
	"strings"
)

// UriBuilder normalizes paths and builds absolute request targets (spec §6
// "normalize path, build absolute path, raw query, typed query
// parameters"). Request already inlines the common case (setPathLocked/
// AbsolutePath in request.go); UriBuilder exists for callers assembling a
// target outside of a Request, e.g. for logging or for a UriPattern match.
type UriBuilder struct {
	basePath string
	query    url.Values
}

// NewUriBuilder starts from basePath, which is normalized immediately
// (cleaned, always leading-slash).
func NewUriBuilder(basePath string) *UriBuilder {
	return &UriBuilder{basePath: Normalize(basePath), query: url.Values{}}
}

// Normalize cleans a path, collapsing ".."/"." segments and duplicate
// slashes, and ensures it starts with "/".
func Normalize(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "/"
	}
	return cleaned
}

// Query sets a typed query parameter; value is formatted via fmt's default
// verb by the caller before being passed in, keeping this builder
// independent of any particular type set.
func (b *UriBuilder) Query(key, value string) *UriBuilder {
	b.query.Set(key, value)
	return b
}

// Build returns the absolute path plus encoded query string, e.g.
// "/a/b?x=1".
func (b *UriBuilder) Build() string {
	if len(b.query) == 0 {
		return b.basePath
	}
	return b.basePath + "?" + b.query.Encode()
}

// Relation is the containment relation between two UriPatterns (spec §6
// "expose a disjoint/included/indeterminate containment relation").
type Relation int

const (
	// RelationDisjoint means no string can match both patterns.
	RelationDisjoint Relation = iota
	// RelationIncluded means every string matching the other pattern also
	// matches this one.
	RelationIncluded
	// RelationIndeterminate means the patterns' relation cannot be decided
	// without enumerating matches (the general case for glob patterns).
	RelationIndeterminate
)

// UriPattern is a path.Match-style glob pattern matcher with a best-effort
// containment relation against another pattern (spec §6 "produce a
// matcher for a string; expose a disjoint/included/indeterminate
// containment relation").
type UriPattern struct {
	raw string
}

// NewUriPattern compiles pattern (a path.Match-style glob, e.g. "/a/*/c").
func NewUriPattern(pattern string) *UriPattern {
	return &UriPattern{raw: Normalize(pattern)}
}

// Matches reports whether target matches the pattern.
func (p *UriPattern) Matches(target string) bool {
	ok, err := path.Match(p.raw, Normalize(target))
	return err == nil && ok
}

// RelationTo computes this pattern's containment relation against other.
// Exact equality is RelationIncluded (every match of other also matches
// this); a literal (glob-free) pattern that doesn't equal other is
// RelationDisjoint only if neither could ever match a string the other
// matches — anything involving a wildcard on either side is
// RelationIndeterminate, since deciding it in general requires enumerating
// the match sets.
func (p *UriPattern) RelationTo(other *UriPattern) Relation {
	if p.raw == other.raw {
		return RelationIncluded
	}
	if !strings.ContainsAny(p.raw, "*?[") && !strings.ContainsAny(other.raw, "*?[") {
		return RelationDisjoint
	}
	return RelationIndeterminate
}
