// Package filter implements hierarchical destination matching and the
// network dispatch filter that keeps forwarded messages from looping.
//
// Destination names are '.'-separated paths. In a pattern, '*' matches
// exactly one element and a trailing '>' matches one or more remaining
// elements. A composite pattern ("a.b,c.>") matches when any member does.
package filter

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/glimte/mmate-netbridge/command"
)

const (
	anyChild      = "*"
	anyDescendant = ">"
)

// DestinationFilter matches destinations against a pattern.
type DestinationFilter interface {
	Matches(command.Destination) bool
}

// DestinationFilterFunc adapts a function to DestinationFilter.
type DestinationFilterFunc func(command.Destination) bool

// Matches calls f.
func (f DestinationFilterFunc) Matches(d command.Destination) bool { return f(d) }

type pathFilter struct {
	pattern []string
}

func (f pathFilter) Matches(d command.Destination) bool {
	for _, member := range d.Composite() {
		if matchPaths(f.pattern, member.Paths()) {
			return true
		}
	}
	return false
}

func matchPaths(pattern, path []string) bool {
	for i, p := range pattern {
		if p == anyDescendant && i == len(pattern)-1 {
			return len(path) > i
		}
		if i >= len(path) {
			return false
		}
		if p != anyChild && p != path[i] {
			return false
		}
	}
	return len(pattern) == len(path)
}

type compositeFilter []DestinationFilter

func (c compositeFilter) Matches(d command.Destination) bool {
	for _, f := range c {
		if f.Matches(d) {
			return true
		}
	}
	return false
}

const cacheSize = 1024

var cache = mustCache(cacheSize)

func mustCache(size int) *lru.Cache[string, DestinationFilter] {
	c, err := lru.New[string, DestinationFilter](size)
	if err != nil {
		panic(err)
	}
	return c
}

// Parse returns the filter for the pattern's name. Only names are
// compared; callers that care about queue versus topic check the type
// themselves. Parsed filters are cached.
func Parse(pattern command.Destination) DestinationFilter {
	return ParseName(pattern.Name)
}

// ParseName returns the filter for a pattern name.
func ParseName(pattern string) DestinationFilter {
	if f, ok := cache.Get(pattern); ok {
		return f
	}
	f := parse(pattern)
	cache.Add(pattern, f)
	return f
}

func parse(pattern string) DestinationFilter {
	if strings.Contains(pattern, ",") {
		var members compositeFilter
		for _, p := range strings.Split(pattern, ",") {
			if p = strings.TrimSpace(p); p != "" {
				members = append(members, parse(p))
			}
		}
		return members
	}
	return pathFilter{pattern: strings.Split(pattern, ".")}
}

// IsWildcard reports whether the pattern contains wildcard elements.
func IsWildcard(pattern string) bool {
	for _, p := range strings.Split(pattern, ".") {
		if p == anyChild || p == anyDescendant {
			return true
		}
	}
	return false
}
