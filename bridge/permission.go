package bridge

import (
	"github.com/glimte/mmate-netbridge/command"
	"github.com/glimte/mmate-netbridge/filter"
)

// DestinationPermission decides which destinations a bridge forwards demand
// for.
type DestinationPermission struct {
	Static                 []command.Destination
	Excluded               []command.Destination
	Dynamic                []command.Destination
	BridgeTempDestinations bool
}

// NewDestinationPermission builds the permission rules of cfg.
func NewDestinationPermission(cfg Config) DestinationPermission {
	return DestinationPermission{
		Static:                 cfg.StaticallyIncludedDestinations,
		Excluded:               cfg.ExcludedDestinations,
		Dynamic:                cfg.DynamicallyIncludedDestinations,
		BridgeTempDestinations: cfg.BridgeTempDestinations,
	}
}

// Permitted reports whether dest may be bridged. The first matching rule
// wins: temporary destinations, then static inclusions, then exclusions,
// then dynamic inclusions. A non-empty dynamic list admits only what it
// matches; otherwise everything left is permitted.
func (p DestinationPermission) Permitted(dest command.Destination, allowTemporary bool) bool {
	if dest.IsTemporary() {
		return allowTemporary || p.BridgeTempDestinations
	}
	if matchesAny(p.Static, dest) {
		return true
	}
	if matchesAny(p.Excluded, dest) {
		return false
	}
	if len(p.Dynamic) > 0 {
		return matchesAny(p.Dynamic, dest)
	}
	return true
}

func matchesAny(patterns []command.Destination, dest command.Destination) bool {
	for _, pattern := range patterns {
		if pattern.Type == dest.Type && filter.Parse(pattern).Matches(dest) {
			return true
		}
	}
	return false
}
