package command

// BrokerPath is the ordered list of brokers a command has traversed. It is
// never modified in place: Append returns a new slice.
type BrokerPath []BrokerID

// Contains reports whether id occurs in the path.
func (p BrokerPath) Contains(id BrokerID) bool {
	for _, b := range p {
		if b == id {
			return true
		}
	}
	return false
}

// Append returns a new path holding p followed by ids. The receiver is
// left untouched even when it has spare capacity.
func (p BrokerPath) Append(ids ...BrokerID) BrokerPath {
	out := make(BrokerPath, 0, len(p)+len(ids))
	out = append(out, p...)
	return append(out, ids...)
}

// Len returns the hop count of the path.
func (p BrokerPath) Len() int { return len(p) }

// Clone returns an independent copy, preserving nil.
func (p BrokerPath) Clone() BrokerPath {
	if p == nil {
		return nil
	}
	return append(BrokerPath(nil), p...)
}
