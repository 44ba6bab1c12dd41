// Package command defines the broker command vocabulary exchanged between
// broker nodes and network bridges.
//
// Commands form an enum-tagged union: every value implements Command and
// reports its Kind, so dispatchers switch on the concrete type or the kind
// without any further indirection.
//
// Command values are treated as immutable once handed to a transport.
// Code that needs a variant of a received command (a new broker path, a
// re-keyed consumer id) clones it first:
//
//	info := received.Clone()
//	info.BrokerPath = info.BrokerPath.Append(remoteBroker)
//
// The package also carries the identity types (BrokerID, ConnectionID,
// ConsumerID, ...), destinations, broker paths, advisory topic helpers and
// the JSON codec used by the network transports.
package command
