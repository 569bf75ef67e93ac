// Package egress implements the producing half of a shim pair inserted where
// a dataflow edge crosses a domain or shard boundary.
//
// # Overview
//
// An Egress node owns two pieces of state:
//
//   - an ordered list of targets, one per downstream ingress shim
//   - a map from replay path tag to the single target node on that path
//
// For every packet emitted by its upstream operator the egress either fans
// the packet out to every reachable target (ordinary data) or moves it to the
// one target bound to the packet's replay tag (replay traffic). Replay
// traffic is never copied.
//
// # Ownership transfer
//
// Process receives the packet through a slot (**dataflow.Packet). One target
// may take the packet itself; every other recipient gets a deep copy made
// with Packet.CloneData. For untagged data the taking target is the last
// target in registration order, regardless of reachability:
//
//	targets   [A, B, C]
//	reachable {A, B, C}   A: copy   B: copy   C: original
//	reachable {A, B}      A: copy   B: copy   original dropped
//
// The second row is intentional. The take rule is tied to configuration
// order, so when the last configured target is unreachable nobody takes the
// original and it is discarded once the walk ends. Delivery.Took reports
// which case happened.
//
// # Link headers
//
// Every outgoing packet has Link.Src set to the sending shard index (see
// dataflow.ShardLocal) and Link.Dst set to the target's local index.
//
// # Concurrency
//
// Egress is not synchronised. The owning domain runs Process and the
// registry mutators on one goroutine; see package domain.
//
// # Failure handling
//
// An unbound replay tag yields a *RoutingError and nothing is delivered.
// Callers must treat it as fatal for the domain. Programming defects such as
// dispatching with no targets panic.
package egress
