// Package dataflow defines the identifiers, packet contract and output
// multiplexer shared by the operators of a shardflow domain.
//
// # Identifiers
//
// Three kinds of identifiers address a node in the dataflow graph:
//
//   - NodeIndex: graph-global, stable for the lifetime of the graph
//   - LocalNodeIndex: domain-local, used in packet link headers
//   - ReplicaAddr: a (domain, shard) pair naming one worker instance
//
// A LocalNodeIndex may also carry the index of the shard a packet originated
// from. Egress nodes stamp it into Link.Src so that a shard-merging ingress
// on the receiving side can tell its inputs apart:
//
//	p.Link.Src = dataflow.ShardLocal(shard)
//	p.Link.Dst = target.Local
//
// # Packets
//
// A Packet carries either ordinary data (KindMessage) or replay traffic
// (KindReplayPiece, KindEvict). Only data packets may be copied; replay
// traffic is always moved to a single recipient:
//
//	dup, err := p.CloneData() // ErrInvalidDuplication for replay kinds
//
// # Output
//
// Output maps a replica address to an ordered queue of packets. Producers only
// append to the back of a queue; the flush stage drains whole queues and hands
// them to the transport. Per-destination order is preserved.
//
// # Concurrency
//
// Nothing in this package is synchronised. Packets and Output are owned by the
// single goroutine running a domain.
package dataflow
