// Package cluster carries packets between the replicas of a shardflow
// deployment.
//
// # Overview
//
// Each domain buffers outgoing packets per destination replica in a
// dataflow.Output. The flush stage drains one queue at a time and hands it to
// a Transport. This package provides the HTTP/JSON transport used by the node
// binary:
//
//	┌──────────────┐   POST /ingress   ┌──────────────┐
//	│ replica d1.0 │ ────────────────▶ │ replica d2.0 │
//	│  egress      │  DeliverRequest   │  ingress     │
//	└──────────────┘                   └──────────────┘
//
// # Peers
//
// Replica addresses are logical. Peers maps each ReplicaAddr to the base URL
// of the process hosting it. A batch for an unknown replica fails with
// ErrUnknownReplica and is retried by the caller on the next flush.
//
// # Ordering
//
// A batch is sent as a single request, and the caller does not send the next
// batch for a replica until the previous one succeeded, so per-destination
// order survives the hop.
//
// # Failure Handling
//
//   - HTTP requests time out after 5 seconds
//   - Any non-2xx status is an error
//   - Failed batches are returned to the caller untouched
package cluster
