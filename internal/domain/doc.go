// Package domain runs the egress nodes of one replica on a single goroutine.
//
// # Overview
//
// A Domain owns every egress node of a replica, the replica's output
// multiplexer and its shard index. All work reaches it as operations
// submitted through a channel and executed by Run, one at a time:
//
//	HTTP / controller ──▶ ops chan ──▶ Run ──▶ egress.Process ──▶ Output
//	                                    │                          │
//	                                    └──── flush ◀──────────────┘
//	                                             │
//	                                             ▼
//	                                         Transport
//
// Because registry mutations (AddTx, AddTag, ReplaceTx, CloneEgress) run on
// the same goroutine as dispatch, no dispatch ever observes a half-applied
// repair.
//
// # Flushing
//
// After each dispatched packet, and on every FlushInterval tick, every
// non-empty queue is drained and handed to the Transport. A failed batch is
// put back at the head of its queue and retried on the next flush, so
// per-destination order is preserved.
//
// # Failure handling
//
// Errors from dispatch (an unbound replay tag, an attempt to copy replay
// traffic) mean replay bookkeeping is broken. They are logged, counted and
// end Run with the error; every later call fails with ErrStopped. Errors from
// control operations are returned to the caller and leave the domain running.
package domain
