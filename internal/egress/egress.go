package egress

import (
	"fmt"
	"maps"

	"github.com/dreamware/shardflow/internal/dataflow"
	"golang.org/x/exp/slices"
)

// Target is one downstream ingress shim an egress sends to.
//
// Targets are plain values. The registry keeps them in registration order,
// and that order decides which target receives the original packet during
// data fan-out.
//
// Example:
//
//	t := Target{Node: 10, Local: 1, Dest: dataflow.ReplicaAddr{Domain: 3}}
type Target struct {
	// Node is the ingress's graph-global index. Reachability and replay
	// bindings are expressed in terms of it.
	Node dataflow.NodeIndex `json:"node" yaml:"node"`

	// Local is the ingress's index inside its own domain. It becomes Link.Dst
	// of every packet sent to this target.
	Local dataflow.LocalNodeIndex `json:"local" yaml:"local"`

	// Dest is the replica the ingress lives on.
	Dest dataflow.ReplicaAddr `json:"dest" yaml:"dest"`
}

// Delivery summarises one Process call so the caller can account for the
// packet it handed in.
//
// The combinations that occur:
//   - Took: the original is queued; the slot is empty
//   - !Took, Sent > 0: every recipient got a copy; the caller drops the
//     original
//   - Sent == 0: nothing was reachable; the caller drops the original
type Delivery struct {
	// Sent counts packets appended to the Output, copies included.
	Sent int

	// Cloned counts the deep copies among Sent. Always 0 for replay traffic.
	Cloned int

	// Took reports whether a target received the original packet.
	Took bool
}

// Egress routes the output of one operator across a shard boundary. It is
// both the target registry (who receives) and the dispatch engine (how a
// packet is split among them).
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│                 Egress                   │
//	├──────────────────────────────────────────┤
//	│  txs:  [A, B, C]  registration order     │
//	│  tags: tag → node (one replay path each) │
//	├──────────────────────────────────────────┤
//	│  data:   copy → A, copy → B, orig → C    │
//	│  replay: orig → tags[tag] only           │
//	└──────────────────────────────────────────┘
//
// Concurrency Model:
//   - An Egress is not safe for concurrent use
//   - It is owned by exactly one domain goroutine, which serializes
//     registry changes against Process
//
// The zero value is an empty registry ready for AddTx.
type Egress struct {
	// txs lists targets in registration order. Duplicates are allowed.
	txs []Target

	// tags binds each replay path to the graph index of one target. A
	// binding may name a node not (yet) in txs; such packets go nowhere.
	tags map[dataflow.Tag]dataflow.NodeIndex
}

// New returns an empty egress.
func New() *Egress {
	return &Egress{tags: make(map[dataflow.Tag]dataflow.NodeIndex)}
}

// AddTx appends a target. Targets are not deduplicated and keep call order.
func (e *Egress) AddTx(node dataflow.NodeIndex, local dataflow.LocalNodeIndex, dest dataflow.ReplicaAddr) {
	e.txs = append(e.txs, Target{Node: node, Local: local, Dest: dest})
}

// AddTag binds replay path tag to the target with graph index node,
// replacing any previous binding for tag.
func (e *Egress) AddTag(tag dataflow.Tag, node dataflow.NodeIndex) {
	if e.tags == nil {
		e.tags = make(map[dataflow.Tag]dataflow.NodeIndex)
	}
	e.tags[tag] = node
}

// TxNodes returns the graph indices of all registered targets.
func (e *Egress) TxNodes() dataflow.NodeSet {
	s := make(dataflow.NodeSet, len(e.txs))
	for _, tx := range e.txs {
		s.Add(tx.Node)
	}
	return s
}

// Targets returns a copy of the target list in registration order.
func (e *Egress) Targets() []Target {
	return slices.Clone(e.txs)
}

// Tags returns a copy of the replay path bindings.
func (e *Egress) Tags() map[dataflow.Tag]dataflow.NodeIndex {
	return maps.Clone(e.tags)
}

// ReplaceTx swaps every target for a single new one and moves the egress's
// only replay path onto it.
//
// This is a repair primitive for an egress with exactly one outgoing path.
// It fails without modifying anything unless exactly one tag is bound.
func (e *Egress) ReplaceTx(node dataflow.NodeIndex, local dataflow.LocalNodeIndex, dest dataflow.ReplicaAddr) error {
	if len(e.tags) != 1 {
		return preconditionf("replace target with %d replay paths bound, want 1", len(e.tags))
	}

	e.txs = e.txs[:0]
	e.AddTx(node, local, dest)

	for tag := range e.tags {
		e.tags[tag] = node
	}
	return nil
}

// Clone copies an egress that has not been wired yet. Replay bindings are
// kept. Cloning an egress with targets fails: its channels belong to the
// original.
func (e *Egress) Clone() (*Egress, error) {
	if len(e.txs) != 0 {
		return nil, preconditionf("clone egress with %d targets", len(e.txs))
	}
	c := New()
	for tag, node := range e.tags {
		c.tags[tag] = node
	}
	return c, nil
}

// Process routes the packet in *m to the targets whose node is in toNodes,
// appending the results to out. shard is the index of the sending shard.
//
// Data packets walk the targets in registration order. Every reachable
// target but the last configured one receives a deep copy; the last
// configured target receives the original if it is reachable. When it is
// not, no target takes the original even though earlier ones got copies.
//
// Replay packets (replay pieces and evictions) go only to the target bound
// to their tag. The walk stops at the first reachable target with that
// node; unreachable bound targets mean nothing is sent.
//
// Every queued packet has Link.Src = ShardLocal(shard) and Link.Dst set to
// the target's Local.
//
// Slot ownership:
//   - *m is set to nil when a target takes the packet
//   - it is left in place when every recipient got a copy, or when nothing
//     was sent; the caller drops it
//
// Errors:
//   - a replay packet whose tag is not bound yields a *RoutingError before
//     anything is enqueued
//   - a failed copy is returned wrapped; packets queued before it remain
//
// Process panics when the egress has no targets or the slot is empty.
func (e *Egress) Process(m **dataflow.Packet, shard int, out *dataflow.Output, toNodes dataflow.NodeSet) (Delivery, error) {
	if len(e.txs) == 0 {
		panic(preconditionf("process with no targets"))
	}
	if m == nil || *m == nil {
		panic(preconditionf("process with empty packet slot"))
	}
	last := len(e.txs) - 1

	// a replay packet only goes to the ingress on its path
	var replayTo dataflow.NodeIndex
	tag, tagged := (*m).ReplayTag()
	if tagged {
		node, ok := e.tags[tag]
		if !ok {
			return Delivery{}, &RoutingError{Tag: tag}
		}
		replayTo = node
	}

	var d Delivery
	src := dataflow.ShardLocal(shard)
	for i, tx := range e.txs {
		if !toNodes.Contains(tx.Node) {
			continue
		}

		// Untagged data is taken by the last configured target, whether or
		// not earlier ones were skipped.
		take := i == last
		if tagged {
			if tx.Node != replayTo {
				continue
			}
			take = true
		}

		var p *dataflow.Packet
		if take {
			p, *m = *m, nil
			d.Took = true
		} else {
			dup, err := (*m).CloneData()
			if err != nil {
				return d, fmt.Errorf("egress: copy for node %d: %w", tx.Node, err)
			}
			p = dup
			d.Cloned++
		}

		// src is ignored by most ingresses, but shard mergers use it
		p.Link.Src = src
		p.Link.Dst = tx.Local

		out.Enqueue(tx.Dest, p)
		d.Sent++
		if take {
			break
		}
	}
	return d, nil
}
