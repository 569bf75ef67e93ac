package dataflow

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// NodeIndex identifies a node across the whole dataflow graph.
type NodeIndex uint32

// LocalNodeIndex identifies a node within the domain that hosts it.
type LocalNodeIndex uint32

// ShardLocal encodes an originating shard index as a LocalNodeIndex. The
// result is only meaningful in Link.Src of a packet crossing a shard boundary.
// It panics if shard does not fit a LocalNodeIndex.
func ShardLocal(shard int) LocalNodeIndex {
	if shard < 0 || uint64(shard) > math.MaxUint32 {
		panic(fmt.Sprintf("dataflow: shard index %d out of range", shard))
	}
	return LocalNodeIndex(uint32(shard))
}

// DomainIndex identifies a domain (a partition of the graph).
type DomainIndex uint32

// Tag identifies one replay path.
type Tag uint32

// ReplicaAddr names one worker instance: a domain and a shard within it.
// Its text form is "d<domain>.<shard>", e.g. "d3.0".
type ReplicaAddr struct {
	Domain DomainIndex
	Shard  int
}

func (a ReplicaAddr) String() string {
	return "d" + strconv.FormatUint(uint64(a.Domain), 10) + "." + strconv.Itoa(a.Shard)
}

// MarshalText implements encoding.TextMarshaler so addresses can be used as
// JSON and YAML map keys.
func (a ReplicaAddr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses the "d<domain>.<shard>" form.
func (a *ReplicaAddr) UnmarshalText(text []byte) error {
	addr, err := ParseReplicaAddr(string(text))
	if err != nil {
		return err
	}
	*a = addr
	return nil
}

// ParseReplicaAddr parses the text form produced by ReplicaAddr.String.
func ParseReplicaAddr(s string) (ReplicaAddr, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), "d")
	if !ok {
		return ReplicaAddr{}, fmt.Errorf("invalid replica address %q: missing domain prefix", s)
	}
	domain, shard, ok := strings.Cut(rest, ".")
	if !ok {
		return ReplicaAddr{}, fmt.Errorf("invalid replica address %q: missing shard", s)
	}
	d, err := strconv.ParseUint(domain, 10, 32)
	if err != nil {
		return ReplicaAddr{}, fmt.Errorf("invalid replica address %q: %w", s, err)
	}
	sh, err := strconv.ParseUint(shard, 10, 32)
	if err != nil {
		return ReplicaAddr{}, fmt.Errorf("invalid replica address %q: bad shard: %w", s, err)
	}
	return ReplicaAddr{Domain: DomainIndex(d), Shard: int(sh)}, nil
}

// NodeSet is a set of graph-global node indices.
type NodeSet map[NodeIndex]struct{}

// NewNodeSet returns a set holding the given nodes.
func NewNodeSet(nodes ...NodeIndex) NodeSet {
	s := make(NodeSet, len(nodes))
	for _, n := range nodes {
		s[n] = struct{}{}
	}
	return s
}

// Add inserts n into the set.
func (s NodeSet) Add(n NodeIndex) {
	s[n] = struct{}{}
}

// Contains reports whether n is in the set. A nil set contains nothing.
func (s NodeSet) Contains(n NodeIndex) bool {
	_, ok := s[n]
	return ok
}

// Sorted returns the members in ascending order.
func (s NodeSet) Sorted() []NodeIndex {
	out := make([]NodeIndex, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}
