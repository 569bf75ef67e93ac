package dataflow

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

// ErrInvalidDuplication is returned when a packet that must never be copied
// is asked for a data copy.
var ErrInvalidDuplication = errors.New("dataflow: duplication of non-data packet")

// PacketKind distinguishes ordinary data from replay traffic.
type PacketKind string

const (
	// KindMessage is an ordinary update flowing down the graph.
	KindMessage PacketKind = "message"
	// KindReplayPiece carries state being replayed along a tagged path.
	KindReplayPiece PacketKind = "replay_piece"
	// KindEvict tells downstream nodes on a tagged path to drop keys.
	KindEvict PacketKind = "evict"
)

// Link is the per-hop header rewritten at every shim boundary.
type Link struct {
	Src LocalNodeIndex `json:"src" yaml:"src"`
	Dst LocalNodeIndex `json:"dst" yaml:"dst"`
}

// Record is one row delta. Negative records retract a previously emitted row.
type Record struct {
	Row      []string `json:"row" yaml:"row"`
	Negative bool     `json:"negative,omitempty" yaml:"negative,omitempty"`
}

// Packet is a unit of work travelling between nodes.
type Packet struct {
	Link    Link       `json:"link"`
	Kind    PacketKind `json:"kind"`
	Tag     Tag        `json:"tag,omitempty"`
	Records []Record   `json:"records,omitempty"`
}

// NewMessage returns an untagged data packet.
func NewMessage(records ...Record) *Packet {
	return &Packet{Kind: KindMessage, Records: records}
}

// NewReplayPiece returns a replay packet on path tag.
func NewReplayPiece(tag Tag, records ...Record) *Packet {
	return &Packet{Kind: KindReplayPiece, Tag: tag, Records: records}
}

// ReplayTag returns the replay path the packet travels on. Data packets have
// no tag.
func (p *Packet) ReplayTag() (Tag, bool) {
	switch p.Kind {
	case KindReplayPiece, KindEvict:
		return p.Tag, true
	default:
		return 0, false
	}
}

// IsData reports whether the packet carries ordinary, copyable data.
func (p *Packet) IsData() bool {
	return p.Kind == KindMessage
}

// CloneData returns an independent copy of a data packet. The link header is
// copied as-is; callers rewrite it for the new hop.
func (p *Packet) CloneData() (*Packet, error) {
	if !p.IsData() {
		return nil, fmt.Errorf("%w: kind %s", ErrInvalidDuplication, p.Kind)
	}
	out := &Packet{
		Link: p.Link,
		Kind: p.Kind,
	}
	if p.Records != nil {
		out.Records = make([]Record, len(p.Records))
		for i, r := range p.Records {
			out.Records[i] = Record{Row: slices.Clone(r.Row), Negative: r.Negative}
		}
	}
	return out, nil
}
