// Package topology loads the wiring of a replica's egress nodes from a YAML
// file and applies it to a running domain. It plays the controller role:
// it decides which targets and replay paths an egress has, and performs the
// narrow single-path repair when a downstream ingress moves.
package topology

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dreamware/shardflow/internal/cluster"
	"github.com/dreamware/shardflow/internal/dataflow"
	"github.com/dreamware/shardflow/internal/egress"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("topology: invalid")

// Config is the wiring of one replica.
type Config struct {
	Replica  dataflow.ReplicaAddr `yaml:"replica"`
	Peers    []cluster.PeerInfo   `yaml:"peers"`
	Egresses []EgressConfig       `yaml:"egresses"`
}

// EgressConfig describes one egress node. Targets are registered in list
// order, which decides the dispatch tie-break.
type EgressConfig struct {
	Local dataflow.LocalNodeIndex `yaml:"local"`

	// CloneOf names an egress whose replay bindings this one starts with.
	CloneOf *dataflow.LocalNodeIndex `yaml:"clone_of,omitempty"`

	Tags    map[dataflow.Tag]dataflow.NodeIndex `yaml:"tags,omitempty"`
	Targets []egress.Target                     `yaml:"targets"`
}

// Load reads and validates the topology file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates a topology document. Unknown keys are
// rejected.
func Parse(raw []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the wiring can be applied:
//   - egress locals are unique
//   - clone_of names an earlier egress that is not itself a clone
//   - every replay tag, own or inherited, is bound to one of the egress's targets
//   - every target's replica has a peer
func (c *Config) Validate() error {
	peers := make(map[dataflow.ReplicaAddr]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.Addr == "" {
			return fmt.Errorf("%w: peer %s has no address", ErrInvalid, p.Replica)
		}
		peers[p.Replica] = true
	}

	seen := make(map[dataflow.LocalNodeIndex]*EgressConfig, len(c.Egresses))
	for i := range c.Egresses {
		e := &c.Egresses[i]
		if _, dup := seen[e.Local]; dup {
			return fmt.Errorf("%w: egress %d declared twice", ErrInvalid, e.Local)
		}

		tags := make(map[dataflow.Tag]dataflow.NodeIndex)
		if e.CloneOf != nil {
			src, ok := seen[*e.CloneOf]
			if !ok {
				return fmt.Errorf("%w: egress %d clones unknown or later egress %d", ErrInvalid, e.Local, *e.CloneOf)
			}
			if src.CloneOf != nil {
				return fmt.Errorf("%w: egress %d clones clone %d", ErrInvalid, e.Local, src.Local)
			}
			for tag, node := range src.Tags {
				tags[tag] = node
			}
		}
		for tag, node := range e.Tags {
			tags[tag] = node
		}

		nodes := make(dataflow.NodeSet, len(e.Targets))
		for _, t := range e.Targets {
			if !peers[t.Dest] {
				return fmt.Errorf("%w: egress %d target %d on replica %s without peer", ErrInvalid, e.Local, t.Node, t.Dest)
			}
			nodes.Add(t.Node)
		}
		for tag, node := range tags {
			if !nodes.Contains(node) {
				return fmt.Errorf("%w: egress %d binds tag %d to node %d which is not a target", ErrInvalid, e.Local, tag, node)
			}
		}
		seen[e.Local] = e
	}
	return nil
}

// Controller is the set of domain operations used to wire egress nodes.
// *domain.Domain implements it.
type Controller interface {
	AddEgress(ctx context.Context, local dataflow.LocalNodeIndex) error
	CloneEgress(ctx context.Context, src, dst dataflow.LocalNodeIndex) error
	AddTag(ctx context.Context, local dataflow.LocalNodeIndex, tag dataflow.Tag, node dataflow.NodeIndex) error
	AddTx(ctx context.Context, local dataflow.LocalNodeIndex, t egress.Target) error
	ReplaceTx(ctx context.Context, local dataflow.LocalNodeIndex, t egress.Target) error
}

// Apply wires every egress of c into ctl. Egresses and replay bindings are
// created first, then clones, then targets, so clones are taken while their
// source has no targets.
func (c *Config) Apply(ctx context.Context, ctl Controller) error {
	for _, e := range c.Egresses {
		if e.CloneOf != nil {
			continue
		}
		if err := ctl.AddEgress(ctx, e.Local); err != nil {
			return fmt.Errorf("add egress %d: %w", e.Local, err)
		}
		if err := applyTags(ctx, ctl, e); err != nil {
			return err
		}
	}

	for _, e := range c.Egresses {
		if e.CloneOf == nil {
			continue
		}
		if err := ctl.CloneEgress(ctx, *e.CloneOf, e.Local); err != nil {
			return fmt.Errorf("clone egress %d into %d: %w", *e.CloneOf, e.Local, err)
		}
		if err := applyTags(ctx, ctl, e); err != nil {
			return err
		}
	}

	for _, e := range c.Egresses {
		for _, t := range e.Targets {
			if err := ctl.AddTx(ctx, e.Local, t); err != nil {
				return fmt.Errorf("add target %d to egress %d: %w", t.Node, e.Local, err)
			}
		}
	}
	return nil
}

func applyTags(ctx context.Context, ctl Controller, e EgressConfig) error {
	tags := make([]dataflow.Tag, 0, len(e.Tags))
	for tag := range e.Tags {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	for _, tag := range tags {
		if err := ctl.AddTag(ctx, e.Local, tag, e.Tags[tag]); err != nil {
			return fmt.Errorf("bind tag %d on egress %d: %w", tag, e.Local, err)
		}
	}
	return nil
}

// Repair points the egress at local, which must carry exactly one replay
// path, at a single new target. Only use it when the egress is known to have
// a single downstream path.
func Repair(ctx context.Context, ctl Controller, local dataflow.LocalNodeIndex, t egress.Target) error {
	if err := ctl.ReplaceTx(ctx, local, t); err != nil {
		return fmt.Errorf("repair egress %d: %w", local, err)
	}
	return nil
}
