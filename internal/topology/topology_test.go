package topology

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/dreamware/shardflow/internal/dataflow"
	"github.com/dreamware/shardflow/internal/egress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
replica: d0.2
peers:
  - replica: d1.0
    addr: http://localhost:9001
  - replica: d2.0
    addr: http://localhost:9002
egresses:
  - local: 5
    tags:
      7: 20
    targets:
      - {node: 10, local: 1, dest: d1.0}
      - {node: 20, local: 2, dest: d2.0}
  - local: 6
    clone_of: 5
    targets:
      - {node: 20, local: 4, dest: d2.0}
`

// recordingController logs every call in order.
type recordingController struct {
	calls []string
	fail  string
}

func (r *recordingController) record(call string) error {
	r.calls = append(r.calls, call)
	if call == r.fail {
		return errors.New("boom")
	}
	return nil
}

func (r *recordingController) AddEgress(_ context.Context, local dataflow.LocalNodeIndex) error {
	return r.record(fmt.Sprintf("egress %d", local))
}

func (r *recordingController) CloneEgress(_ context.Context, src, dst dataflow.LocalNodeIndex) error {
	return r.record(fmt.Sprintf("clone %d->%d", src, dst))
}

func (r *recordingController) AddTag(_ context.Context, local dataflow.LocalNodeIndex, tag dataflow.Tag, node dataflow.NodeIndex) error {
	return r.record(fmt.Sprintf("tag %d: %d->%d", local, tag, node))
}

func (r *recordingController) AddTx(_ context.Context, local dataflow.LocalNodeIndex, t egress.Target) error {
	return r.record(fmt.Sprintf("tx %d: %d/%d@%s", local, t.Node, t.Local, t.Dest))
}

func (r *recordingController) ReplaceTx(_ context.Context, local dataflow.LocalNodeIndex, t egress.Target) error {
	return r.record(fmt.Sprintf("replace %d: %d/%d@%s", local, t.Node, t.Local, t.Dest))
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, dataflow.ReplicaAddr{Domain: 0, Shard: 2}, cfg.Replica)
	require.Len(t, cfg.Peers, 2)
	assert.Equal(t, "http://localhost:9002", cfg.Peers[1].Addr)

	require.Len(t, cfg.Egresses, 2)
	assert.Equal(t, []egress.Target{
		{Node: 10, Local: 1, Dest: dataflow.ReplicaAddr{Domain: 1}},
		{Node: 20, Local: 2, Dest: dataflow.ReplicaAddr{Domain: 2}},
	}, cfg.Egresses[0].Targets)
	require.NotNil(t, cfg.Egresses[1].CloneOf)
	assert.Equal(t, dataflow.LocalNodeIndex(5), *cfg.Egresses[1].CloneOf)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Egresses, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "unknown key",
			doc:  "replica: d0.0\nshards: 4\n",
		},
		{
			name: "duplicate egress",
			doc: `
egresses:
  - local: 1
  - local: 1
`,
		},
		{
			name: "tag bound outside targets",
			doc: `
peers: [{replica: d1.0, addr: http://a}]
egresses:
  - local: 1
    tags: {3: 99}
    targets: [{node: 10, local: 1, dest: d1.0}]
`,
		},
		{
			name: "target without peer",
			doc: `
egresses:
  - local: 1
    targets: [{node: 10, local: 1, dest: d4.0}]
`,
		},
		{
			name: "clone of later egress",
			doc: `
egresses:
  - local: 1
    clone_of: 2
  - local: 2
`,
		},
		{
			name: "inherited tag not a target",
			doc: `
peers: [{replica: d1.0, addr: http://a}]
egresses:
  - local: 1
    tags: {3: 10}
    targets: [{node: 10, local: 1, dest: d1.0}]
  - local: 2
    clone_of: 1
    targets: [{node: 11, local: 1, dest: d1.0}]
`,
		},
		{
			name: "bad replica address",
			doc:  "replica: zone-1\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestValidateErrorKind(t *testing.T) {
	_, err := Parse([]byte("egresses:\n  - local: 1\n  - local: 1\n"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestApplyOrder(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	ctl := &recordingController{}
	require.NoError(t, cfg.Apply(context.Background(), ctl))

	assert.Equal(t, []string{
		"egress 5",
		"tag 5: 7->20",
		"clone 5->6",
		"tx 5: 10/1@d1.0",
		"tx 5: 20/2@d2.0",
		"tx 6: 20/4@d2.0",
	}, ctl.calls)
}

func TestApplyStopsOnError(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	ctl := &recordingController{fail: "clone 5->6"}
	err = cfg.Apply(context.Background(), ctl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clone egress 5 into 6")
	assert.Equal(t, "clone 5->6", ctl.calls[len(ctl.calls)-1])
}

func TestRepair(t *testing.T) {
	target := egress.Target{Node: 40, Local: 9, Dest: dataflow.ReplicaAddr{Domain: 3}}

	ctl := &recordingController{}
	require.NoError(t, Repair(context.Background(), ctl, 5, target))
	assert.Equal(t, []string{"replace 5: 40/9@d3.0"}, ctl.calls)

	ctl = &recordingController{fail: "replace 5: 40/9@d3.0"}
	err := Repair(context.Background(), ctl, 5, target)
	assert.ErrorContains(t, err, "repair egress 5")
}
