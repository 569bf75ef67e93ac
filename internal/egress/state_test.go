package egress

import (
	"encoding/json"
	"testing"

	"github.com/dreamware/shardflow/internal/dataflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// TestStateJSON verifies the serialized form holds targets and tags only and
// restores target order.
func TestStateJSON(t *testing.T) {
	e := newABC()
	e.AddTag(6, nodeB)

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Len(t, raw, 2)
	assert.Contains(t, raw, "targets")
	assert.Contains(t, raw, "tags")

	var restored Egress
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, e.Targets(), restored.Targets())
	assert.Equal(t, e.Tags(), restored.Tags())
}

// TestStateYAML verifies the YAML form uses text replica addresses.
func TestStateYAML(t *testing.T) {
	doc := `
targets:
  - node: 10
    local: 1
    dest: d1.0
  - node: 20
    local: 2
    dest: d2.3
tags:
  6: 20
`
	var e Egress
	require.NoError(t, yaml.Unmarshal([]byte(doc), &e))

	assert.Equal(t, []Target{
		{Node: 10, Local: 1, Dest: dataflow.ReplicaAddr{Domain: 1, Shard: 0}},
		{Node: 20, Local: 2, Dest: dataflow.ReplicaAddr{Domain: 2, Shard: 3}},
	}, e.Targets())
	assert.Equal(t, map[dataflow.Tag]dataflow.NodeIndex{6: 20}, e.Tags())

	out, err := yaml.Marshal(&e)
	require.NoError(t, err)
	assert.Contains(t, string(out), "dest: d2.3")
}
