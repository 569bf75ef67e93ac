package egress

import (
	"encoding/json"

	"github.com/dreamware/shardflow/internal/dataflow"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// State is the transferable form of an Egress: the ordered targets and the
// replay path bindings. Nothing else is persisted.
type State struct {
	Targets []Target                            `json:"targets" yaml:"targets"`
	Tags    map[dataflow.Tag]dataflow.NodeIndex `json:"tags" yaml:"tags"`
}

// State returns a copy of the egress's state.
func (e *Egress) State() State {
	return State{Targets: e.Targets(), Tags: e.Tags()}
}

// FromState rebuilds an egress from s.
func FromState(s State) *Egress {
	e := New()
	e.txs = slices.Clone(s.Targets)
	for tag, node := range s.Tags {
		e.tags[tag] = node
	}
	return e
}

func (e *Egress) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.State())
}

func (e *Egress) UnmarshalJSON(data []byte) error {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*e = *FromState(s)
	return nil
}

func (e *Egress) MarshalYAML() (any, error) {
	return e.State(), nil
}

func (e *Egress) UnmarshalYAML(node *yaml.Node) error {
	var s State
	if err := node.Decode(&s); err != nil {
		return err
	}
	*e = *FromState(s)
	return nil
}
