package diagram

import (
	"encoding/json"
	"fmt"
	"os"
)

// file is the on-disk JSON shape accepted by the loader.
type file struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
	Nodes     []*Node        `json:"nodes"`
	Arrows    []*Arrow       `json:"arrows"`
}

// Parse builds a diagram from its JSON form.
func Parse(data []byte) (*Diagram, error) {
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse diagram: %w", err)
	}

	id := DiagramID(f.ID)
	if id == "" {
		id = DiagramID(f.Name)
	}

	return New(id, f.Name, f.Nodes, f.Arrows, f.Variables)
}

// ParseMap builds a diagram from an already-decoded JSON object, as
// carried inline by sub_diagram nodes.
func ParseMap(m map[string]any) (*Diagram, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode inline diagram: %w", err)
	}
	return Parse(data)
}

// Load reads and parses a diagram file.
func Load(path string) (*Diagram, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read diagram file: %w", err)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return d, nil
}
