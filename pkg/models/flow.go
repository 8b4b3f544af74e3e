// Package models defines the domain models of the device automation execution core.
package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyFlow is returned when a flow has no nodes to execute.
	ErrEmptyFlow = errors.New("flow has no nodes")

	// ErrInvalidFlow is returned when a flow's node graph is malformed.
	ErrInvalidFlow = errors.New("invalid flow definition")
)

// Flow is a user-owned automation definition made of typed UI-action nodes.
type Flow struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"                 validate:"required,min=1"`
	Owner     string      `json:"owner"`
	Nodes     []*FlowNode `json:"nodes"`
	Edges     []*FlowEdge `json:"edges"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	DeletedAt *time.Time  `json:"deleted_at,omitempty"`
}

// FlowNode is one step of a flow. Position fields are only used by editors.
type FlowNode struct {
	ID        string         `json:"id"         validate:"required"`
	Type      string         `json:"type"       validate:"required"`
	Name      string         `json:"name"`
	Config    map[string]any `json:"config"`
	PositionX int            `json:"position_x"`
	PositionY int            `json:"position_y"`
}

// FlowEdge is a directed connection between two nodes.
type FlowEdge struct {
	ID     string `json:"id"     validate:"required"`
	Source string `json:"source" validate:"required"`
	Target string `json:"target" validate:"required"`
}

// Node returns the node with the given ID.
func (f *Flow) Node(id string) (*FlowNode, bool) {
	for _, node := range f.Nodes {
		if node.ID == id {
			return node, true
		}
	}

	return nil, false
}

// Validate checks identifier uniqueness and edge endpoints.
func (f *Flow) Validate() error {
	if len(f.Nodes) == 0 {
		return fmt.Errorf("flow %s: %w", f.ID, ErrEmptyFlow)
	}

	nodes := make(map[string]struct{}, len(f.Nodes))

	for _, node := range f.Nodes {
		if node == nil || node.ID == "" {
			return fmt.Errorf("flow %s: node without id: %w", f.ID, ErrInvalidFlow)
		}

		if _, dup := nodes[node.ID]; dup {
			return fmt.Errorf("flow %s: duplicate node %q: %w", f.ID, node.ID, ErrInvalidFlow)
		}

		nodes[node.ID] = struct{}{}
	}

	edges := make(map[string]struct{}, len(f.Edges))

	for _, edge := range f.Edges {
		if edge == nil || edge.ID == "" {
			return fmt.Errorf("flow %s: edge without id: %w", f.ID, ErrInvalidFlow)
		}

		if _, dup := edges[edge.ID]; dup {
			return fmt.Errorf("flow %s: duplicate edge %q: %w", f.ID, edge.ID, ErrInvalidFlow)
		}

		edges[edge.ID] = struct{}{}

		if _, ok := nodes[edge.Source]; !ok {
			return fmt.Errorf("flow %s: edge %q references unknown node %q: %w", f.ID, edge.ID, edge.Source, ErrInvalidFlow)
		}

		if _, ok := nodes[edge.Target]; !ok {
			return fmt.Errorf("flow %s: edge %q references unknown node %q: %w", f.ID, edge.ID, edge.Target, ErrInvalidFlow)
		}
	}

	return nil
}
