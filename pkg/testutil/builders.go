// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/dukex/devicefarm/pkg/models"
	"github.com/google/uuid"
)

// CreateTestNode creates a test FlowNode with default values that can be overridden.
func CreateTestNode(overrides ...func(*models.FlowNode)) *models.FlowNode {
	node := &models.FlowNode{
		ID:        uuid.New().String(),
		Type:      "tap",
		Name:      "Test Node",
		Config:    map[string]any{"target": "button"},
		PositionX: 100,
		PositionY: 200,
	}

	for _, override := range overrides {
		override(node)
	}

	return node
}

// WithConfig sets the node configuration.
func WithConfig(config map[string]any) func(*models.FlowNode) {
	return func(n *models.FlowNode) {
		n.Config = config
	}
}

// WithType sets the node type.
func WithType(nodeType string) func(*models.FlowNode) {
	return func(n *models.FlowNode) {
		n.Type = nodeType
	}
}

// WithID sets the node ID.
func WithID(id string) func(*models.FlowNode) {
	return func(n *models.FlowNode) {
		n.ID = id
	}
}

// CreateTestFlow creates a flow whose nodes run one after the other in the
// given order.
func CreateTestFlow(nodes ...*models.FlowNode) *models.Flow {
	flow := &models.Flow{
		ID:    uuid.New().String(),
		Name:  "Test Flow",
		Owner: "test-user",
		Nodes: nodes,
	}

	for i := 1; i < len(nodes); i++ {
		flow.Edges = append(flow.Edges, CreateTestEdge(nodes[i-1].ID, nodes[i].ID))
	}

	return flow
}

// CreateTestEdge creates a test edge between two nodes.
func CreateTestEdge(sourceNodeID, targetNodeID string) *models.FlowEdge {
	return &models.FlowEdge{
		ID:     sourceNodeID + "-" + targetNodeID,
		Source: sourceNodeID,
		Target: targetNodeID,
	}
}

// CreateTestDevice creates an active device of owner.
func CreateTestDevice(id, owner string) *models.Device {
	now := time.Now().UTC()

	return &models.Device{
		ID:           id,
		Owner:        owner,
		Name:         "device " + id,
		Status:       models.DeviceStatusActive,
		LastActiveAt: &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
