package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTestFlow(t *testing.T) {
	flow := CreateTestFlow(
		CreateTestNode(WithID("open"), WithType("open_app")),
		CreateTestNode(WithID("type"), WithConfig(map[string]any{"text": "{{ .record.email }}"})),
		CreateTestNode(WithID("submit")),
	)

	require.NoError(t, flow.Validate())
	require.Len(t, flow.Edges, 2)
	assert.Equal(t, "open", flow.Edges[0].Source)
	assert.Equal(t, "submit", flow.Edges[1].Target)
	assert.Equal(t, "open_app", flow.Nodes[0].Type)
	assert.Equal(t, "tap", flow.Nodes[2].Type)
}

func TestCreateTestDevice(t *testing.T) {
	device := CreateTestDevice("phone-1", "owner-1")

	assert.Equal(t, "phone-1", device.ID)
	assert.NotNil(t, device.LastActiveAt)
	assert.Equal(t, "active", string(device.Status))
}
