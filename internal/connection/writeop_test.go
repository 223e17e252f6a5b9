package connection

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
)

func TestClassifyWriteOpMatchesDestructiveVerbTokens(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"capi_delete_cluster", true},
		{"kubectl_apply", true},
		{"install_helm_chart", true},
		{"cleanup", true},
		{"create_incident", true},
		{"update_dashboard", true},
		{"deleteCluster", true},
		{"list_tools", false},
		{"get_resource", false},
		{"describe_pod", false},
		{"search", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classifyWriteOp(tc.name, nil), "tool %q", tc.name)
	}
}

func TestClassifyWriteOpHonorsAutoApproveOverride(t *testing.T) {
	assert.False(t, classifyWriteOp("capi_delete_cluster", map[string]bool{"capi_delete_cluster": true}))
	assert.True(t, classifyWriteOp("capi_delete_cluster", map[string]bool{"other_tool": true}))
}

func TestToolDefinitionAssignsWriteOpFromRealTool(t *testing.T) {
	def := toolDefinition(mcp.Tool{Name: "capi_delete_cluster", Description: "deletes a cluster"}, nil)
	assert.True(t, def.WriteOp)

	def = toolDefinition(mcp.Tool{Name: "list_clusters"}, nil)
	assert.False(t, def.WriteOp)
}
