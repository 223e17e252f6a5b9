package connection

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/musterhub/hub/internal/hub"
)

// Caller adapts a Manager to the chain package's ToolCaller interface. It
// lives here rather than in internal/chain so internal/chain never needs to
// import internal/connection — the interface is satisfied structurally.
type Caller struct {
	Manager *Manager
}

func (c Caller) CallTool(ctx context.Context, backend, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	conn, ok := c.Manager.Get(backend)
	if !ok {
		return nil, &hub.HubError{Message: fmt.Sprintf("backend %q not registered", backend)}
	}
	return conn.CallTool(ctx, tool, args)
}

func (c Caller) HasBackend(backend string) bool {
	_, ok := c.Manager.Get(backend)
	return ok
}
