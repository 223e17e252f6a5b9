package metatools

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/musterhub/hub/internal/capability"
	"github.com/musterhub/hub/internal/chain"
	"github.com/musterhub/hub/internal/connection"
	"github.com/musterhub/hub/internal/hub"
)

// Provider implements virtualendpoint.MetaToolHandler: the seven built-in
// tools an upstream client uses to discover backends/capabilities, call a
// backend tool directly by server name and original tool name, and run a
// chain.
type Provider struct {
	index   *capability.Index
	manager *connection.Manager
	exec    *chain.Executor
	sink    hub.EventSink
	clock   hub.Clock

	bootstrapDoc string // rendered once at construction, served by Start_Mcp_Hub
}

type Config struct {
	Index    *capability.Index
	Manager  *connection.Manager
	Executor *chain.Executor
	Sink     hub.EventSink
	Clock    hub.Clock
}

func NewProvider(cfg Config) *Provider {
	return &Provider{
		index:        cfg.Index,
		manager:      cfg.Manager,
		exec:         cfg.Executor,
		sink:         cfg.Sink,
		clock:        cfg.Clock,
		bootstrapDoc: renderBootstrapDoc(),
	}
}

// Tools returns the meta-tool definitions for registration on the Virtual
// MCP Endpoint's mcp-go server.
func (p *Provider) Tools() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool(ToolStartMcpHub,
			mcp.WithDescription("Return onboarding documentation describing how to use this hub's meta-tools"),
		),
		mcp.NewTool(ToolListAllServers,
			mcp.WithDescription("List every configured backend server and its connection state"),
		),
		mcp.NewTool(ToolListServerTools,
			mcp.WithDescription("List the tools exposed by a single backend server"),
			mcp.WithString("server_name", mcp.Required(), mcp.Description("Name of the backend server")),
		),
		mcp.NewTool(ToolListAllTools,
			mcp.WithDescription("List every namespaced tool across all connected backend servers"),
		),
		mcp.NewTool(ToolFindTools,
			mcp.WithDescription("Search tool names and descriptions with a regular expression"),
			mcp.WithString("pattern", mcp.Required(), mcp.Description("Regular expression matched against tool name and description")),
		),
		mcp.NewTool(ToolCallServerTool,
			mcp.WithDescription("Call a tool on a specific backend server by its original (non-namespaced) name"),
			mcp.WithString("server_name", mcp.Required(), mcp.Description("Name of the backend server")),
			mcp.WithString("tool_name", mcp.Required(), mcp.Description("Original tool name on that backend")),
			mcp.WithObject("arguments", mcp.Description("Arguments to pass to the tool")),
		),
		callToolChainTool(),
	}
}

// callToolChainTool is built from a raw mcp.ToolInputSchema rather than the
// mcp.WithX functional options used above, since "steps" is array-typed and
// no example in the pack uses an array-valued mcp.WithX helper — a direct
// schema literal is the version-tolerant choice here (mcp.ToolInputSchema's
// shape is confirmed via the teacher's metatools/formatters_test.go).
func callToolChainTool() mcp.Tool {
	return mcp.Tool{
		Name:        ToolCallToolChain,
		Description: "Execute a multi-step chain of tool calls with data-flow mapping between steps",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"steps": map[string]interface{}{
					"type":        "array",
					"description": "Ordered list of chain steps",
				},
				"vars": map[string]interface{}{
					"type":        "object",
					"description": "Initial VARS.* values available to step expressions",
				},
				"options": map[string]interface{}{
					"type":        "object",
					"description": "Execution options: timeout_ms, max_parallel, rollback_on_error, fail_fast, approval_granted",
				},
			},
			Required: []string{"steps"},
		},
	}
}
