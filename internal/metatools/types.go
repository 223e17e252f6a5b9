// Package metatools implements the hub's own built-in tools (spec.md §3):
// the seven meta-tools an upstream client uses to discover backends and
// their capabilities, call a backend tool directly by server name and
// original tool name, and run a chain.
//
// Grounded on the teacher's internal/metatools (Provider/GetTools/
// ExecuteTool dispatch shape) and internal/agent/server_mcp_handlers.go
// (mcp.NewToolResultText/mcp.NewToolResultError result construction),
// renamed to the PascalCase names spec.md §3 gives the hub's meta-tools and
// rebuilt against CapabilityIndex/ConnectionManager/ChainExecutor instead
// of muster's aggregator client cache.
package metatools

const (
	ToolStartMcpHub     = "Start_Mcp_Hub"
	ToolListAllServers  = "List_All_Servers"
	ToolListServerTools = "List_Server_Tools"
	ToolListAllTools    = "List_All_Tools"
	ToolFindTools       = "Find_Tools"
	ToolCallServerTool  = "Call_Server_Tool"
	ToolCallToolChain   = "Call_Tool_Chain"
)

// MaxFindToolsMatches caps Find_Tools results (spec.md §3: "at most 100
// matches").
const MaxFindToolsMatches = 100
