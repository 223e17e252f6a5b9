package metatools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/musterhub/hub/internal/hub"
)

// Call dispatches a meta-tool invocation by name, implementing
// virtualendpoint.MetaToolHandler.
func (p *Provider) Call(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	switch name {
	case ToolStartMcpHub:
		return p.handleStartMcpHub(ctx, args)
	case ToolListAllServers:
		return p.handleListAllServers(ctx, args)
	case ToolListServerTools:
		return p.handleListServerTools(ctx, args)
	case ToolListAllTools:
		return p.handleListAllTools(ctx, args)
	case ToolFindTools:
		return p.handleFindTools(ctx, args)
	case ToolCallServerTool:
		return p.handleCallServerTool(ctx, args)
	case ToolCallToolChain:
		return p.handleCallToolChain(ctx, args)
	default:
		return nil, fmt.Errorf("unknown meta-tool: %s", name)
	}
}

func (p *Provider) handleStartMcpHub(_ context.Context, _ map[string]interface{}) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(p.bootstrapDoc), nil
}

type serverSummary struct {
	Name          string `json:"name"`
	State         string `json:"state"`
	FailureReason string `json:"failureReason,omitempty"`
	ToolCount     int    `json:"toolCount"`
	ResourceCount int    `json:"resourceCount"`
	PromptCount   int    `json:"promptCount"`
}

func (p *Provider) handleListAllServers(_ context.Context, _ map[string]interface{}) (*mcp.CallToolResult, error) {
	conns := p.manager.List()
	summaries := make([]serverSummary, 0, len(conns))
	for _, c := range conns {
		hs := c.Handshake()
		summaries = append(summaries, serverSummary{
			Name:          c.Name(),
			State:         string(c.State()),
			FailureReason: string(c.FailureReason()),
			ToolCount:     len(hs.Tools),
			ResourceCount: len(hs.Resources),
			PromptCount:   len(hs.Prompts),
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })

	return jsonResult(summaries)
}

func (p *Provider) handleListServerTools(_ context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	serverName, ok := args["server_name"].(string)
	if !ok || serverName == "" {
		return mcp.NewToolResultError("server_name argument is required"), nil
	}
	conn, ok := p.manager.Get(serverName)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown backend server %q", serverName)), nil
	}
	return jsonResult(conn.Handshake().Tools)
}

type namespacedToolSummary struct {
	Name        string `json:"name"`
	Backend     string `json:"backend"`
	Description string `json:"description,omitempty"`
}

func (p *Provider) handleListAllTools(_ context.Context, _ map[string]interface{}) (*mcp.CallToolResult, error) {
	caps := p.index.ListAll(hub.KindTool)
	out := toolSummaries(caps)
	return jsonResult(out)
}

func (p *Provider) handleFindTools(_ context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	pattern, ok := args["pattern"].(string)
	if !ok || pattern == "" {
		return mcp.NewToolResultError("pattern argument is required"), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid regular expression: %v", err)), nil
	}

	caps := p.index.ListAll(hub.KindTool)
	var matched []hub.Capability
	for _, c := range caps {
		desc := ""
		if c.Definition.Tool != nil {
			desc = c.Definition.Tool.Description
		}
		if re.MatchString(c.NamespacedName) || re.MatchString(desc) {
			matched = append(matched, c)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].NamespacedName < matched[j].NamespacedName })

	truncated := false
	if len(matched) > MaxFindToolsMatches {
		matched = matched[:MaxFindToolsMatches]
		truncated = true
	}

	resp := struct {
		Matches   []namespacedToolSummary `json:"matches"`
		Truncated bool                    `json:"truncated"`
	}{Matches: toolSummaries(matched), Truncated: truncated}

	return jsonResult(resp)
}

func toolSummaries(caps []hub.Capability) []namespacedToolSummary {
	out := make([]namespacedToolSummary, 0, len(caps))
	for _, c := range caps {
		desc := ""
		if c.Definition.Tool != nil {
			desc = c.Definition.Tool.Description
		}
		out = append(out, namespacedToolSummary{Name: c.NamespacedName, Backend: c.BackendName, Description: desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (p *Provider) handleCallServerTool(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	serverName, ok := args["server_name"].(string)
	if !ok || serverName == "" {
		return mcp.NewToolResultError("server_name argument is required"), nil
	}
	toolName, ok := args["tool_name"].(string)
	if !ok || toolName == "" {
		return mcp.NewToolResultError("tool_name argument is required"), nil
	}
	conn, ok := p.manager.Get(serverName)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown backend server %q", serverName)), nil
	}
	toolArgs, _ := args["arguments"].(map[string]interface{})

	result, err := conn.CallTool(ctx, toolName, toolArgs)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return result, nil
}

func (p *Provider) handleCallToolChain(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	rawSteps, ok := args["steps"].([]interface{})
	if !ok || len(rawSteps) == 0 {
		return mcp.NewToolResultError("steps argument is required and must be a non-empty array"), nil
	}

	steps := make([]hub.ChainStep, 0, len(rawSteps))
	for i, raw := range rawSteps {
		b, err := json.Marshal(raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("steps[%d]: %v", i, err)), nil
		}
		var step hub.ChainStep
		if err := json.Unmarshal(b, &step); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("steps[%d]: %v", i, err)), nil
		}
		if step.ServerName == hub.HubInternalName {
			return mcp.NewToolResultError(fmt.Sprintf("steps[%d]: chains cannot target the hub itself (%s)", i, ToolCallToolChain)), nil
		}
		steps = append(steps, step)
	}

	vars, _ := args["vars"].(map[string]interface{})

	var opts hub.ExecutionOptions
	if rawOpts, ok := args["options"].(map[string]interface{}); ok {
		b, _ := json.Marshal(rawOpts)
		_ = json.Unmarshal(b, &opts)
	}

	report, err := p.exec.Execute(ctx, uuid.NewString(), steps, vars, opts)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(report)
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to format result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}
