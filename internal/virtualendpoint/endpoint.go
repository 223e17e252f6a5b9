// Package virtualendpoint implements the Virtual MCP Endpoint (spec.md
// §4.5): the single JSON-RPC server upstream clients talk to, routing
// list/call requests through the CapabilityIndex to backend Connections.
package virtualendpoint

import (
	"context"
	"fmt"
	"sync"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/musterhub/hub/internal/capability"
	"github.com/musterhub/hub/internal/connection"
	"github.com/musterhub/hub/internal/hub"
	"github.com/musterhub/hub/pkg/logging"
)

// MetaToolHandler is implemented by internal/metatools. It is consumed as an
// interface here so virtualendpoint never imports metatools directly — the
// wiring happens once in cmd, avoiding an import cycle (metatools needs the
// Index and Manager this package also needs).
type MetaToolHandler interface {
	Tools() []mcp.Tool
	Call(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
}

// Endpoint is the Virtual MCP Endpoint: one mcp-go server instance exposing
// the union of backend capabilities (and, when meta-only mode is off, the
// namespaced capabilities directly) to upstream MCP clients.
//
// Grounded on the teacher's internal/aggregator/server.go (AggregatorServer)
// and server_helpers.go (ServerTool/ServerResource/ServerPrompt batch
// add/remove), with OAuth-specific session filtering and the denylist-based
// tool suppression dropped: this hub's only "session-scoped visibility"
// concept is meta-only mode, applied uniformly, not per-session.
type Endpoint struct {
	idx       *capability.Index
	manager   *connection.Manager
	sessions  *SessionRegistry
	sink      hub.EventSink
	clock     hub.Clock
	metaOnly  bool
	metaTools MetaToolHandler

	mcpServer *mcpserver.MCPServer

	mu            sync.Mutex
	registered    map[string]bool // namespaced name -> registered with mcp-go server
	registeredRes map[string]bool
	registeredPr  map[string]bool

	httpRuntime *httpRuntime
}

type Config struct {
	Index     *capability.Index
	Manager   *connection.Manager
	Sink      hub.EventSink
	Clock     hub.Clock
	MetaOnly  bool
	MetaTools MetaToolHandler
}

func New(cfg Config) *Endpoint {
	e := &Endpoint{
		idx:           cfg.Index,
		manager:       cfg.Manager,
		sessions:      NewSessionRegistry(DefaultIdleTimeout, cfg.Clock),
		sink:          cfg.Sink,
		clock:         cfg.Clock,
		metaOnly:      cfg.MetaOnly,
		metaTools:     cfg.MetaTools,
		registered:    make(map[string]bool),
		registeredRes: make(map[string]bool),
		registeredPr:  make(map[string]bool),
	}

	e.mcpServer = mcpserver.NewMCPServer(
		hub.HubInternalName,
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithPromptCapabilities(true),
	)

	if cfg.MetaTools != nil {
		var tools []mcpserver.ServerTool
		for _, t := range cfg.MetaTools.Tools() {
			tools = append(tools, mcpserver.ServerTool{Tool: t, Handler: e.metaToolHandlerFunc(t.Name)})
		}
		if len(tools) > 0 {
			e.mcpServer.AddTools(tools...)
		}
	}

	if cfg.Index != nil {
		cfg.Index.OnChanged(func(kind hub.CapabilityKind, added, removed []string) {
			e.applyDelta(kind, added, removed)
		})
	}

	return e
}

func (e *Endpoint) metaToolHandlerFunc(name string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]interface{})
		return e.metaTools.Call(ctx, name, args)
	}
}

// applyDelta adds/removes the mcp-go registrations for a changed set of
// namespaced capability names. In meta-only mode, namespaced capabilities
// are tracked in the index (so Find_Tools/List_All_Tools can see them) but
// never registered directly on the mcp-go server (spec.md §4.5).
func (e *Endpoint) applyDelta(kind hub.CapabilityKind, added, removed []string) {
	if e.metaOnly {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch kind {
	case hub.KindTool:
		var toAdd []mcpserver.ServerTool
		for _, name := range added {
			cap, ok := e.idx.Lookup(kind, name)
			if !ok || cap.Definition.Tool == nil {
				continue
			}
			toAdd = append(toAdd, mcpserver.ServerTool{
				Tool:    mcp.Tool{Name: name, Description: cap.Definition.Tool.Description},
				Handler: e.toolHandler(cap),
			})
			e.registered[name] = true
		}
		if len(toAdd) > 0 {
			e.mcpServer.AddTools(toAdd...)
		}
		var toRemove []string
		for _, name := range removed {
			if e.registered[name] {
				toRemove = append(toRemove, name)
				delete(e.registered, name)
			}
		}
		if len(toRemove) > 0 {
			e.mcpServer.DeleteTools(toRemove...)
		}

	case hub.KindResource:
		var toAdd []mcpserver.ServerResource
		for _, name := range added {
			cap, ok := e.idx.Lookup(kind, name)
			if !ok || cap.Definition.Resource == nil {
				continue
			}
			toAdd = append(toAdd, mcpserver.ServerResource{
				Resource: mcp.Resource{
					URI:         name,
					Name:        cap.Definition.Resource.Name,
					Description: cap.Definition.Resource.Description,
					MIMEType:    cap.Definition.Resource.MimeType,
				},
				Handler: e.resourceHandler(cap),
			})
			e.registeredRes[name] = true
		}
		if len(toAdd) > 0 {
			e.mcpServer.AddResources(toAdd...)
		}
		for _, name := range removed {
			if e.registeredRes[name] {
				e.mcpServer.RemoveResource(name)
				delete(e.registeredRes, name)
			}
		}

	case hub.KindPrompt:
		var toAdd []mcpserver.ServerPrompt
		for _, name := range added {
			cap, ok := e.idx.Lookup(kind, name)
			if !ok || cap.Definition.Prompt == nil {
				continue
			}
			toAdd = append(toAdd, mcpserver.ServerPrompt{
				Prompt:  mcp.Prompt{Name: name, Description: cap.Definition.Prompt.Description},
				Handler: e.promptHandler(cap),
			})
			e.registeredPr[name] = true
		}
		if len(toAdd) > 0 {
			e.mcpServer.AddPrompts(toAdd...)
		}
		var toRemove []string
		for _, name := range removed {
			if e.registeredPr[name] {
				toRemove = append(toRemove, name)
				delete(e.registeredPr, name)
			}
		}
		if len(toRemove) > 0 {
			e.mcpServer.DeletePrompts(toRemove...)
		}
	}

	e.sink.Emit(hub.Event{
		Timestamp: e.clock.Now(),
		Kind:      hub.EventCapabilitiesChanged,
		Data: map[string]interface{}{
			"kind":    string(kind),
			"added":   added,
			"removed": removed,
		},
	})
	e.notifyListChanged(kind)
}

func (e *Endpoint) notifyListChanged(kind hub.CapabilityKind) {
	var method string
	switch kind {
	case hub.KindTool:
		method = "notifications/tools/list_changed"
	case hub.KindResource, hub.KindResourceTemplate:
		method = "notifications/resources/list_changed"
	case hub.KindPrompt:
		method = "notifications/prompts/list_changed"
	default:
		return
	}
	for _, sessionID := range e.sessions.ListWithToolsListChanged() {
		if err := e.mcpServer.SendNotificationToSpecificClient(sessionID, method, nil); err != nil {
			logging.Debug("virtualendpoint", "notify session %s: %v", logging.TruncateSessionID(sessionID), err)
		}
	}
}

func (e *Endpoint) toolHandler(cap hub.Capability) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		conn, ok := e.manager.Get(cap.BackendName)
		if !ok {
			return nil, &hub.HubError{Message: fmt.Sprintf("backend %q no longer registered", cap.BackendName)}
		}
		args, _ := req.Params.Arguments.(map[string]interface{})
		e.sink.Emit(hub.Event{Timestamp: e.clock.Now(), Kind: hub.EventToolStart, Backend: cap.BackendName, Data: map[string]interface{}{"tool": cap.OriginalName}})
		result, err := conn.CallTool(ctx, cap.OriginalName, args)
		e.sink.Emit(hub.Event{Timestamp: e.clock.Now(), Kind: hub.EventToolComplete, Backend: cap.BackendName, Data: map[string]interface{}{"tool": cap.OriginalName, "error": errString(err)}})
		return result, err
	}
}

func (e *Endpoint) resourceHandler(cap hub.Capability) func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		conn, ok := e.manager.Get(cap.BackendName)
		if !ok {
			return nil, &hub.HubError{Message: fmt.Sprintf("backend %q no longer registered", cap.BackendName)}
		}
		result, err := conn.ReadResource(ctx, cap.OriginalName)
		if err != nil {
			return nil, err
		}
		return result.Contents, nil
	}
}

func (e *Endpoint) promptHandler(cap hub.Capability) func(context.Context, mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		conn, ok := e.manager.Get(cap.BackendName)
		if !ok {
			return nil, &hub.HubError{Message: fmt.Sprintf("backend %q no longer registered", cap.BackendName)}
		}
		args := make(map[string]interface{}, len(req.Params.Arguments))
		for k, v := range req.Params.Arguments {
			args[k] = v
		}
		return conn.GetPrompt(ctx, cap.OriginalName, args)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Sessions exposes the session registry for the http layer.
func (e *Endpoint) Sessions() *SessionRegistry { return e.sessions }

// Server exposes the underlying mcp-go server for transport wiring.
func (e *Endpoint) Server() *mcpserver.MCPServer { return e.mcpServer }

// Stop releases background resources (session idle-reaper).
func (e *Endpoint) Stop() {
	e.sessions.Stop()
}
