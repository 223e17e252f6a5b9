// Package connection implements the Backend Connection Manager (spec.md §4.2,
// §4.3): one Connection per configured backend, wrapping mark3labs/mcp-go's
// client package across the three supported transports, plus the state
// machine and reconnection policy layered on top.
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/musterhub/hub/internal/hub"
)

// wireClient is the minimal mcp-go client surface a Connection drives,
// grounded on the teacher's internal/mcpserver.MCPClient interface.
type wireClient interface {
	Initialize(ctx context.Context) (*mcp.InitializeResult, error)
	Close() error
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error)
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error)
	Ping(ctx context.Context) error
	Stderr() (io.Reader, bool)
}

// baseWireClient factors the operations identical across every transport,
// mirroring the teacher's baseMCPClient split.
type baseWireClient struct {
	mu        sync.RWMutex
	client    mcpclient.MCPClient
	connected bool
}

func (b *baseWireClient) checkConnected() error {
	if !b.connected || b.client == nil {
		return &hub.TransportClosed{}
	}
	return nil
}

func (b *baseWireClient) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected || b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.connected = false
	b.client = nil
	return err
}

func (b *baseWireClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	result, err := b.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return result.Tools, nil
}

func (b *baseWireClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	result, err := b.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call tool %s: %w", name, err)
	}
	return result, nil
}

func (b *baseWireClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	result, err := b.client.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	return result.Resources, nil
}

func (b *baseWireClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri
	result, err := b.client.ReadResource(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("read resource %s: %w", uri, err)
	}
	return result, nil
}

func (b *baseWireClient) ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	result, err := b.client.ListResourceTemplates(ctx, mcp.ListResourceTemplatesRequest{})
	if err != nil {
		return nil, fmt.Errorf("list resource templates: %w", err)
	}
	return result.ResourceTemplates, nil
}

func (b *baseWireClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	result, err := b.client.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	return result.Prompts, nil
}

func (b *baseWireClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	stringArgs := make(map[string]string, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			stringArgs[k] = s
		} else {
			stringArgs[k] = fmt.Sprintf("%v", v)
		}
	}
	req := mcp.GetPromptRequest{}
	req.Params.Name = name
	req.Params.Arguments = stringArgs
	result, err := b.client.GetPrompt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("get prompt %s: %w", name, err)
	}
	return result, nil
}

func (b *baseWireClient) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkConnected(); err != nil {
		return err
	}
	return b.client.Ping(ctx)
}

func (b *baseWireClient) Stderr() (io.Reader, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected || b.client == nil {
		return nil, false
	}
	if concrete, ok := b.client.(*mcpclient.Client); ok {
		return mcpclient.GetStderr(concrete)
	}
	return nil, false
}

func initializeRequest() mcp.InitializeRequest {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = "2024-11-05"
	req.Params.ClientInfo = mcp.Implementation{Name: hub.HubInternalName, Version: "1.0.0"}
	req.Params.Capabilities = mcp.ClientCapabilities{}
	return req
}

// stdioWireClient drives a subprocess backend over stdio.
type stdioWireClient struct {
	baseWireClient
	command string
	args    []string
	env     map[string]string
}

func newStdioWireClient(cfg hub.BackendConfig) *stdioWireClient {
	return &stdioWireClient{command: cfg.Command, args: cfg.Args, env: cfg.Env}
}

func (c *stdioWireClient) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil, nil
	}

	envStrings := make([]string, 0, len(c.env))
	for k, v := range c.env {
		envStrings = append(envStrings, k+"="+v)
	}

	mcpClient, err := mcpclient.NewStdioMCPClient(c.command, envStrings, c.args...)
	if err != nil {
		return nil, fmt.Errorf("spawn stdio backend: %w", err)
	}

	result, err := mcpClient.Initialize(ctx, initializeRequest())
	if err != nil {
		_ = mcpClient.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	c.client = mcpClient
	c.connected = true
	return result, nil
}

// sseWireClient drives a backend over HTTP+SSE.
type sseWireClient struct {
	baseWireClient
	url     string
	headers map[string]string
}

func newSSEWireClient(cfg hub.BackendConfig) *sseWireClient {
	return &sseWireClient{url: cfg.URL, headers: cfg.Headers}
}

func (c *sseWireClient) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil, nil
	}

	var opts []transport.ClientOption
	if len(c.headers) > 0 {
		opts = append(opts, transport.WithHeaders(c.headers))
	}

	mcpClient, err := mcpclient.NewSSEMCPClient(c.url, opts...)
	if err != nil {
		return nil, fmt.Errorf("create SSE client: %w", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("start SSE transport: %w", err)
	}

	result, err := mcpClient.Initialize(ctx, initializeRequest())
	if err != nil {
		_ = mcpClient.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	c.client = mcpClient
	c.connected = true
	return result, nil
}

// streamableHTTPWireClient drives a backend over streamable HTTP.
type streamableHTTPWireClient struct {
	baseWireClient
	url     string
	headers map[string]string
}

func newStreamableHTTPWireClient(cfg hub.BackendConfig) *streamableHTTPWireClient {
	return &streamableHTTPWireClient{url: cfg.URL, headers: cfg.Headers}
}

func (c *streamableHTTPWireClient) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil, nil
	}

	var opts []transport.StreamableHTTPCOption
	if len(c.headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(c.headers))
	}

	mcpClient, err := mcpclient.NewStreamableHttpClient(c.url, opts...)
	if err != nil {
		return nil, fmt.Errorf("create streamable-http client: %w", err)
	}

	result, err := mcpClient.Initialize(ctx, initializeRequest())
	if err != nil {
		_ = mcpClient.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	c.client = mcpClient
	c.connected = true
	return result, nil
}

// newWireClient dispatches to a transport-specific constructor.
func newWireClient(cfg hub.BackendConfig) (wireClient, error) {
	switch cfg.Transport {
	case hub.TransportStdio:
		return newStdioWireClient(cfg), nil
	case hub.TransportHTTPSSE:
		return newSSEWireClient(cfg), nil
	case hub.TransportStreamableHTTP:
		return newStreamableHTTPWireClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// writeOpWord matches the verb tokens muster's own denylist.go targets
// (kubectl_delete, capi_delete_cluster, install_helm_chart, cleanup,
// create_incident, update_dashboard) by token rather than by exact tool
// name, since an aggregating hub cannot hardcode a backend's tool
// vocabulary the way a single-domain server can.
var writeOpWord = regexp.MustCompile(`^(?:create|delete|remove|update|apply|patch|install|uninstall|upgrade|deploy|scale|restart|stop|start|resume|pause|suspend|reconcile|cleanup|clean|write|set|modify|destroy|terminate|kill|drop|truncate|rollback|migrate|push|exec|execute|run|trigger|rotate|revoke|grant|move|enable|disable|reset|force)$`)

// toolTokens splits a tool name on '_', '-', '.' and space separators and
// on camelCase boundaries so "capi_delete_cluster" and "deleteCluster" both yield a
// "delete" token.
func toolTokens(name string) []string {
	var tokens []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, strings.ToLower(b.String()))
			b.Reset()
		}
	}
	runes := []rune(name)
	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || r == '.' || r == ' ':
			flush()
		case r >= 'A' && r <= 'Z' && i > 0 && !(runes[i-1] >= 'A' && runes[i-1] <= 'Z'):
			flush()
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return tokens
}

// classifyWriteOp is the structural generalization of the teacher's static
// destructiveTools denylist (internal/aggregator/denylist.go): instead of a
// fixed set of known tool names, it looks for a write/destructive verb
// token anywhere in the tool's name, since backends here are arbitrary and
// unknown at build time. autoApprove exempts specific tool names from the
// classification regardless of what verb they contain, mirroring spec.md's
// per-backend autoApprove[] override.
func classifyWriteOp(name string, autoApprove map[string]bool) bool {
	if autoApprove[name] {
		return false
	}
	for _, tok := range toolTokens(name) {
		if writeOpWord.MatchString(tok) {
			return true
		}
	}
	return false
}

// toolDefinition converts a wire mcp.Tool into the hub's kind-neutral
// ToolDefinition, round-tripping InputSchema through JSON since its exact
// struct shape varies across mcp-go versions. WriteOp is assigned here
// during handshake via classifyWriteOp so the chain executor's approval
// gate (spec.md §4.6) has something real to check.
func toolDefinition(t mcp.Tool, autoApprove map[string]bool) hub.ToolDefinition {
	var schema map[string]interface{}
	if raw, err := json.Marshal(t.InputSchema); err == nil {
		_ = json.Unmarshal(raw, &schema)
	}
	return hub.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: schema,
		WriteOp:     classifyWriteOp(t.Name, autoApprove),
	}
}

func resourceDefinition(r mcp.Resource) hub.ResourceDefinition {
	return hub.ResourceDefinition{
		URI:         r.URI,
		Name:        r.Name,
		Description: r.Description,
		MimeType:    r.MIMEType,
	}
}

// resourceTemplateDefinition converts a wire mcp.ResourceTemplate. The
// URITemplate field's concrete type varies across mcp-go versions (it may be
// a wrapped template type, not a bare string), so it is round-tripped
// through JSON the same way InputSchema is.
func resourceTemplateDefinition(rt mcp.ResourceTemplate) hub.ResourceTemplateDefinition {
	var uriTemplate string
	if raw, err := json.Marshal(rt.URITemplate); err == nil {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			uriTemplate = s
		} else {
			uriTemplate = string(raw)
		}
	}
	return hub.ResourceTemplateDefinition{
		URITemplate: uriTemplate,
		Name:        rt.Name,
		Description: rt.Description,
		MimeType:    rt.MIMEType,
	}
}

func promptDefinition(p mcp.Prompt) hub.PromptDefinition {
	args := make([]hub.PromptArgument, 0, len(p.Arguments))
	for _, a := range p.Arguments {
		args = append(args, hub.PromptArgument{Name: a.Name, Description: a.Description, Required: a.Required})
	}
	return hub.PromptDefinition{Name: p.Name, Description: p.Description, Arguments: args}
}
