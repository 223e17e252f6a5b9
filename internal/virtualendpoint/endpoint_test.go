package virtualendpoint

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musterhub/hub/internal/capability"
	"github.com/musterhub/hub/internal/hub"
	"github.com/musterhub/hub/internal/hubtest"
)

type fakeMetaTools struct {
	tools  []mcp.Tool
	calls  []string
	result *mcp.CallToolResult
}

func (f *fakeMetaTools) Tools() []mcp.Tool { return f.tools }

func (f *fakeMetaTools) Call(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	f.calls = append(f.calls, name)
	return f.result, nil
}

func TestEndpointConstructionWithMetaToolsReturnsServer(t *testing.T) {
	meta := &fakeMetaTools{tools: []mcp.Tool{{Name: "List_All_Tools"}}}
	e := New(Config{
		Index: capability.New(),
		Sink:  hubtest.NewRecordingSink(),
		Clock: hubtest.NewMockClock(time.Unix(0, 0)),
		MetaTools: meta,
	})
	defer e.Stop()

	require.NotNil(t, e.Server())
}

func TestEndpointMetaToolHandlerFuncDispatchesToProvider(t *testing.T) {
	meta := &fakeMetaTools{result: &mcp.CallToolResult{}}
	e := New(Config{
		Index:     capability.New(),
		Sink:      hubtest.NewRecordingSink(),
		Clock:     hubtest.NewMockClock(time.Unix(0, 0)),
		MetaTools: meta,
	})
	defer e.Stop()

	handler := e.metaToolHandlerFunc("Find_Tools")
	_, err := handler(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Find_Tools"}, meta.calls)
}

func TestEndpointApplyDeltaRegistersAndUnregistersTools(t *testing.T) {
	idx := capability.New()
	sink := hubtest.NewRecordingSink()
	e := New(Config{Index: idx, Sink: sink, Clock: hubtest.NewMockClock(time.Unix(0, 0))})
	defer e.Stop()

	idx.Rebuild([]capability.BackendSnapshot{
		{Name: "files", Connected: true, Tools: []hub.ToolDefinition{{Name: "search"}}},
	})

	e.mu.Lock()
	_, registered := e.registered["files__search"]
	e.mu.Unlock()
	assert.True(t, registered)
	assert.NotEmpty(t, sink.EventsOfKind(hub.EventCapabilitiesChanged))

	idx.Rebuild(nil)

	e.mu.Lock()
	_, stillRegistered := e.registered["files__search"]
	e.mu.Unlock()
	assert.False(t, stillRegistered)
}

func TestEndpointMetaOnlySkipsDirectRegistration(t *testing.T) {
	idx := capability.New()
	e := New(Config{
		Index:    idx,
		Sink:     hubtest.NewRecordingSink(),
		Clock:    hubtest.NewMockClock(time.Unix(0, 0)),
		MetaOnly: true,
	})
	defer e.Stop()

	idx.Rebuild([]capability.BackendSnapshot{
		{Name: "files", Connected: true, Tools: []hub.ToolDefinition{{Name: "search"}}},
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.registered, "meta-only mode must never register namespaced capabilities directly")
}

func TestEndpointSessionsAndStop(t *testing.T) {
	e := New(Config{
		Index: capability.New(),
		Sink:  hubtest.NewRecordingSink(),
		Clock: hubtest.NewMockClock(time.Unix(0, 0)),
	})
	require.NotNil(t, e.Sessions())
	e.Stop()
}
