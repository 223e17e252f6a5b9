package chain

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musterhub/hub/internal/hub"
	"github.com/musterhub/hub/internal/hubtest"
)

// fakeCaller is a scriptable ToolCaller for exercising the Executor without
// a real backend connection.
type fakeCaller struct {
	mu        sync.Mutex
	backends  map[string]bool
	handlers  map[string]func(args map[string]interface{}) (*mcp.CallToolResult, error)
	callCount map[string]int
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		backends:  map[string]bool{},
		handlers:  map[string]func(args map[string]interface{}) (*mcp.CallToolResult, error){},
		callCount: map[string]int{},
	}
}

func (f *fakeCaller) register(backend, tool string, h func(args map[string]interface{}) (*mcp.CallToolResult, error)) {
	f.backends[backend] = true
	f.handlers[backend+"/"+tool] = h
}

func (f *fakeCaller) HasBackend(backend string) bool { return f.backends[backend] }

func (f *fakeCaller) CallTool(ctx context.Context, backend, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	f.callCount[backend+"/"+tool]++
	f.mu.Unlock()
	h, ok := f.handlers[backend+"/"+tool]
	if !ok {
		return nil, fmt.Errorf("no handler for %s/%s", backend, tool)
	}
	return h(args)
}

func textResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: s}}}
}

func TestExecutorRunsSequentialStepsAndChainsPrev(t *testing.T) {
	caller := newFakeCaller()
	caller.register("backendA", "list", func(args map[string]interface{}) (*mcp.CallToolResult, error) {
		return textResult(`{"id":"cluster-1"}`), nil
	})
	caller.register("backendA", "describe", func(args map[string]interface{}) (*mcp.CallToolResult, error) {
		assert.Equal(t, "cluster-1", args["clusterId"])
		return textResult("described"), nil
	})

	sink := hubtest.NewRecordingSink()
	clock := hubtest.NewMockClock(time.Unix(0, 0))
	exec := NewExecutor(caller, sink, clock)

	steps := []hub.ChainStep{
		{ID: "s1", ServerName: "backendA", ToolName: "list", Transformations: []hub.StepTransformation{
			{Type: "extract_text", Source: "PREV"},
			{Type: "extract_json", Source: "PREV"},
		}},
		{ID: "s2", ServerName: "backendA", ToolName: "describe", InputMapping: map[string]string{
			"clusterId": "s1.id",
		}},
	}

	report, err := exec.Execute(context.Background(), "exec-1", steps, nil, hub.ExecutionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "completed", report.Status)
	require.Len(t, report.Results, 2)
	assert.Empty(t, report.Results[0].Error)
	assert.Empty(t, report.Results[1].Error)

	assert.NotEmpty(t, sink.EventsOfKind(hub.EventChainStart))
	assert.NotEmpty(t, sink.EventsOfKind(hub.EventChainComplete))
}

func TestExecutorSkipsOnFalseCondition(t *testing.T) {
	caller := newFakeCaller()
	caller.register("backendA", "list", func(args map[string]interface{}) (*mcp.CallToolResult, error) {
		return textResult(`{"count":0}`), nil
	})
	caller.register("backendA", "alert", func(args map[string]interface{}) (*mcp.CallToolResult, error) {
		t.Fatal("alert should not have been called")
		return nil, nil
	})

	exec := NewExecutor(caller, hubtest.NewRecordingSink(), hubtest.NewMockClock(time.Unix(0, 0)))

	steps := []hub.ChainStep{
		{ID: "s1", ServerName: "backendA", ToolName: "list", Transformations: []hub.StepTransformation{
			{Type: "extract_text", Source: "PREV"},
			{Type: "extract_json", Source: "PREV"},
		}},
		{ID: "s2", ServerName: "backendA", ToolName: "alert", Conditions: &hub.StepConditions{
			ExecuteIf: "s1.count > 0",
		}},
	}

	report, err := exec.Execute(context.Background(), "exec-2", steps, nil, hub.ExecutionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "completed", report.Status)
	assert.Equal(t, "condition_false", report.Results[1].Skipped)
}

func TestExecutorFailFastStopsRemainingSteps(t *testing.T) {
	caller := newFakeCaller()
	caller.register("backendA", "ok", func(args map[string]interface{}) (*mcp.CallToolResult, error) {
		return textResult("fine"), nil
	})
	caller.register("backendA", "boom", func(args map[string]interface{}) (*mcp.CallToolResult, error) {
		return nil, fmt.Errorf("boom")
	})
	caller.register("backendA", "never", func(args map[string]interface{}) (*mcp.CallToolResult, error) {
		t.Fatal("never should not run after fail-fast")
		return nil, nil
	})

	exec := NewExecutor(caller, hubtest.NewRecordingSink(), hubtest.NewMockClock(time.Unix(0, 0)))
	steps := []hub.ChainStep{
		{ID: "s1", ServerName: "backendA", ToolName: "ok"},
		{ID: "s2", ServerName: "backendA", ToolName: "boom"},
		{ID: "s3", ServerName: "backendA", ToolName: "never"},
	}

	report, err := exec.Execute(context.Background(), "exec-3", steps, nil, hub.ExecutionOptions{FailFast: true})
	require.NoError(t, err)
	assert.Equal(t, "failed", report.Status)
	assert.Equal(t, "s2", report.FailedStep)
	assert.Len(t, report.Results, 2)
}

func TestExecutorRetriesUntilSuccess(t *testing.T) {
	caller := newFakeCaller()
	attempts := 0
	caller.register("backendA", "flaky", func(args map[string]interface{}) (*mcp.CallToolResult, error) {
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("transient failure")
		}
		return textResult("ok"), nil
	})

	exec := NewExecutor(caller, hubtest.NewRecordingSink(), hubtest.NewMockClock(time.Unix(0, 0)))
	steps := []hub.ChainStep{
		{ID: "s1", ServerName: "backendA", ToolName: "flaky", Retry: &hub.StepRetry{MaxAttempts: 5, DelayMs: 1}},
	}

	report, err := exec.Execute(context.Background(), "exec-4", steps, nil, hub.ExecutionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "completed", report.Status)
	assert.Equal(t, 3, attempts)
}

func TestExecutorRollsBackCompletedStepsOnFailure(t *testing.T) {
	caller := newFakeCaller()
	var rolledBack []string
	caller.register("backendA", "create", func(args map[string]interface{}) (*mcp.CallToolResult, error) {
		return textResult(`{"id":"res-1"}`), nil
	})
	caller.register("backendA", "delete", func(args map[string]interface{}) (*mcp.CallToolResult, error) {
		rolledBack = append(rolledBack, fmt.Sprintf("%v", args["id"]))
		return textResult("deleted"), nil
	})
	caller.register("backendA", "boom", func(args map[string]interface{}) (*mcp.CallToolResult, error) {
		return nil, fmt.Errorf("boom")
	})

	exec := NewExecutor(caller, hubtest.NewRecordingSink(), hubtest.NewMockClock(time.Unix(0, 0)))
	steps := []hub.ChainStep{
		{
			ID: "s1", ServerName: "backendA", ToolName: "create",
			Transformations: []hub.StepTransformation{
				{Type: "extract_text", Source: "PREV"},
				{Type: "extract_json", Source: "PREV"},
			},
			RollbackAction: &hub.ChainStep{
				ServerName: "backendA", ToolName: "delete",
				InputMapping: map[string]string{"id": "PREV.id"},
			},
		},
		{ID: "s2", ServerName: "backendA", ToolName: "boom"},
	}

	report, err := exec.Execute(context.Background(), "exec-5", steps, nil, hub.ExecutionOptions{RollbackOnError: true})
	require.NoError(t, err)
	assert.Equal(t, "rolled_back", report.Status)
	require.Len(t, rolledBack, 1)
	assert.Equal(t, "res-1", rolledBack[0])
}

func TestExecutorValidatesUnknownBackend(t *testing.T) {
	caller := newFakeCaller()
	exec := NewExecutor(caller, hubtest.NewRecordingSink(), hubtest.NewMockClock(time.Unix(0, 0)))

	_, err := exec.Execute(context.Background(), "exec-6", []hub.ChainStep{
		{ID: "s1", ServerName: "ghost", ToolName: "x"},
	}, nil, hub.ExecutionOptions{})
	assert.Error(t, err)
}

func TestExecutorRequiresApprovalForWriteOps(t *testing.T) {
	caller := newFakeCaller()
	caller.register("backendA", "delete", func(args map[string]interface{}) (*mcp.CallToolResult, error) {
		return textResult("deleted"), nil
	})

	exec := NewExecutor(caller, hubtest.NewRecordingSink(), hubtest.NewMockClock(time.Unix(0, 0)))
	exec.SetWriteOpChecker(func(backend, tool string) bool { return tool == "delete" })

	steps := []hub.ChainStep{{ID: "s1", ServerName: "backendA", ToolName: "delete"}}

	report, err := exec.Execute(context.Background(), "exec-8", steps, nil, hub.ExecutionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "requires_approval", report.Status)
	assert.True(t, report.RequiresApproval)
	require.Len(t, report.WriteOperations, 1)
	assert.Equal(t, WriteOperation{StepID: "s1", Backend: "backendA", Tool: "delete"}, report.WriteOperations[0])
	assert.Empty(t, report.Results, "no tool calls may be dispatched when approval is pending")

	report, err = exec.Execute(context.Background(), "exec-9", steps, nil, hub.ExecutionOptions{ApprovalGranted: true})
	require.NoError(t, err)
	assert.Equal(t, "completed", report.Status)
}

func TestExecutorRequiresApprovalListsEveryWriteStep(t *testing.T) {
	caller := newFakeCaller()
	caller.register("backendA", "delete", func(args map[string]interface{}) (*mcp.CallToolResult, error) {
		return textResult("deleted"), nil
	})
	caller.register("backendA", "create", func(args map[string]interface{}) (*mcp.CallToolResult, error) {
		return textResult("created"), nil
	})

	exec := NewExecutor(caller, hubtest.NewRecordingSink(), hubtest.NewMockClock(time.Unix(0, 0)))
	exec.SetWriteOpChecker(func(backend, tool string) bool { return tool == "delete" || tool == "create" })

	steps := []hub.ChainStep{
		{ID: "s1", ServerName: "backendA", ToolName: "delete"},
		{ID: "s2", ServerName: "backendA", ToolName: "create"},
	}

	report, err := exec.Execute(context.Background(), "exec-10", steps, nil, hub.ExecutionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "requires_approval", report.Status)
	require.Len(t, report.WriteOperations, 2, "every write step must be enumerated, not just the first")
}

func TestExecutorSkippedStepDoesNotClobberPrev(t *testing.T) {
	caller := newFakeCaller()
	caller.register("backendA", "list", func(args map[string]interface{}) (*mcp.CallToolResult, error) {
		return textResult(`{"id":"cluster-1"}`), nil
	})
	caller.register("backendA", "maybe", func(args map[string]interface{}) (*mcp.CallToolResult, error) {
		t.Fatal("maybe should be skipped")
		return nil, nil
	})
	caller.register("backendA", "describe", func(args map[string]interface{}) (*mcp.CallToolResult, error) {
		assert.Equal(t, "cluster-1", args["clusterId"])
		return textResult("described"), nil
	})

	exec := NewExecutor(caller, hubtest.NewRecordingSink(), hubtest.NewMockClock(time.Unix(0, 0)))
	steps := []hub.ChainStep{
		{ID: "s1", ServerName: "backendA", ToolName: "list", Transformations: []hub.StepTransformation{
			{Type: "extract_text", Source: "PREV"},
			{Type: "extract_json", Source: "PREV"},
		}},
		{ID: "s2", ServerName: "backendA", ToolName: "maybe", Conditions: &hub.StepConditions{ExecuteIf: "false"}},
		{ID: "s3", ServerName: "backendA", ToolName: "describe", InputMapping: map[string]string{
			"clusterId": "PREV.id",
		}},
	}

	report, err := exec.Execute(context.Background(), "exec-11", steps, nil, hub.ExecutionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "completed", report.Status)
	assert.Equal(t, "condition_false", report.Results[1].Skipped)
	assert.Empty(t, report.Results[2].Error)
}

func TestExecutorErrorSkippedStepDoesNotClobberPrev(t *testing.T) {
	caller := newFakeCaller()
	caller.register("backendA", "list", func(args map[string]interface{}) (*mcp.CallToolResult, error) {
		return textResult(`{"id":"cluster-1"}`), nil
	})
	caller.register("backendA", "flaky", func(args map[string]interface{}) (*mcp.CallToolResult, error) {
		return nil, fmt.Errorf("boom")
	})
	caller.register("backendA", "describe", func(args map[string]interface{}) (*mcp.CallToolResult, error) {
		assert.Equal(t, "cluster-1", args["clusterId"])
		return textResult("described"), nil
	})

	exec := NewExecutor(caller, hubtest.NewRecordingSink(), hubtest.NewMockClock(time.Unix(0, 0)))
	steps := []hub.ChainStep{
		{ID: "s1", ServerName: "backendA", ToolName: "list", Transformations: []hub.StepTransformation{
			{Type: "extract_text", Source: "PREV"},
			{Type: "extract_json", Source: "PREV"},
		}},
		{ID: "s2", ServerName: "backendA", ToolName: "flaky", Conditions: &hub.StepConditions{SkipOnError: true}},
		{ID: "s3", ServerName: "backendA", ToolName: "describe", InputMapping: map[string]string{
			"clusterId": "PREV.id",
		}},
	}

	report, err := exec.Execute(context.Background(), "exec-12", steps, nil, hub.ExecutionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "completed", report.Status)
	assert.NotEmpty(t, report.Results[1].Error)
	assert.Empty(t, report.Results[2].Error)
}

func TestExecutorRunsParallelGroupToCompletion(t *testing.T) {
	caller := newFakeCaller()
	caller.register("backendA", "a", func(args map[string]interface{}) (*mcp.CallToolResult, error) {
		return textResult("a-done"), nil
	})
	caller.register("backendA", "b", func(args map[string]interface{}) (*mcp.CallToolResult, error) {
		return textResult("b-done"), nil
	})

	exec := NewExecutor(caller, hubtest.NewRecordingSink(), hubtest.NewMockClock(time.Unix(0, 0)))
	steps := []hub.ChainStep{
		{ID: "pa", ServerName: "backendA", ToolName: "a", ParallelGroup: "g1"},
		{ID: "pb", ServerName: "backendA", ToolName: "b", ParallelGroup: "g1"},
	}

	report, err := exec.Execute(context.Background(), "exec-7", steps, nil, hub.ExecutionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "completed", report.Status)
	assert.Len(t, report.Results, 2)
}
