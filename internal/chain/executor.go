package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/musterhub/hub/internal/hub"
)

// Limits bound a chain execution the way spec.md §4.6 requires: a
// malicious or buggy chain cannot exhaust the hub's resources.
const (
	MaxSteps             = 256
	MaxArgBytes          = 1 << 20 // 1 MiB per step's resolved arguments
	MaxParallel          = 16
	DefaultTimeout       = 300 * time.Second
	MaxTimeout           = 30 * time.Minute
	MemorySampleInterval = 5 * time.Second
)

// ToolCaller abstracts the backend dispatch a chain step needs. Implemented
// by connection.Caller (internal/connection/caller.go), which adapts a
// *connection.Manager; kept as an interface here so this package does not
// import internal/connection directly and can be unit tested against a fake.
type ToolCaller interface {
	CallTool(ctx context.Context, backend, tool string, args map[string]interface{}) (*mcp.CallToolResult, error)
	HasBackend(backend string) bool
}

// Executor runs Call_Tool_Chain invocations: validates and hardens the step
// list, groups it into alternating sequential/parallel blocks by
// ParallelGroup, executes each block with bounded concurrency, retries
// failed steps per their policy, and rolls back completed steps on failure
// when requested.
//
// Grounded on the teacher's internal/workflow/executor.go
// (WorkflowExecutor.ExecuteWorkflow) for the overall shape (resolve args,
// call tool, store result, build a structured partial-failure report) but
// generalized with parallel groups, conditions, retries and rollback, none
// of which the teacher's sequential-only executor has.
type Executor struct {
	caller    ToolCaller
	sink      hub.EventSink
	clock     hub.Clock
	isWriteOp func(backend, tool string) bool
}

func NewExecutor(caller ToolCaller, sink hub.EventSink, clock hub.Clock) *Executor {
	return &Executor{caller: caller, sink: sink, clock: clock}
}

// SetWriteOpChecker wires in a lookup (backed by the CapabilityIndex) the
// validation phase uses to require ExecutionOptions.ApprovalGranted before
// running a chain containing a write-marked tool (spec.md §4.6 "requires
// approval" gating). Left unset, no chain is treated as requiring approval
// — used in unit tests that construct an Executor without a CapabilityIndex.
func (e *Executor) SetWriteOpChecker(fn func(backend, tool string) bool) {
	e.isWriteOp = fn
}

// Report is the structured result of a chain execution, mirroring the
// teacher's partial-failure JSON shape (status/results/failedStep) with
// per-step metadata added for parallel groups and rollback.
type Report struct {
	Status           string                 `json:"status"` // "completed" | "failed" | "rolled_back" | "requires_approval"
	Results          []hub.StepResult       `json:"results,omitempty"`
	Vars             map[string]interface{} `json:"vars,omitempty"`
	FailedStep       string                 `json:"failedStep,omitempty"`
	Error            string                 `json:"error,omitempty"`
	RequiresApproval bool                   `json:"requires_approval,omitempty"`
	WriteOperations  []WriteOperation       `json:"write_operations,omitempty"`
}

// WriteOperation names one write-marked step a pending chain would dispatch,
// part of the requires_approval response spec.md §4.6/§8 Scenario D
// mandates in place of executing anything.
type WriteOperation struct {
	StepID  string `json:"stepId"`
	Backend string `json:"backend"`
	Tool    string `json:"tool"`
}

// Execute runs steps under opts. vars seeds the VARS.* namespace available
// to path expressions and conditions.
func (e *Executor) Execute(ctx context.Context, executionID string, steps []hub.ChainStep, vars map[string]interface{}, opts hub.ExecutionOptions) (*Report, error) {
	if len(steps) == 0 {
		return nil, &hub.ValidationError{Message: "chain must contain at least one step"}
	}
	if len(steps) > MaxSteps {
		return nil, &hub.ValidationError{Message: fmt.Sprintf("chain has %d steps, exceeds limit of %d", len(steps), MaxSteps)}
	}
	if err := e.validate(steps); err != nil {
		return nil, err
	}
	if writeOps := e.pendingApproval(steps, opts); len(writeOps) > 0 {
		return &Report{Status: "requires_approval", RequiresApproval: true, WriteOperations: writeOps, Vars: vars}, nil
	}

	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxParallel := opts.MaxParallel
	if maxParallel <= 0 || maxParallel > MaxParallel {
		maxParallel = MaxParallel
	}

	if vars == nil {
		vars = map[string]interface{}{}
	}

	e.sink.Emit(hub.Event{Timestamp: e.clock.Now(), Kind: hub.EventChainStart, ExecutionID: executionID, Data: map[string]interface{}{"steps": len(steps)}})

	stepsByID := make(map[string]interface{}, len(steps))
	var results []hub.StepResult
	var prev interface{}
	failed := false
	var failedStepID string
	var execErr error

	stopMem := e.watchMemory(runCtx, executionID)
	defer stopMem()

	for _, block := range groupBySequentialParallelBlocks(steps) {
		if failed && opts.FailFast {
			break
		}
		if len(block) == 1 && block[0].ParallelGroup == "" {
			res, newPrev, err := e.runStep(runCtx, executionID, block[0], Resolver{Prev: prev, Vars: vars, Steps: stepsByID})
			results = append(results, res)
			if res.StepID != "" {
				stepsByID[res.StepID] = res.Result
			}
			if err != nil && !stepSkipsOnError(block[0]) {
				failed = true
				failedStepID = res.StepID
				execErr = err
				if opts.FailFast {
					break
				}
				continue
			}
			if res.Skipped == "" && res.Error == "" {
				prev = newPrev
			}
			continue
		}

		groupResults, groupErr := e.runParallelBlock(runCtx, executionID, block, prev, vars, stepsByID, maxParallel)
		for _, res := range groupResults {
			results = append(results, res)
			if res.StepID != "" {
				stepsByID[res.StepID] = res.Result
			}
			if res.Result != nil {
				prev = res.Result
			}
		}
		if groupErr != nil {
			failed = true
			failedStepID = groupErr.stepID
			execErr = groupErr.err
			if opts.FailFast {
				break
			}
		}
	}

	report := &Report{Results: results, Vars: vars}
	if failed {
		report.Status = "failed"
		report.FailedStep = failedStepID
		if execErr != nil {
			report.Error = execErr.Error()
		}
		if opts.RollbackOnError {
			e.rollback(runCtx, executionID, steps, results, vars, stepsByID)
			report.Status = "rolled_back"
		}
	} else {
		report.Status = "completed"
	}

	e.sink.Emit(hub.Event{Timestamp: e.clock.Now(), Kind: hub.EventChainComplete, ExecutionID: executionID, Data: map[string]interface{}{"status": report.Status}})

	return report, nil
}

func stepSkipsOnError(s hub.ChainStep) bool {
	return s.Conditions != nil && s.Conditions.SkipOnError
}

// validate hardens the step list: every step names a server and a tool,
// every named backend is registered, and explicit step ids are unique.
// Parallel groups and rollback actions are not inspected here.
func (e *Executor) validate(steps []hub.ChainStep) error {
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		if s.ServerName == "" || s.ToolName == "" {
			return &hub.ValidationError{Message: fmt.Sprintf("step %d: server_name and tool_name are required", i)}
		}
		if !e.caller.HasBackend(s.ServerName) {
			return &hub.ValidationError{Message: fmt.Sprintf("step %d: unknown backend %q", i, s.ServerName)}
		}
		if s.ID != "" {
			if seen[s.ID] {
				return &hub.ValidationError{Message: fmt.Sprintf("duplicate step id %q", s.ID)}
			}
			seen[s.ID] = true
		}
	}
	return nil
}

// pendingApproval returns every write-marked step in steps unless the
// caller already granted approval. Only chains pass through this gate;
// direct tool calls at the virtual endpoint are not checked for approval.
// A non-empty result means Execute must return a requires_approval report
// instead of dispatching anything (spec.md §4.6 Phase 1, §8 Scenario D).
func (e *Executor) pendingApproval(steps []hub.ChainStep, opts hub.ExecutionOptions) []WriteOperation {
	if e.isWriteOp == nil || opts.ApprovalGranted {
		return nil
	}
	var ops []WriteOperation
	for _, s := range steps {
		if e.isWriteOp(s.ServerName, s.ToolName) {
			ops = append(ops, WriteOperation{StepID: s.ID, Backend: s.ServerName, Tool: s.ToolName})
		}
	}
	return ops
}

// groupBySequentialParallelBlocks splits steps into runs of contiguous
// steps sharing the same non-empty ParallelGroup (executed concurrently)
// interleaved with individually sequential steps, preserving overall order.
func groupBySequentialParallelBlocks(steps []hub.ChainStep) [][]hub.ChainStep {
	var blocks [][]hub.ChainStep
	i := 0
	for i < len(steps) {
		if steps[i].ParallelGroup == "" {
			blocks = append(blocks, []hub.ChainStep{steps[i]})
			i++
			continue
		}
		group := steps[i].ParallelGroup
		j := i
		var block []hub.ChainStep
		for j < len(steps) && steps[j].ParallelGroup == group {
			block = append(block, steps[j])
			j++
		}
		blocks = append(blocks, block)
		i = j
	}
	return blocks
}

type groupError struct {
	stepID string
	err    error
}

func (e *Executor) runParallelBlock(ctx context.Context, executionID string, block []hub.ChainStep, prev interface{}, vars map[string]interface{}, stepsByID map[string]interface{}, maxParallel int) ([]hub.StepResult, *groupError) {
	sem := semaphore.NewWeighted(int64(maxParallel))
	grp, gctx := errgroup.WithContext(ctx)

	results := make([]hub.StepResult, len(block))
	var mu sync.Mutex
	var firstErr *groupError

	for i, step := range block {
		i, step := i, step
		grp.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			mu.Lock()
			snapshot := make(map[string]interface{}, len(stepsByID))
			for k, v := range stepsByID {
				snapshot[k] = v
			}
			mu.Unlock()

			res, _, err := e.runStep(gctx, executionID, step, Resolver{Prev: prev, Vars: vars, Steps: snapshot})

			mu.Lock()
			results[i] = res
			if err != nil && !stepSkipsOnError(step) && firstErr == nil {
				firstErr = &groupError{stepID: res.StepID, err: err}
			}
			mu.Unlock()
			return nil
		})
	}
	_ = grp.Wait()
	return results, firstErr
}

// runStep resolves a step's arguments, applies input mapping and
// transformations, invokes the backend (with retry), and returns the
// StepResult plus the materialized result value for PREV chaining.
func (e *Executor) runStep(ctx context.Context, executionID string, step hub.ChainStep, r Resolver) (hub.StepResult, interface{}, error) {
	res := hub.StepResult{StepID: step.ID, Backend: step.ServerName, Tool: step.ToolName}

	if step.Conditions != nil && step.Conditions.ExecuteIf != "" {
		ok, err := EvalCondition(step.Conditions.ExecuteIf, r)
		if err != nil {
			res.Error = err.Error()
			res.ExecutedAt = e.clock.Now()
			return res, nil, err
		}
		if !ok {
			res.Skipped = "condition_false"
			res.ExecutedAt = e.clock.Now()
			return res, nil, nil
		}
	}

	args, err := e.resolveArgs(step, r)
	if err != nil {
		res.Error = err.Error()
		res.ExecutedAt = e.clock.Now()
		return res, nil, err
	}
	if b, _ := json.Marshal(args); len(b) > MaxArgBytes {
		err := &hub.ResourceExceededError{Message: fmt.Sprintf("step %s: resolved arguments exceed %d bytes", step.ID, MaxArgBytes)}
		res.Error = err.Error()
		return res, nil, err
	}
	res.Args = args

	e.sink.Emit(hub.Event{Timestamp: e.clock.Now(), Kind: hub.EventToolStart, Backend: step.ServerName, ExecutionID: executionID, Data: map[string]interface{}{"tool": step.ToolName, "step": step.ID}})

	start := e.clock.Now()
	callResult, err := e.callWithRetry(ctx, step, args)
	res.ExecutedAt = start
	res.DurationMs = e.clock.Now().Sub(start).Milliseconds()

	e.sink.Emit(hub.Event{Timestamp: e.clock.Now(), Kind: hub.EventToolComplete, Backend: step.ServerName, ExecutionID: executionID, Data: map[string]interface{}{"tool": step.ToolName, "step": step.ID, "error": errStr(err)}})
	e.sink.Emit(hub.Event{Timestamp: e.clock.Now(), Kind: hub.EventChainStep, ExecutionID: executionID, Data: map[string]interface{}{"step": step.ID, "error": errStr(err)}})

	if err != nil {
		res.Error = err.Error()
		return res, nil, err
	}

	resultMap := toMap(callResult)
	var current interface{} = resultMap
	for _, t := range step.Transformations {
		tr := r
		tr.Prev = current
		out, terr := applyTransformation(t, tr)
		if terr != nil {
			res.Error = terr.Error()
			return res, nil, terr
		}
		if t.Target != "" {
			if resultMap == nil {
				resultMap = map[string]interface{}{}
			}
			resultMap[t.Target] = out
			current = resultMap
		} else {
			current = out
			if m, ok := out.(map[string]interface{}); ok {
				resultMap = m
			}
		}
	}

	res.Result = resultMap
	return res, resultMap, nil
}

func (e *Executor) resolveArgs(step hub.ChainStep, r Resolver) (map[string]interface{}, error) {
	args := make(map[string]interface{}, len(step.Arguments)+len(step.InputMapping))
	for k, v := range step.Arguments {
		args[k] = v
	}
	for target, path := range step.InputMapping {
		v, err := r.Resolve(path)
		if err != nil {
			return nil, fmt.Errorf("step %s: input_mapping[%s]=%q: %w", step.ID, target, path, err)
		}
		if v == Undefined {
			continue
		}
		args[target] = v
	}
	return args, nil
}

func (e *Executor) callWithRetry(ctx context.Context, step hub.ChainStep, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if step.Retry == nil || step.Retry.MaxAttempts <= 1 {
		return e.callOnce(ctx, step, args)
	}

	bo := backoff.NewExponentialBackOff()
	if step.Retry.DelayMs > 0 {
		bo.InitialInterval = time.Duration(step.Retry.DelayMs) * time.Millisecond
	}
	if step.Retry.BackoffMultiplier > 0 {
		bo.Multiplier = float64(step.Retry.BackoffMultiplier)
	}

	var lastErr error
	for attempt := 0; attempt < step.Retry.MaxAttempts; attempt++ {
		result, err := e.callOnce(ctx, step, args)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt == step.Retry.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
	return nil, lastErr
}

func (e *Executor) callOnce(ctx context.Context, step hub.ChainStep, args map[string]interface{}) (*mcp.CallToolResult, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if step.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	return e.caller.CallTool(runCtx, step.ServerName, step.ToolName, args)
}

// rollback executes each completed step's RollbackAction, most-recent
// first, best-effort (a rollback failure is logged via EventSink, not
// surfaced as a second execution error).
func (e *Executor) rollback(ctx context.Context, executionID string, steps []hub.ChainStep, results []hub.StepResult, vars map[string]interface{}, stepsByID map[string]interface{}) {
	byID := make(map[string]hub.ChainStep, len(steps))
	for _, s := range steps {
		if s.ID != "" {
			byID[s.ID] = s
		}
	}
	for i := len(results) - 1; i >= 0; i-- {
		res := results[i]
		if res.Skipped != "" || res.Error != "" {
			continue
		}
		step, ok := byID[res.StepID]
		if !ok || step.RollbackAction == nil {
			continue
		}
		args, err := e.resolveArgs(*step.RollbackAction, Resolver{Prev: res.Result, Vars: vars, Steps: stepsByID})
		if err != nil {
			e.sink.Emit(hub.Event{Timestamp: e.clock.Now(), Kind: hub.EventProtocolWarning, ExecutionID: executionID, Data: map[string]interface{}{"rollback_arg_error": err.Error(), "step": res.StepID}})
			continue
		}
		if _, err := e.caller.CallTool(ctx, step.RollbackAction.ServerName, step.RollbackAction.ToolName, args); err != nil {
			e.sink.Emit(hub.Event{Timestamp: e.clock.Now(), Kind: hub.EventProtocolWarning, ExecutionID: executionID, Data: map[string]interface{}{"rollback_error": err.Error(), "step": res.StepID}})
		}
	}
}

// watchMemory runs a ticker every MemorySampleInterval until ctx is done or
// the returned stop function is called. It does not read memory usage, emit
// any event or cancel the chain: no memory limit is enforced on a chain.
func (e *Executor) watchMemory(ctx context.Context, executionID string) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(MemorySampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
	return func() { close(stop) }
}

func errStr(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// toMap converts an mcp.CallToolResult into a generic map so it can flow
// through PREV/step-result path resolution uniformly, independent of the
// concrete Content types mcp-go uses internally.
func toMap(result *mcp.CallToolResult) map[string]interface{} {
	if result == nil {
		return nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return map[string]interface{}{"isError": result.IsError}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]interface{}{"isError": result.IsError}
	}
	return m
}
