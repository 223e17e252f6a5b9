package connection

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/musterhub/hub/internal/hub"
	"github.com/musterhub/hub/pkg/logging"
)

const stderrRingBufferBytes = 64 * 1024

// stderrEventRate/stderrEventBurst bound how many backend_stderr events a
// single backend can push onto the EventSink per second. The ring buffer
// still captures every byte for StderrTail regardless; this only throttles
// the per-chunk event emission, so one chatty backend logging continuously
// can't drown out every other backend's events.
const (
	stderrEventRate  = 20
	stderrEventBurst = 40
)

// Handshake is the result of a successful Initialize + capability fetch.
type Handshake struct {
	ServerName        string
	ServerVersion     string
	Tools             []hub.ToolDefinition
	Resources         []hub.ResourceDefinition
	ResourceTemplates []hub.ResourceTemplateDefinition
	Prompts           []hub.PromptDefinition
}

// Connection owns the lifecycle of one backend: its wire client, state
// machine, reconnect policy, and captured stderr (spec.md §4.2, §4.3).
//
// Grounded on the teacher's internal/mcpserver client wrappers (wire
// protocol) and internal/aggregator manager's retry ticker (reconnection),
// with the exponential-backoff policy itself redesigned around
// cenkalti/backoff/v5 (stacklok-toolhive) instead of the teacher's
// hand-rolled ticker.
type Connection struct {
	cfg    hub.BackendConfig
	sink   hub.EventSink
	clock  hub.Clock
	random hub.Random

	mu            sync.RWMutex
	state         hub.ConnectionState
	failureReason hub.FailureReason
	wire          wireClient
	handshake     Handshake
	lastErr       error

	stderrMu      sync.Mutex
	stderrBuf     *ringBuffer
	stderrLimiter *rate.Limiter

	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// New constructs a Connection in the state appropriate to cfg.Disabled.
// selfReference, when true, forces the connection straight to Failed
// without ever attempting to connect (spec.md §4.3, §9).
func New(cfg hub.BackendConfig, sink hub.EventSink, clock hub.Clock, random hub.Random, selfReference bool) *Connection {
	c := &Connection{
		cfg:           cfg,
		sink:          sink,
		clock:         clock,
		random:        random,
		stderrBuf:     newRingBuffer(stderrRingBufferBytes),
		stderrLimiter: rate.NewLimiter(stderrEventRate, stderrEventBurst),
	}
	switch {
	case selfReference:
		c.state = hub.StateFailed
		c.failureReason = hub.FailureSelfReference
	case cfg.Disabled:
		c.state = hub.StateDisabled
	default:
		c.state = hub.StateIdle
	}
	return c
}

func (c *Connection) Name() string { return c.cfg.Name }

func (c *Connection) State() hub.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) FailureReason() hub.FailureReason {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failureReason
}

func (c *Connection) Handshake() Handshake {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handshake
}

func (c *Connection) StderrTail() string {
	c.stderrMu.Lock()
	defer c.stderrMu.Unlock()
	return c.stderrBuf.String()
}

// activeWire returns the live wire client, or a TransportClosed error if the
// connection is not currently Connected. Used by VirtualEndpoint and the
// ChainExecutor to route calls through to the backend.
func (c *Connection) activeWire() (wireClient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.wire == nil {
		return nil, &hub.TransportClosed{Backend: c.cfg.Name}
	}
	return c.wire, nil
}

// CallTool invokes a tool on this backend by its original (non-namespaced)
// name.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	wire, err := c.activeWire()
	if err != nil {
		return nil, err
	}
	return wire.CallTool(ctx, name, args)
}

// ReadResource reads a resource on this backend by its original URI.
func (c *Connection) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	wire, err := c.activeWire()
	if err != nil {
		return nil, err
	}
	return wire.ReadResource(ctx, uri)
}

// GetPrompt retrieves a prompt on this backend by its original name.
func (c *Connection) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	wire, err := c.activeWire()
	if err != nil {
		return nil, err
	}
	return wire.GetPrompt(ctx, name, args)
}

func (c *Connection) setState(to hub.ConnectionState) {
	c.mu.Lock()
	from := c.state
	if !canTransition(from, to) {
		c.mu.Unlock()
		logging.Warn("connection", "backend %s: ignoring illegal transition %s->%s", c.cfg.Name, from, to)
		return
	}
	c.state = to
	c.mu.Unlock()

	c.sink.Emit(hub.Event{
		Timestamp: c.clock.Now(),
		Kind:      hub.EventConnectionState,
		Backend:   c.cfg.Name,
		Data:      map[string]interface{}{"from": string(from), "to": string(to)},
	})
}

// Start begins connecting. It is idempotent: calling it on an already
// Starting/Handshaking/Connected connection is a no-op. It never blocks past
// the caller's ctx; the connect-and-reconnect loop runs in the background
// until Stop is called.
func (c *Connection) Start(ctx context.Context) {
	c.mu.Lock()
	if c.state == hub.StateDisabled || (c.state == hub.StateFailed && c.failureReason == hub.FailureSelfReference) {
		c.mu.Unlock()
		return
	}
	if c.cancelRun != nil {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancelRun = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(runCtx)
}

// Stop tears down the connection and halts reconnection attempts.
func (c *Connection) Stop() {
	c.mu.Lock()
	cancel := c.cancelRun
	c.cancelRun = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	if c.wire != nil {
		_ = c.wire.Close()
		c.wire = nil
	}
	to := hub.StateIdle
	if c.cfg.Disabled {
		to = hub.StateDisabled
	}
	c.mu.Unlock()
	c.setState(hub.StateStopping)
	c.setState(to)
}

func (c *Connection) run(ctx context.Context) {
	defer c.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.setState(hub.StateStarting)
		err := c.connectOnce(ctx)
		if err == nil {
			c.mu.Lock()
			c.lastErr = nil
			c.mu.Unlock()
			bo.Reset()
			attempt = 0
			if !c.waitUntilDisconnected(ctx) {
				return
			}
			continue
		}

		attempt++
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		logging.Error("connection", err, "backend %s: connect attempt %d failed", c.cfg.Name, attempt)

		c.setState(hub.StateReconnecting)
		delay := bo.NextBackOff()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connectOnce performs one Initialize + handshake attempt.
func (c *Connection) connectOnce(ctx context.Context) error {
	wire, err := newWireClient(c.cfg)
	if err != nil {
		c.setState(hub.StateFailed)
		c.mu.Lock()
		c.failureReason = hub.FailureInitError
		c.mu.Unlock()
		return err
	}

	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}

	c.setState(hub.StateHandshaking)
	result, err := wire.Initialize(initCtx)
	if err != nil {
		c.setState(hub.StateFailed)
		c.mu.Lock()
		c.failureReason = hub.FailureInitError
		c.mu.Unlock()
		return fmt.Errorf("initialize backend %s: %w", c.cfg.Name, err)
	}

	hs, err := c.fetchCapabilities(ctx, wire)
	if err != nil {
		_ = wire.Close()
		c.setState(hub.StateFailed)
		c.mu.Lock()
		c.failureReason = hub.FailureInitError
		c.mu.Unlock()
		return fmt.Errorf("handshake backend %s: %w", c.cfg.Name, err)
	}
	if result != nil {
		hs.ServerName = result.ServerInfo.Name
		hs.ServerVersion = result.ServerInfo.Version
	}

	c.mu.Lock()
	c.wire = wire
	c.handshake = hs
	c.failureReason = hub.FailureNone
	c.mu.Unlock()

	c.startStderrCapture(wire)
	c.setState(hub.StateConnected)
	return nil
}

// fetchCapabilities fetches tools/resources/resourceTemplates/prompts
// concurrently (spec.md §4.2 "handshake fetches capability lists in
// parallel"); a single list call failing does not fail the handshake, it is
// simply treated as an empty list for that kind.
func (c *Connection) fetchCapabilities(ctx context.Context, wire wireClient) (Handshake, error) {
	var (
		tools             []hub.ToolDefinition
		resources         []hub.ResourceDefinition
		resourceTemplates []hub.ResourceTemplateDefinition
		prompts           []hub.PromptDefinition
	)

	autoApprove := make(map[string]bool, len(c.cfg.AutoApprove))
	for _, name := range c.cfg.AutoApprove {
		autoApprove[name] = true
	}

	var eg errgroup.Group
	eg.Go(func() error {
		if ts, err := wire.ListTools(ctx); err == nil {
			for _, t := range ts {
				tools = append(tools, toolDefinition(t, autoApprove))
			}
		} else {
			logging.Debug("connection", "backend %s: list tools: %v", c.cfg.Name, err)
		}
		return nil
	})
	eg.Go(func() error {
		if rs, err := wire.ListResources(ctx); err == nil {
			for _, r := range rs {
				resources = append(resources, resourceDefinition(r))
			}
		} else {
			logging.Debug("connection", "backend %s: list resources: %v", c.cfg.Name, err)
		}
		return nil
	})
	eg.Go(func() error {
		if rts, err := wire.ListResourceTemplates(ctx); err == nil {
			for _, rt := range rts {
				resourceTemplates = append(resourceTemplates, resourceTemplateDefinition(rt))
			}
		} else {
			logging.Debug("connection", "backend %s: list resource templates: %v", c.cfg.Name, err)
		}
		return nil
	})
	eg.Go(func() error {
		if ps, err := wire.ListPrompts(ctx); err == nil {
			for _, p := range ps {
				prompts = append(prompts, promptDefinition(p))
			}
		} else {
			logging.Debug("connection", "backend %s: list prompts: %v", c.cfg.Name, err)
		}
		return nil
	})
	_ = eg.Wait()

	return Handshake{
		Tools:             tools,
		Resources:         resources,
		ResourceTemplates: resourceTemplates,
		Prompts:           prompts,
	}, nil
}

func (c *Connection) startStderrCapture(wire wireClient) {
	stdioWire, ok := wire.(*stdioWireClient)
	if !ok {
		return
	}
	r, ok := stdioWire.Stderr()
	if !ok || r == nil {
		return
	}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				c.stderrMu.Lock()
				c.stderrBuf.Write(buf[:n])
				c.stderrMu.Unlock()
				if c.stderrLimiter.Allow() {
					c.sink.Emit(hub.Event{
						Timestamp: c.clock.Now(),
						Kind:      hub.EventBackendStderr,
						Backend:   c.cfg.Name,
						Data:      map[string]interface{}{"line": string(buf[:n])},
					})
				}
			}
			if err != nil {
				return
			}
		}
	}()
}

// waitUntilDisconnected blocks until the connected wire client's Ping loop
// detects a transport failure, or ctx is cancelled. Returns false if ctx was
// cancelled (caller should stop), true if disconnected and should reconnect.
func (c *Connection) waitUntilDisconnected(ctx context.Context) bool {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			c.mu.RLock()
			wire := c.wire
			c.mu.RUnlock()
			if wire == nil {
				return true
			}
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wire.Ping(pingCtx)
			cancel()
			if err != nil {
				logging.Warn("connection", "backend %s: ping failed, marking degraded: %v", c.cfg.Name, err)
				c.setState(hub.StateDegraded)
				_ = wire.Close()
				c.mu.Lock()
				c.wire = nil
				c.mu.Unlock()
				return true
			}
		}
	}
}

// ringBuffer is a fixed-capacity byte ring used for the backend stderr tail
// (SPEC_FULL.md §4: capped at 64 KiB per backend so a noisy subprocess can
// never grow memory unbounded).
type ringBuffer struct {
	buf   *bytes.Buffer
	limit int
}

func newRingBuffer(limit int) *ringBuffer {
	return &ringBuffer{buf: new(bytes.Buffer), limit: limit}
}

func (r *ringBuffer) Write(p []byte) {
	r.buf.Write(p)
	if over := r.buf.Len() - r.limit; over > 0 {
		r.buf.Next(over)
	}
}

func (r *ringBuffer) String() string { return r.buf.String() }
