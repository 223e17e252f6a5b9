package virtualendpoint

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/musterhub/hub/internal/hub"
)

// DefaultIdleTimeout is how long an upstream session may sit without
// activity before SessionRegistry reaps it (spec.md §4.5).
const DefaultIdleTimeout = 30 * time.Minute

// SessionRegistry tracks per-session state for the virtual endpoint: which
// listChanged capabilities a client declared, whether it negotiated
// meta-only mode, and last-activity for idle cleanup.
//
// Grounded on the teacher's internal/aggregator/session_registry.go, trimmed
// heavily: that file exists to track per-session OAuth connections
// (TokenKey, pending_auth, PerSessionConnection); this hub has no OAuth
// concept in scope (credentials are resolved when the backend config is
// loaded, not per upstream session), so SessionRegistry here only tracks
// the metadata VirtualEndpoint needs for listChanged routing and meta-only
// gating.
type SessionRegistry struct {
	idleTimeout time.Duration
	clock       hub.Clock

	mu       sync.RWMutex
	sessions map[string]*hub.VirtualSession

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewSessionRegistry(idleTimeout time.Duration, clock hub.Clock) *SessionRegistry {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	r := &SessionRegistry{
		idleTimeout: idleTimeout,
		clock:       clock,
		sessions:    make(map[string]*hub.VirtualSession),
		stopCh:      make(chan struct{}),
	}
	go r.cleanupLoop()
	return r
}

// Open registers a new session, generating a sessionId if the transport
// layer hasn't already assigned one (mcp-go assigns its own for HTTP
// transports; stdio gets one minted here since there is exactly one session
// for the lifetime of the process).
func (r *SessionRegistry) Open(sessionID string, transport hub.TransportKind, clientName, clientVer string, listChanged hub.ListChangedCapabilities, metaOnly bool) *hub.VirtualSession {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	now := r.clock.Now()
	sess := &hub.VirtualSession{
		SessionID:    sessionID,
		Transport:    transport,
		ClientName:   clientName,
		ClientVer:    clientVer,
		ListChanged:  listChanged,
		CreatedAt:    now,
		LastActivity: now,
		MetaOnly:     metaOnly,
	}
	r.mu.Lock()
	r.sessions[sessionID] = sess
	r.mu.Unlock()
	return sess
}

func (r *SessionRegistry) Close(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

func (r *SessionRegistry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.LastActivity = r.clock.Now()
	}
}

func (r *SessionRegistry) Get(sessionID string) (hub.VirtualSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return hub.VirtualSession{}, false
	}
	return *s, true
}

// ListWithToolsListChanged returns the ids of registered sessions that
// declared tools listChanged support, used by VirtualEndpoint to target
// notifications.
func (r *SessionRegistry) ListWithToolsListChanged() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, s := range r.sessions {
		if s.ListChanged.Tools {
			out = append(out, id)
		}
	}
	return out
}

func (r *SessionRegistry) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.reapIdle()
		}
	}
}

func (r *SessionRegistry) reapIdle() {
	cutoff := r.clock.Now().Add(-r.idleTimeout)
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if s.LastActivity.Before(cutoff) {
			delete(r.sessions, id)
		}
	}
}

func (r *SessionRegistry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}
