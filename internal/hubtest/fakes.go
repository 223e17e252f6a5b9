// Package hubtest provides deterministic fakes for the hub's collaborator
// interfaces (EventSink, CredentialProvider, Clock, Random), grounded on the
// teacher's internal/testing/mock/clock.go MockClock pattern but without its
// global-default-clock footgun: every fake here is constructed explicitly
// and passed in, never reached for through a package-level singleton.
package hubtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/musterhub/hub/internal/hub"
)

// RecordingSink collects every emitted Event for assertions.
type RecordingSink struct {
	mu     sync.Mutex
	events []hub.Event
}

func NewRecordingSink() *RecordingSink { return &RecordingSink{} }

func (s *RecordingSink) Emit(e hub.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *RecordingSink) Events() []hub.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]hub.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *RecordingSink) EventsOfKind(kind hub.EventKind) []hub.Event {
	var out []hub.Event
	for _, e := range s.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// MockClock is a controllable Clock for deterministic tests, mirroring the
// teacher's internal/testing/mock.MockClock shape (Now/Set/Advance) minus
// its package-level default-clock singleton.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// FixedRandom always returns the same float, for tests that need a
// hub.Random. It does not fix backoff jitter, which Random does not drive.
type FixedRandom struct {
	Value float64
}

func (r FixedRandom) Float64() float64 { return r.Value }

// MapCredentials resolves ${NAME} references from an in-memory map, erroring
// on unknown references.
type MapCredentials struct {
	Values map[string]string
}

func (m MapCredentials) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := m.Values[ref]
	if !ok {
		return "", fmt.Errorf("no credential for %q", ref)
	}
	return v, nil
}
