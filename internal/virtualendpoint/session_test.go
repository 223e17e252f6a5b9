package virtualendpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musterhub/hub/internal/hub"
	"github.com/musterhub/hub/internal/hubtest"
)

func TestSessionRegistryOpenAssignsIDWhenMissing(t *testing.T) {
	clock := hubtest.NewMockClock(time.Unix(0, 0))
	r := NewSessionRegistry(time.Hour, clock)
	defer r.Stop()

	sess := r.Open("", hub.TransportStreamableHTTP, "client", "1.0", hub.ListChangedCapabilities{Tools: true}, false)
	assert.NotEmpty(t, sess.SessionID)

	got, ok := r.Get(sess.SessionID)
	require.True(t, ok)
	assert.Equal(t, "client", got.ClientName)
	assert.True(t, got.ListChanged.Tools)
}

func TestSessionRegistryOpenKeepsGivenID(t *testing.T) {
	clock := hubtest.NewMockClock(time.Unix(0, 0))
	r := NewSessionRegistry(time.Hour, clock)
	defer r.Stop()

	sess := r.Open("fixed-id", hub.TransportStdio, "client", "1.0", hub.ListChangedCapabilities{}, true)
	assert.Equal(t, "fixed-id", sess.SessionID)

	got, ok := r.Get("fixed-id")
	require.True(t, ok)
	assert.True(t, got.MetaOnly)
}

func TestSessionRegistryCloseRemovesSession(t *testing.T) {
	clock := hubtest.NewMockClock(time.Unix(0, 0))
	r := NewSessionRegistry(time.Hour, clock)
	defer r.Stop()

	r.Open("s1", hub.TransportStdio, "", "", hub.ListChangedCapabilities{}, false)
	r.Close("s1")

	_, ok := r.Get("s1")
	assert.False(t, ok)
}

func TestSessionRegistryTouchUpdatesLastActivity(t *testing.T) {
	clock := hubtest.NewMockClock(time.Unix(0, 0))
	r := NewSessionRegistry(time.Hour, clock)
	defer r.Stop()

	r.Open("s1", hub.TransportStdio, "", "", hub.ListChangedCapabilities{}, false)
	clock.Advance(5 * time.Minute)
	r.Touch("s1")

	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Equal(t, clock.Now(), got.LastActivity)
}

func TestSessionRegistryListWithToolsListChangedFiltersByCapability(t *testing.T) {
	clock := hubtest.NewMockClock(time.Unix(0, 0))
	r := NewSessionRegistry(time.Hour, clock)
	defer r.Stop()

	r.Open("yes", hub.TransportStreamableHTTP, "", "", hub.ListChangedCapabilities{Tools: true}, false)
	r.Open("no", hub.TransportStreamableHTTP, "", "", hub.ListChangedCapabilities{Tools: false}, false)

	got := r.ListWithToolsListChanged()
	assert.ElementsMatch(t, []string{"yes"}, got)
}

func TestSessionRegistryReapIdleEvictsStaleSessions(t *testing.T) {
	clock := hubtest.NewMockClock(time.Unix(0, 0))
	r := NewSessionRegistry(time.Minute, clock)
	defer r.Stop()

	r.Open("stale", hub.TransportStdio, "", "", hub.ListChangedCapabilities{}, false)
	clock.Advance(2 * time.Minute)
	r.reapIdle()

	_, ok := r.Get("stale")
	assert.False(t, ok)
}
