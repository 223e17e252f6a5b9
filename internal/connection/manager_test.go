package connection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musterhub/hub/internal/hub"
	"github.com/musterhub/hub/internal/hubtest"
)

func newTestManager() (*Manager, *hubtest.RecordingSink) {
	sink := hubtest.NewRecordingSink()
	clock := hubtest.NewMockClock(time.Unix(0, 0))
	mgr := New("http://hub.local/mcp", sink, clock, hubtest.FixedRandom{Value: 0.5})
	return mgr, sink
}

func TestManagerAddDisabledBackendStaysDisabledNotStarted(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	require.NoError(t, mgr.Add(ctx, hub.BackendConfig{Name: "b1", Disabled: true, Transport: hub.TransportStdio}))

	conn, ok := mgr.Get("b1")
	require.True(t, ok)
	assert.Equal(t, hub.StateDisabled, conn.State())
}

func TestManagerAddSelfReferenceForcesFailed(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	require.NoError(t, mgr.Add(ctx, hub.BackendConfig{
		Name:      "loopback",
		Transport: hub.TransportStreamableHTTP,
		URL:       "http://hub.local/mcp",
	}))

	conn, ok := mgr.Get("loopback")
	require.True(t, ok)
	assert.Equal(t, hub.StateFailed, conn.State())
	assert.Equal(t, hub.FailureSelfReference, conn.FailureReason())
}

func TestManagerRemoveStopsAndForgets(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	require.NoError(t, mgr.Add(ctx, hub.BackendConfig{Name: "b1", Disabled: true, Transport: hub.TransportStdio}))
	mgr.Remove("b1")

	_, ok := mgr.Get("b1")
	assert.False(t, ok)
}

func TestManagerNotifiesListenersOnAddAndRemove(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	calls := 0
	mgr.OnChanged(func() { calls++ })

	require.NoError(t, mgr.Add(ctx, hub.BackendConfig{Name: "b1", Disabled: true, Transport: hub.TransportStdio}))
	mgr.Remove("b1")

	assert.Equal(t, 2, calls)
}
