package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/musterhub/hub/internal/hub"
)

func TestCanTransitionHappyPath(t *testing.T) {
	assert.True(t, canTransition(hub.StateIdle, hub.StateStarting))
	assert.True(t, canTransition(hub.StateStarting, hub.StateHandshaking))
	assert.True(t, canTransition(hub.StateHandshaking, hub.StateConnected))
	assert.True(t, canTransition(hub.StateConnected, hub.StateDegraded))
	assert.True(t, canTransition(hub.StateDegraded, hub.StateConnected))
	assert.True(t, canTransition(hub.StateReconnecting, hub.StateStarting))
}

func TestCanTransitionRejectsIllegalJumps(t *testing.T) {
	assert.False(t, canTransition(hub.StateIdle, hub.StateConnected))
	assert.False(t, canTransition(hub.StateDisabled, hub.StateConnected))
	assert.False(t, canTransition(hub.StateFailed, hub.StateConnected))
}
