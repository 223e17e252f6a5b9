package connection

import "github.com/musterhub/hub/internal/hub"

// validTransitions enumerates the state machine edges from spec.md §4.2.
// Idle is the rest state after a clean Stop; Failed is terminal absent an
// explicit restart, which re-enters at Starting.
var validTransitions = map[hub.ConnectionState][]hub.ConnectionState{
	hub.StateDisabled:     {hub.StateIdle},
	hub.StateIdle:         {hub.StateStarting, hub.StateDisabled},
	hub.StateStarting:     {hub.StateHandshaking, hub.StateFailed, hub.StateStopping},
	hub.StateHandshaking:  {hub.StateConnected, hub.StateFailed, hub.StateStopping},
	hub.StateConnected:    {hub.StateDegraded, hub.StateStopping, hub.StateReconnecting},
	hub.StateDegraded:     {hub.StateConnected, hub.StateReconnecting, hub.StateStopping},
	hub.StateReconnecting: {hub.StateStarting, hub.StateFailed, hub.StateStopping},
	hub.StateStopping:     {hub.StateIdle, hub.StateDisabled},
	hub.StateFailed:       {hub.StateStarting, hub.StateDisabled, hub.StateStopping},
}

func canTransition(from, to hub.ConnectionState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
