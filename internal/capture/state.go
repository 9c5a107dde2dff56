package capture

import "time"

// State is the recording state machine's single global value. It is owned
// exclusively by the Orchestrator's event loop; everyone else observes it
// through State() or Subscribe().
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateRecording State = "recording"
	StateFinishing State = "finishing"
	StatePaused    State = "paused"
)

// StateChange is one observed transition, delivered to subscribers in order.
type StateChange struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}
