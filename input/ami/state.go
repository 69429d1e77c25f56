package ami

import (
	"time"

	json "github.com/goccy/go-json"
)

// State is the connection state of one server session.
type State int32

// Session states. The numeric values are exported as the session_state
// gauge.
const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateStreaming
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// MarshalJSON writes the state name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Transition reports one state change of a session.
type Transition struct {
	Server string
	From   State
	To     State
	// Err is the failure that caused a transition to Backoff.
	Err error
	// Delay is the backoff delay when To is StateBackoff.
	Delay time.Duration
	// SessionID is set when To is StateStreaming.
	SessionID string
	At        time.Time
}

// Observer receives transitions synchronously from the session goroutine.
// It must not block.
type Observer func(Transition)
