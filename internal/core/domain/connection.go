package domain

// ConnectionState is the lifecycle state of one peer connection.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText lets states appear by name in JSON payloads and logs.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var allowedTransitions = map[ConnectionState][]ConnectionState{
	StateNew:          {StateConnecting, StateFailed, StateClosed},
	StateConnecting:   {StateConnected, StateFailed, StateClosed},
	StateConnected:    {StateDisconnected, StateFailed, StateClosed},
	StateDisconnected: {StateConnected, StateFailed, StateClosed},
	StateFailed:       {StateClosed},
}

// CanTransitionTo reports whether next is reachable from s in one step.
// Only CONNECTED and DISCONNECTED may cycle; CLOSED is terminal.
func (s ConnectionState) CanTransitionTo(next ConnectionState) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s ConnectionState) IsTerminal() bool {
	return s == StateClosed
}
