package upload

// State is the lifecycle phase of the current (or most recent) upload
// session.
type State int

// Session states, in lifecycle order.
const (
	StateIdle State = iota
	StateInitializing
	StateTransmitting
	StateFinalizing
	StateComplete
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateTransmitting:
		return "transmitting"
	case StateFinalizing:
		return "finalizing"
	case StateComplete:
		return "complete"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
