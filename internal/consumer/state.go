package consumer

// State is the phase the loop is currently in.
type State int32

const (
	StatePolling State = iota
	StateDispatching
	StateAcknowledging
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StateDispatching:
		return "dispatching"
	case StateAcknowledging:
		return "acknowledging"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
