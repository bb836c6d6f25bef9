package link

// State is the link state machine position. Steady state is Connected.
// Disconnected and Failed are terminal per attempt, not per session: the
// manager schedules another attempt unless intent is off.
type State int32

const (
	StateIdle State = iota
	StateDiscovering
	StateConnecting
	StateResolvingServices
	StateSubscribed
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateConnecting:
		return "connecting"
	case StateResolvingServices:
		return "resolving_services"
	case StateSubscribed:
		return "subscribed"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
