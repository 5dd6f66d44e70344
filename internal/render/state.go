// Package render drives a single page render through its bounded stage
// sequence, delegating timeout recovery to the emergency fallback.
package render

// State is the position of one render in its stage machine.
type State int

const (
	StateInit State = iota
	StateSessionAcquired
	StateNavigating
	StateInteracting
	StateExtracting
	StateDone
	StateFailed
	StateEmergency
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSessionAcquired:
		return "session_acquired"
	case StateNavigating:
		return "navigating"
	case StateInteracting:
		return "interacting"
	case StateExtracting:
		return "extracting"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}
