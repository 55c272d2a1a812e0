package runloop

import "fmt"

// State is the phase the loop is in.
type State int

const (
	Idle State = iota
	Scanning
	Compiling
	Syncing
	Running
	WaitingForChange
	Cancelled
	Fatal
)

var stateNames = [...]string{
	Idle:             "idle",
	Scanning:         "scanning",
	Compiling:        "compiling",
	Syncing:          "syncing",
	Running:          "running",
	WaitingForChange: "waiting",
	Cancelled:        "cancelled",
	Fatal:            "fatal",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether the loop has ended.
func (s State) Terminal() bool {
	return s == Cancelled || s == Fatal
}

func isAllowedTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Cancelled || to == Fatal {
		return true
	}
	switch from {
	case Idle:
		return to == Scanning
	case Scanning:
		return to == Compiling
	case Compiling:
		// Compile-only cycles skip syncing.
		return to == Syncing || to == Running
	case Syncing:
		return to == Running
	case Running:
		return to == WaitingForChange
	case WaitingForChange:
		return to == Compiling
	default:
		return false
	}
}
