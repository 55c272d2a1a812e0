package runloop

import "time"

// EventType names a loop event.
type EventType string

const (
	EventState          EventType = "state"
	EventCompiled       EventType = "compiled"
	EventCompileFailed  EventType = "compile_failed"
	EventSynced         EventType = "synced"
	EventSyncFailed     EventType = "sync_failed"
	EventSessionStarted EventType = "session_started"
	EventSessionExited  EventType = "session_exited"
)

// Event describes something the loop did. Fields not relevant to the
// type are empty.
type Event struct {
	Type    EventType `json:"type"`
	Time    time.Time `json:"time"`
	Cycle   int       `json:"cycle"`
	State   string    `json:"state,omitempty"`
	Path    string    `json:"path,omitempty"`
	Target  string    `json:"target,omitempty"`
	Session string    `json:"session,omitempty"`
	Error   string    `json:"error,omitempty"`
	Output  string    `json:"output,omitempty"`
}

// Observer receives loop events. Publish is called from the control
// goroutine and must not block.
type Observer interface {
	Publish(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Publish(e Event) { f(e) }

type nopObserver struct{}

func (nopObserver) Publish(Event) {}

type multiObserver []Observer

func (m multiObserver) Publish(e Event) {
	for _, o := range m {
		o.Publish(e)
	}
}

// Observers fans events out to every non-nil observer in order.
func Observers(obs ...Observer) Observer {
	var out multiObserver
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	switch len(out) {
	case 0:
		return nopObserver{}
	case 1:
		return out[0]
	}
	return out
}
