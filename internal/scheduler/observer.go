package scheduler

import "time"

// EventKind names a scheduling transition.
type EventKind string

const (
	EventRegister     EventKind = "register"
	EventUnregister   EventKind = "unregister"
	EventMap          EventKind = "map"
	EventMapFailed    EventKind = "map_failed"
	EventSwitchIn     EventKind = "switch_in"
	EventSwitchOut    EventKind = "switch_out"
	EventStop         EventKind = "stop"
	EventEvictRequest EventKind = "evict_request"
	EventPendingPush  EventKind = "pending_push"
	EventHWTimeout    EventKind = "hw_timeout"
	EventSuspend      EventKind = "suspend"
	EventResume       EventKind = "resume"
	EventIRQ          EventKind = "irq"
)

// Event describes one scheduling transition. Slot is NoSlot when the event
// is not tied to a slot.
type Event struct {
	At      time.Time
	Kind    EventKind
	Session SessionID
	Slot    int
	Detail  string
}

// Observer receives every Event synchronously, with the scheduler lock
// held. Implementations must not block or call into the Scheduler.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f(e).
func (f ObserverFunc) Observe(e Event) { f(e) }

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithObserver reports scheduling transitions to o.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

func (s *Scheduler) emit(kind EventKind, id SessionID, slot int, detail string) {
	if s.observer == nil {
		return
	}
	s.observer.Observe(Event{At: time.Now(), Kind: kind, Session: id, Slot: slot, Detail: detail})
}
