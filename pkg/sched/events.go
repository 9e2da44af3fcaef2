package sched

import (
	"fmt"
	"time"
)

// currentAPIVersion is the event surface revision. Monitoring consumers gate
// on this: the yield/resume pair was introduced in version 2.
const currentAPIVersion = 2

// EventKind classifies low-level scheduler events.
type EventKind uint8

const (
	// EventSpawn fires when a task is created.
	EventSpawn EventKind = iota
	// EventCall fires when a task receives its first slice.
	EventCall
	// EventReturn fires when a task finishes.
	EventReturn
	// EventYield fires when a task releases the run token at a suspension point.
	EventYield
	// EventResume fires when a suspended task regains the run token.
	EventResume
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventSpawn:
		return "spawn"
	case EventCall:
		return "call"
	case EventReturn:
		return "return"
	case EventYield:
		return "yield"
	case EventResume:
		return "resume"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Event is one low-level scheduler event. Events are delivered synchronously
// from scheduler code paths; sinks must be cheap and must not suspend.
// File and Line locate the task's entry function.
type Event struct {
	Kind      EventKind
	Task      TaskID
	TaskName  string
	FuncName  string
	File      string
	Line      int
	When      time.Time
	Cancelled bool
}

// EventSink receives scheduler events.
type EventSink interface {
	HandleEvent(Event)
}

// Capabilities describes the optional surfaces a scheduler exposes.
type Capabilities struct {
	// EventHooks reports whether the low-level event surface is available.
	EventHooks bool
	// APIVersion is the event surface revision.
	APIVersion int
}

// EventSource is implemented by schedulers that expose low-level event hooks.
// Callers must check Capabilities before attaching: older builds ship without
// the hook surface.
type EventSource interface {
	Capabilities() Capabilities
	AttachEventSink(EventSink) error
	DetachEventSink()
}

// sinkHolder wraps the sink so an interface value fits in an atomic pointer.
type sinkHolder struct {
	sink EventSink
}

// Capabilities returns the loop's optional surfaces.
func (l *Loop) Capabilities() Capabilities { return l.caps }

// AttachEventSink registers the single event sink. The event surface holds one
// process-wide consumer at a time.
func (l *Loop) AttachEventSink(s EventSink) error {
	if !l.caps.EventHooks {
		return fmt.Errorf("sched: event hooks unavailable on this loop")
	}
	if !l.sink.CompareAndSwap(nil, &sinkHolder{sink: s}) {
		return ErrSinkAttached
	}
	return nil
}

// DetachEventSink removes the current event sink, if any.
func (l *Loop) DetachEventSink() {
	l.sink.Store(nil)
}

// emit delivers an event to the attached sink. The nil check keeps the
// disabled path to a single atomic load.
func (l *Loop) emit(ev Event) {
	h := l.sink.Load()
	if h == nil {
		return
	}
	h.sink.HandleEvent(ev)
}

var _ EventSource = (*Loop)(nil)
