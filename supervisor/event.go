package supervisor

import "time"

type EventKind string

const (
	EventOutput     EventKind = "output"
	EventPing       EventKind = "ping"
	EventTerminated EventKind = "terminated"
)

type Source string

const (
	SourceStdout Source = "stdout"
	SourceStderr Source = "stderr"
)

// Event is a single item in a subscription's stream.
// Source and Data are only set for output events.
type Event struct {
	Kind   EventKind
	Source Source
	Data   []byte
	Time   time.Time
}

func outputEvent(src Source, b []byte) Event {
	return Event{Kind: EventOutput, Source: src, Data: b, Time: time.Now()}
}

func pingEvent() Event {
	return Event{Kind: EventPing, Time: time.Now()}
}

func terminatedEvent() Event {
	return Event{Kind: EventTerminated, Time: time.Now()}
}
