package agent

import "time"

// EventType identifies a loop progress event.
type EventType string

const (
	EventModelCall  EventType = "model_call"
	EventToolStart  EventType = "tool_start"
	EventToolFinish EventType = "tool_finish"
	EventRunDone    EventType = "run_done"
	EventRunAborted EventType = "run_aborted"
)

// Event describes loop progress. The loop publishes events to the configured
// channel; the notifier and UI layers subscribe. Publishing never blocks the
// loop: if the subscriber falls behind, events are dropped.
type Event struct {
	Type       EventType
	TaskID     string
	Turn       int
	ToolName   string
	ToolCallID string
	IsError    bool
	At         time.Time
}

func publish(events chan<- Event, ev Event) {
	if events == nil {
		return
	}
	ev.At = time.Now()
	select {
	case events <- ev:
	default:
	}
}
