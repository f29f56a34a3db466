// Package stream fans out execution lifecycle events to live observers.
//
// Delivery is fire-and-forget per observer with a bounded per-observer
// queue: a slow observer never backpressures the execution that published
// the event. Subscriptions are ephemeral; there is no replay.
package stream

import "time"

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventLog       EventType = "log"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"

	// EventDropped is a synthetic marker enqueued in place of events that
	// were discarded because the observer's queue was full.
	EventDropped EventType = "events_dropped"
)

// Event is one execution lifecycle event.
type Event struct {
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id,omitempty"`
	Type        EventType              `json:"type"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// IsTerminal reports whether the event marks the end of an execution.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case EventCompleted, EventFailed, EventCancelled:
		return true
	default:
		return false
	}
}

// Filter restricts which events a subscription receives.
// Zero-value fields match everything.
type Filter struct {
	ExecutionID string
	WorkflowID  string
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(e Event) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	return true
}
