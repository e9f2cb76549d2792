package workflow

import (
	"time"

	"agentbus/pkg/eventlog"
)

// EventType identifies a workflow lifecycle event.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventStepStarted       EventType = "step_started"
	EventStepCompleted     EventType = "step_completed"
	EventStepFailed        EventType = "step_failed"
	EventStepRetrying      EventType = "step_retrying"
	EventStepSkipped       EventType = "step_skipped"
)

// Event is one lifecycle observation emitted by the orchestrator.
type Event struct {
	Type    EventType     `json:"type"`
	PlanID  string        `json:"plan_id"`
	StepID  string        `json:"step_id,omitempty"`
	Attempt int           `json:"attempt,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"` // Backoff before the next retry
	Err     string        `json:"error,omitempty"`
	TS      time.Time     `json:"ts"`
}

// EventSink receives lifecycle events. Supplied by the host; used purely for
// observability, never for control flow.
type EventSink interface {
	Emit(event Event)
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(event Event)

func (f SinkFunc) Emit(event Event) {
	f(event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// LogSink persists events through an eventlog writer.
type LogSink struct {
	writer *eventlog.Writer
}

func NewLogSink(writer *eventlog.Writer) *LogSink {
	return &LogSink{writer: writer}
}

func (s *LogSink) Emit(event Event) {
	// Observability only: a failed write must not disturb the run.
	_ = s.writer.WriteEvent(event)
}
