// Package saga runs multi-step transactions with reverse compensation.
// Each step's forward action feeds the next; when a forward action fails,
// every previously completed step is compensated in strict reverse order
// using the input that step originally received.
package saga

import (
	"context"
	"fmt"
	"time"

	"agentbus/pkg/logx"
)

// Step pairs a forward action with an optional compensating action.
// Compensate may be nil for steps with no side effects to undo.
type Step struct {
	ID         string
	Forward    func(ctx context.Context, input any) (any, error)
	Compensate func(ctx context.Context, input any) error
}

// Result reports the outcome of a saga execution. Compensated lists the
// step IDs whose compensation ran and succeeded, in the order they were
// compensated (reverse of execution order).
type Result struct {
	SagaID      string
	Success     bool
	Output      any
	Err         error
	Compensated []string
}

// EventType labels saga lifecycle events.
type EventType string

const (
	EventSagaStarted     EventType = "saga_started"
	EventSagaCompleted   EventType = "saga_completed"
	EventSagaFailed      EventType = "saga_failed"
	EventStepCompleted   EventType = "saga_step_completed"
	EventStepCompensated EventType = "saga_step_compensated"
)

// Event describes one saga lifecycle transition.
type Event struct {
	Type   EventType `json:"type"`
	SagaID string    `json:"saga_id"`
	StepID string    `json:"step_id,omitempty"`
	Err    string    `json:"error,omitempty"`
	TS     time.Time `json:"ts"`
}

// EventSink receives saga events. Observability only.
type EventSink interface {
	Emit(event Event)
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(event Event)

func (f SinkFunc) Emit(event Event) { f(event) }

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// Saga executes an ordered list of steps with compensation on failure.
type Saga struct {
	id     string
	steps  []Step
	sink   EventSink
	now    func() time.Time
	logger *logx.Logger
}

// New builds a saga. Step IDs must be non-empty and unique, and every
// step needs a forward action.
func New(id string, steps ...Step) (*Saga, error) {
	if id == "" {
		return nil, fmt.Errorf("saga id must not be empty")
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("saga %q has no steps", id)
	}
	seen := make(map[string]bool, len(steps))
	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			return nil, fmt.Errorf("saga %q: step %d has an empty id", id, i)
		}
		if seen[step.ID] {
			return nil, fmt.Errorf("saga %q: duplicate step id %q", id, step.ID)
		}
		seen[step.ID] = true
		if step.Forward == nil {
			return nil, fmt.Errorf("saga %q: step %q has no forward action", id, step.ID)
		}
	}
	return &Saga{
		id:     id,
		steps:  steps,
		sink:   NopSink{},
		now:    time.Now,
		logger: logx.NewLogger("saga"),
	}, nil
}

// WithSink attaches an event sink.
func (s *Saga) WithSink(sink EventSink) *Saga {
	if sink != nil {
		s.sink = sink
	}
	return s
}

// completedStep remembers a finished step together with the input its
// forward action received, which is what its compensation will be given.
type completedStep struct {
	step  *Step
	input any
}

// Execute runs the forward actions in order. On the first failure it
// compensates the completed steps in reverse and returns a failed result;
// the failed step itself is never compensated. Compensation is best
// effort: an error from one compensating action is logged and the unwind
// continues with the remaining steps.
func (s *Saga) Execute(ctx context.Context, input any) Result {
	s.emit(Event{Type: EventSagaStarted, SagaID: s.id})

	result := Result{SagaID: s.id}
	carried := input
	completed := make([]completedStep, 0, len(s.steps))

	for i := range s.steps {
		step := &s.steps[i]
		output, err := step.Forward(ctx, carried)
		if err != nil {
			stepErr := fmt.Errorf("saga %q: step %q failed: %w", s.id, step.ID, err)
			s.logger.Warn("%v, compensating %d completed steps", stepErr, len(completed))
			result.Err = stepErr
			result.Compensated = s.compensate(ctx, completed)
			s.emit(Event{Type: EventSagaFailed, SagaID: s.id, StepID: step.ID, Err: err.Error()})
			return result
		}
		completed = append(completed, completedStep{step: step, input: carried})
		carried = output
		s.emit(Event{Type: EventStepCompleted, SagaID: s.id, StepID: step.ID})
	}

	result.Success = true
	result.Output = carried
	s.emit(Event{Type: EventSagaCompleted, SagaID: s.id})
	return result
}

func (s *Saga) compensate(ctx context.Context, completed []completedStep) []string {
	compensated := make([]string, 0, len(completed))
	for i := len(completed) - 1; i >= 0; i-- {
		entry := completed[i]
		if entry.step.Compensate == nil {
			continue
		}
		if err := entry.step.Compensate(ctx, entry.input); err != nil {
			s.logger.Error("saga %q: compensation for step %q failed: %v", s.id, entry.step.ID, err)
			continue
		}
		compensated = append(compensated, entry.step.ID)
		s.emit(Event{Type: EventStepCompensated, SagaID: s.id, StepID: entry.step.ID})
	}
	return compensated
}

func (s *Saga) emit(event Event) {
	event.TS = s.now()
	s.sink.Emit(event)
}
