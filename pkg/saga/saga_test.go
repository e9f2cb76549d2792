package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteAllStepsSucceed(t *testing.T) {
	s, err := New("booking",
		Step{ID: "reserve", Forward: func(_ context.Context, input any) (any, error) {
			return input.(string) + ":reserved", nil
		}},
		Step{ID: "charge", Forward: func(_ context.Context, input any) (any, error) {
			return input.(string) + ":charged", nil
		}},
	)
	require.NoError(t, err)

	result := s.Execute(context.Background(), "order-1")

	assert.True(t, result.Success)
	assert.Equal(t, "order-1:reserved:charged", result.Output)
	assert.Empty(t, result.Compensated)
	require.NoError(t, result.Err)
}

func TestExecuteCompensatesInReverse(t *testing.T) {
	var compensated []string
	var compensateInputs []any

	record := func(id string) func(ctx context.Context, input any) error {
		return func(_ context.Context, input any) error {
			compensated = append(compensated, id)
			compensateInputs = append(compensateInputs, input)
			return nil
		}
	}

	s, err := New("booking",
		Step{
			ID:         "step1",
			Forward:    func(_ context.Context, _ any) (any, error) { return "out1", nil },
			Compensate: record("step1"),
		},
		Step{
			ID:         "step2",
			Forward:    func(_ context.Context, _ any) (any, error) { return "out2", nil },
			Compensate: record("step2"),
		},
		Step{
			ID:         "step3",
			Forward:    func(_ context.Context, _ any) (any, error) { return nil, errors.New("declined") },
			Compensate: record("step3"),
		},
	)
	require.NoError(t, err)

	result := s.Execute(context.Background(), "seed")

	assert.False(t, result.Success)
	require.Error(t, result.Err)

	assert.Equal(t, []string{"step2", "step1"}, result.Compensated,
		"completed steps unwind in reverse; the failed step is never compensated")
	assert.Equal(t, []string{"step2", "step1"}, compensated)

	// Each compensation receives the input its forward action received
	assert.Equal(t, []any{"out1", "seed"}, compensateInputs)
}

func TestExecuteSkipsNilCompensations(t *testing.T) {
	var compensated []string
	s, err := New("mixed",
		Step{
			ID:      "no-undo",
			Forward: func(_ context.Context, input any) (any, error) { return input, nil },
		},
		Step{
			ID:      "with-undo",
			Forward: func(_ context.Context, input any) (any, error) { return input, nil },
			Compensate: func(_ context.Context, _ any) error {
				compensated = append(compensated, "with-undo")
				return nil
			},
		},
		Step{
			ID:      "fails",
			Forward: func(_ context.Context, _ any) (any, error) { return nil, errors.New("nope") },
		},
	)
	require.NoError(t, err)

	result := s.Execute(context.Background(), nil)

	assert.False(t, result.Success)
	assert.Equal(t, []string{"with-undo"}, result.Compensated)
	assert.Equal(t, []string{"with-undo"}, compensated)
}

func TestExecuteCompensationFailureDoesNotStopUnwind(t *testing.T) {
	var compensated []string
	s, err := New("resilient",
		Step{
			ID:      "a",
			Forward: func(_ context.Context, input any) (any, error) { return input, nil },
			Compensate: func(_ context.Context, _ any) error {
				compensated = append(compensated, "a")
				return nil
			},
		},
		Step{
			ID:      "b",
			Forward: func(_ context.Context, input any) (any, error) { return input, nil },
			Compensate: func(_ context.Context, _ any) error {
				return errors.New("undo failed")
			},
		},
		Step{
			ID:      "c",
			Forward: func(_ context.Context, _ any) (any, error) { return nil, errors.New("boom") },
		},
	)
	require.NoError(t, err)

	result := s.Execute(context.Background(), nil)

	// b's compensation failed so only a is reported, but the unwind reached a
	assert.Equal(t, []string{"a"}, result.Compensated)
	assert.Equal(t, []string{"a"}, compensated)
}

func TestExecuteEmitsEvents(t *testing.T) {
	var events []Event
	s, err := New("observed",
		Step{ID: "only", Forward: func(_ context.Context, input any) (any, error) { return input, nil }},
	)
	require.NoError(t, err)
	s.WithSink(SinkFunc(func(event Event) { events = append(events, event) }))

	result := s.Execute(context.Background(), nil)
	require.True(t, result.Success)

	var types []EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []EventType{EventSagaStarted, EventStepCompleted, EventSagaCompleted}, types)
}

func TestNewValidation(t *testing.T) {
	fwd := func(_ context.Context, input any) (any, error) { return input, nil }

	_, err := New("")
	assert.Error(t, err)

	_, err = New("empty")
	assert.Error(t, err)

	_, err = New("dup", Step{ID: "a", Forward: fwd}, Step{ID: "a", Forward: fwd})
	assert.Error(t, err)

	_, err = New("no-forward", Step{ID: "a"})
	assert.Error(t, err)
}
