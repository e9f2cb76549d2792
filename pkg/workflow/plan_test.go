package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopTask(_ context.Context, input any) (any, error) { return input, nil }

func TestNewPlanValidation(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		steps []Step
	}{
		{"empty plan id", "", []Step{{ID: "a", Task: noopTask}}},
		{"no steps", "p", nil},
		{"empty step id", "p", []Step{{ID: "", Task: noopTask}}},
		{"duplicate step id", "p", []Step{{ID: "a", Task: noopTask}, {ID: "a", Task: noopTask}}},
		{"nil task", "p", []Step{{ID: "a"}}},
		{"bad policy", "p", []Step{{ID: "a", Task: noopTask, OnFail: "MAYBE"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPlan(tt.id, tt.steps...)
			assert.Error(t, err)
		})
	}
}

func TestNewPlanDefaults(t *testing.T) {
	plan, err := NewPlan("p", Step{ID: "a", Task: noopTask})
	require.NoError(t, err)

	assert.Equal(t, FailAbort, plan.Steps[0].OnFail)
	assert.Equal(t, 1, plan.Steps[0].MaxAttempts)
}

func TestValidateFailurePolicy(t *testing.T) {
	for _, valid := range []string{"RETRY", "SKIP", "ABORT"} {
		_, ok := ValidateFailurePolicy(valid)
		assert.True(t, ok, valid)
	}
	_, ok := ValidateFailurePolicy("retry")
	assert.False(t, ok, "policies are case sensitive")
}
