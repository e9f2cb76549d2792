// Package workflow provides a step-sequenced execution engine with per-step
// retry, timeout, and skip policies.
package workflow

import (
	"context"
	"fmt"
)

// Task is a named unit of work. It receives the output of the previous step
// and produces the input for the next.
type Task func(ctx context.Context, input any) (any, error)

// FailurePolicy selects what happens when a step's task fails.
type FailurePolicy string

const (
	// FailRetry reruns the step, up to MaxAttempts, with backoff in between.
	FailRetry FailurePolicy = "RETRY"

	// FailSkip proceeds to the next step. The skipped step contributes no
	// output: the carried value does not advance.
	FailSkip FailurePolicy = "SKIP"

	// FailAbort fails the whole workflow immediately.
	FailAbort FailurePolicy = "ABORT"
)

// ValidateFailurePolicy validates if a string is a valid failure policy.
func ValidateFailurePolicy(policy string) (FailurePolicy, bool) {
	switch FailurePolicy(policy) {
	case FailRetry, FailSkip, FailAbort:
		return FailurePolicy(policy), true
	default:
		return "", false
	}
}

// Step is one entry in a plan. MaxAttempts only matters under FailRetry and
// counts the initial attempt; zero means 1.
type Step struct {
	ID          string
	Task        Task
	OnFail      FailurePolicy
	MaxAttempts int
}

// Plan is an ordered list of steps; slice order is execution order.
type Plan struct {
	ID    string
	Steps []Step
}

// NewPlan builds a validated plan. A plan with zero steps is rejected here,
// at build time, not at run time.
func NewPlan(id string, steps ...Step) (*Plan, error) {
	if id == "" {
		return nil, fmt.Errorf("plan id is required")
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("plan %q must have at least one step", id)
	}
	seen := make(map[string]bool, len(steps))
	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			return nil, fmt.Errorf("plan %q: step %d has no id", id, i)
		}
		if seen[step.ID] {
			return nil, fmt.Errorf("plan %q: duplicate step id %q", id, step.ID)
		}
		seen[step.ID] = true
		if step.Task == nil {
			return nil, fmt.Errorf("plan %q: step %q has no task", id, step.ID)
		}
		if step.OnFail == "" {
			step.OnFail = FailAbort
		} else if _, ok := ValidateFailurePolicy(string(step.OnFail)); !ok {
			return nil, fmt.Errorf("plan %q: step %q has invalid policy %q", id, step.ID, step.OnFail)
		}
		if step.MaxAttempts <= 0 {
			step.MaxAttempts = 1
		}
	}
	return &Plan{ID: id, Steps: steps}, nil
}

// Status is the terminal state of a workflow run.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Result reports how a run ended. Failures come back here as structured
// state, never as a raised error: callers inspect Status and Err.
type Result struct {
	PlanID         string
	Status         Status
	Output         any
	Err            error
	CompletedSteps []string // Step ids that produced output, in order
	FailedStep     string   // Set when Status is StatusFailed on a step
}
