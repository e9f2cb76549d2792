package workflow

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"agentbus/pkg/logx"
	"agentbus/pkg/metrics"
)

// Config tunes orchestrator execution.
type Config struct {
	TaskTimeout     time.Duration // Per-step timeout; 0 disables
	WorkflowTimeout time.Duration // Whole-run timeout; 0 disables
	BackoffBase     time.Duration // base*2^attempt + rand(0,base) between retries
	BackoffMax      time.Duration
	Recorder        metrics.Recorder
}

// DefaultConfig provides reasonable defaults for orchestrator behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	TaskTimeout: 30 * time.Second,
	BackoffBase: 100 * time.Millisecond,
	BackoffMax:  10 * time.Second,
}

// Orchestrator executes workflow plans sequentially: step N+1 never starts
// before step N has finished (success, skip, or final failure). The event
// sink and clock are injected so hosts can observe runs and tests can pin
// time.
type Orchestrator struct {
	sink     EventSink
	cfg      Config
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *logx.Logger
	recorder metrics.Recorder

	rng   *rand.Rand
	rngMu sync.Mutex
}

func NewOrchestrator(sink EventSink, cfg Config) *Orchestrator {
	if sink == nil {
		sink = NopSink{}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultConfig.BackoffMax
	}
	if cfg.Recorder == nil {
		cfg.Recorder = metrics.NopRecorder{}
	}
	return &Orchestrator{
		sink:     sink,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepCtx,
		logger:   logx.NewLogger("orchestrator"),
		recorder: cfg.Recorder,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // Jitter, not crypto
	}
}

// WithClock overrides the orchestrator's clock (tests only).
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Run executes the plan against the input. When a workflow timeout is
// configured the whole run races against it; on timeout the run fails
// immediately without waiting for in-flight step cleanup.
func (o *Orchestrator) Run(ctx context.Context, plan *Plan, input any) Result {
	if o.cfg.WorkflowTimeout <= 0 {
		return o.run(ctx, plan, input)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultCh := make(chan Result, 1)
	go func() {
		resultCh <- o.run(runCtx, plan, input)
	}()

	timer := time.NewTimer(o.cfg.WorkflowTimeout)
	defer timer.Stop()
	select {
	case result := <-resultCh:
		return result
	case <-timer.C:
		cancel()
		err := fmt.Errorf("workflow %q timed out after %s", plan.ID, o.cfg.WorkflowTimeout)
		o.emit(Event{Type: EventWorkflowFailed, PlanID: plan.ID, Err: err.Error()})
		return Result{PlanID: plan.ID, Status: StatusFailed, Err: err}
	}
}

func (o *Orchestrator) run(ctx context.Context, plan *Plan, input any) Result {
	o.emit(Event{Type: EventWorkflowStarted, PlanID: plan.ID})

	result := Result{PlanID: plan.ID, Status: StatusSuccess}
	carried := input

	for i := range plan.Steps {
		step := &plan.Steps[i]
		o.emit(Event{Type: EventStepStarted, PlanID: plan.ID, StepID: step.ID})

		output, err := o.runStepWithRetry(ctx, plan, step, carried)
		if err == nil {
			o.emit(Event{Type: EventStepCompleted, PlanID: plan.ID, StepID: step.ID})
			o.recorder.IncWorkflowStep(plan.ID, "completed")
			result.CompletedSteps = append(result.CompletedSteps, step.ID)
			carried = output
			continue
		}

		if step.OnFail == FailSkip {
			// The skipped step produced nothing: completedSteps and the
			// carried value are both left alone.
			o.emit(Event{Type: EventStepSkipped, PlanID: plan.ID, StepID: step.ID, Err: err.Error()})
			o.recorder.IncWorkflowStep(plan.ID, "skipped")
			o.logger.Warn("skipping failed step %q in plan %q: %v", step.ID, plan.ID, err)
			continue
		}

		o.recorder.IncWorkflowStep(plan.ID, "failed")
		o.emit(Event{Type: EventWorkflowFailed, PlanID: plan.ID, StepID: step.ID, Err: err.Error()})
		result.Status = StatusFailed
		result.Err = err
		result.FailedStep = step.ID
		return result
	}

	o.emit(Event{Type: EventWorkflowCompleted, PlanID: plan.ID})
	result.Output = carried
	return result
}

// runStepWithRetry runs one step until success, retry exhaustion, or a
// non-retrying policy ends it. The returned error is the last attempt's.
func (o *Orchestrator) runStepWithRetry(ctx context.Context, plan *Plan, step *Step, input any) (any, error) {
	maxAttempts := 1
	if step.OnFail == FailRetry {
		maxAttempts = step.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		output, err := o.runTask(ctx, step, input)
		if err == nil {
			return output, nil
		}
		lastErr = err
		o.emit(Event{Type: EventStepFailed, PlanID: plan.ID, StepID: step.ID, Attempt: attempt + 1, Err: err.Error()})

		if attempt+1 < maxAttempts {
			delay := o.backoffDelay(attempt)
			o.emit(Event{Type: EventStepRetrying, PlanID: plan.ID, StepID: step.ID, Attempt: attempt + 1, Delay: delay})
			if sleepErr := o.sleep(ctx, delay); sleepErr != nil {
				return nil, fmt.Errorf("step %q retry cancelled: %w", step.ID, sleepErr)
			}
		}
	}
	return nil, lastErr
}

// runTask races the task against the configured task timeout. The losing
// task goroutine is abandoned, not force-stopped: its context is cancelled
// so cooperative tasks can bail, and whatever it eventually returns is
// discarded via the buffered channel.
func (o *Orchestrator) runTask(ctx context.Context, step *Step, input any) (any, error) {
	taskCtx := ctx
	cancel := context.CancelFunc(func() {})
	if o.cfg.TaskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, o.cfg.TaskTimeout)
	}
	defer cancel()

	type taskResult struct {
		output any
		err    error
	}
	resultCh := make(chan taskResult, 1)
	go func() {
		output, err := step.Task(taskCtx, input)
		resultCh <- taskResult{output: output, err: err}
	}()

	if o.cfg.TaskTimeout > 0 {
		timer := time.NewTimer(o.cfg.TaskTimeout)
		defer timer.Stop()
		select {
		case res := <-resultCh:
			// A cooperative task returning the deadline error can race the
			// timer; report the step timeout either way so the failure names
			// the step.
			if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) &&
				errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("step %q timed out after %s", step.ID, o.cfg.TaskTimeout)
			}
			return res.output, res.err
		case <-timer.C:
			return nil, fmt.Errorf("step %q timed out after %s", step.ID, o.cfg.TaskTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	select {
	case res := <-resultCh:
		return res.output, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) backoffDelay(attempt int) time.Duration {
	delay := o.cfg.BackoffBase << uint(attempt)
	o.rngMu.Lock()
	jitter := time.Duration(o.rng.Int63n(int64(o.cfg.BackoffBase) + 1))
	o.rngMu.Unlock()
	delay += jitter
	if delay > o.cfg.BackoffMax {
		delay = o.cfg.BackoffMax
	}
	return delay
}

func (o *Orchestrator) emit(event Event) {
	event.TS = o.now()
	o.sink.Emit(event)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
