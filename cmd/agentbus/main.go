// Command agentbus runs a small demonstration host: it wires a bus from the
// config, starts a signed-and-deduplicated router with two echo agents,
// executes a workflow plan through the orchestrator, and records the run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"agentbus/pkg/bus"
	"agentbus/pkg/config"
	"agentbus/pkg/dedup"
	"agentbus/pkg/eventlog"
	"agentbus/pkg/logx"
	"agentbus/pkg/metrics"
	"agentbus/pkg/persistence"
	"agentbus/pkg/proto"
	"agentbus/pkg/router"
	"agentbus/pkg/saga"
	"agentbus/pkg/signing"
	"agentbus/pkg/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults apply when empty)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "agentbus: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	logger := logx.NewLogger("agentbus")

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorder := metrics.NewPrometheusRecorder()

	b, err := buildBus(ctx, cfg, recorder)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	store, err := buildDedupStore(cfg)
	if err != nil {
		return err
	}

	eventLog, err := eventlog.NewWriter(cfg.EventLogDir)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer func() { _ = eventLog.Close() }()

	routerCfg := router.Config{
		Retry: router.RetryConfig{
			MaxAttempts: cfg.Router.MaxAttempts,
			BackoffBase: cfg.Router.BackoffBase.Std(),
			BackoffMax:  cfg.Router.BackoffMax.Std(),
		},
		Dedup:    store,
		DedupTTL: cfg.Dedup.TTL.Std(),
		Recorder: recorder,
		EventLog: eventLog,
	}
	routerCfg.Breaker.FailureThreshold = cfg.Router.FailureThreshold
	routerCfg.Breaker.Timeout = cfg.Router.BreakerTimeout.Std()

	if cfg.Signing.Secret != "" {
		provider := signing.NewMemoryKeyProvider(signing.Key{
			ID:     cfg.Signing.ActiveKeyID,
			Secret: cfg.Signing.Secret,
		})
		routerCfg.Signing = &router.SigningConfig{
			Provider: provider,
			Required: cfg.Signing.Required,
		}
	}

	r := router.New(b, routerCfg)
	registerDemoAgents(r, logger)
	if err := r.Start(); err != nil {
		return fmt.Errorf("failed to start router: %w", err)
	}
	defer r.Stop()

	runStore, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = runStore.Close() }()

	if err := publishDemoTask(ctx, cfg, b); err != nil {
		return err
	}

	if err := runDemoWorkflow(ctx, cfg, eventLog, runStore, recorder); err != nil {
		return err
	}

	if err := runDemoSaga(ctx, eventLog, runStore); err != nil {
		return err
	}

	logger.Info("demo complete, press Ctrl-C to exit")
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func buildBus(ctx context.Context, cfg *config.Config, recorder metrics.Recorder) (bus.Bus, error) {
	switch cfg.BusType {
	case config.BusTypeMemory:
		return bus.NewMemoryBus(), nil
	case config.BusTypeRedis:
		return bus.NewRedisBus(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, recorder)
	case config.BusTypePubSub:
		return bus.NewPubSubBus(ctx, bus.PubSubConfig{
			ProjectID:           cfg.PubSub.ProjectID,
			TopicPrefix:         cfg.PubSub.TopicPrefix,
			SubscriptionPrefix:  cfg.PubSub.SubscriptionPrefix,
			AckDeadline:         cfg.PubSub.AckDeadline.Std(),
			DeadLetterTopic:     cfg.PubSub.DeadLetterTopic,
			MaxDeliveryAttempts: cfg.PubSub.MaxDeliveryAttempts,
		}, recorder)
	default:
		return nil, fmt.Errorf("unknown bus type %q", cfg.BusType)
	}
}

func buildDedupStore(cfg *config.Config) (dedup.Store, error) {
	switch cfg.Dedup.Backend {
	case config.DedupBackendMemory:
		return dedup.NewMemoryStore(), nil
	case config.DedupBackendRedis:
		client := dedup.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		return dedup.NewRedisStore(client), nil
	default:
		return nil, fmt.Errorf("unknown dedup backend %q", cfg.Dedup.Backend)
	}
}

func registerDemoAgents(r *router.Router, logger *logx.Logger) {
	r.Register("echo", func(_ context.Context, env *proto.Envelope) error {
		logger.Info("echo received %s %s: %s", env.Type, env.ID, string(env.Payload))
		return nil
	})
	r.Register("audit", func(_ context.Context, env *proto.Envelope) error {
		logger.Info("audit observed %s from %s", env.ID, env.From)
		return nil
	})
}

func publishDemoTask(ctx context.Context, cfg *config.Config, b bus.Bus) error {
	env, err := proto.NewEnvelope(proto.MsgTypeTASK, proto.AtLeastOnce, "demo", map[string]string{
		"action": "greet",
		"text":   "hello from agentbus",
	})
	if err != nil {
		return err
	}
	env.To = proto.Recipients{"echo", "audit"}

	if cfg.Signing.Secret != "" {
		sig, err := signing.Sign(env, cfg.Signing.Secret)
		if err != nil {
			return fmt.Errorf("failed to sign demo task: %w", err)
		}
		env = env.WithSig(sig, cfg.Signing.ActiveKeyID)
	}
	return b.Publish(ctx, env)
}

func runDemoWorkflow(
	ctx context.Context,
	cfg *config.Config,
	eventLog *eventlog.Writer,
	runStore *persistence.Store,
	recorder metrics.Recorder,
) error {
	plan, err := workflow.NewPlan("demo-pipeline",
		workflow.Step{
			ID: "fetch",
			Task: func(_ context.Context, input any) (any, error) {
				return fmt.Sprintf("fetched(%v)", input), nil
			},
		},
		workflow.Step{
			ID: "transform",
			Task: func(_ context.Context, input any) (any, error) {
				return fmt.Sprintf("transformed(%v)", input), nil
			},
			OnFail:      workflow.FailRetry,
			MaxAttempts: 3,
		},
	)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	startedAt := time.Now()

	logSink := workflow.NewLogSink(eventLog)
	sink := workflow.SinkFunc(func(event workflow.Event) {
		_ = runStore.AppendRunEvent(&persistence.RunEvent{
			RunID:     runID,
			EventType: string(event.Type),
			StepID:    event.StepID,
			Attempt:   event.Attempt,
			Error:     event.Err,
			TS:        event.TS,
		})
		logSink.Emit(event)
	})

	orch := workflow.NewOrchestrator(sink, workflow.Config{
		TaskTimeout:     cfg.Workflow.TaskTimeout.Std(),
		WorkflowTimeout: cfg.Workflow.WorkflowTimeout.Std(),
		Recorder:        recorder,
	})
	result := orch.Run(ctx, plan, "seed")

	run := &persistence.WorkflowRun{
		ID:         runID,
		PlanID:     plan.ID,
		Status:     string(result.Status),
		Output:     fmt.Sprintf("%v", result.Output),
		FailedStep: result.FailedStep,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}
	if result.Err != nil {
		run.Error = result.Err.Error()
	}
	return runStore.UpsertWorkflowRun(run)
}

// runDemoSaga books and deliberately fails a transaction, showing reverse
// compensation in the stored result.
func runDemoSaga(ctx context.Context, eventLog *eventlog.Writer, runStore *persistence.Store) error {
	s, err := saga.New("demo-booking",
		saga.Step{
			ID: "reserve",
			Forward: func(_ context.Context, input any) (any, error) {
				return fmt.Sprintf("reserved(%v)", input), nil
			},
			Compensate: func(_ context.Context, _ any) error {
				return nil
			},
		},
		saga.Step{
			ID: "charge",
			Forward: func(_ context.Context, _ any) (any, error) {
				return nil, fmt.Errorf("payment declined")
			},
			Compensate: func(_ context.Context, _ any) error {
				return nil
			},
		},
	)
	if err != nil {
		return err
	}
	s.WithSink(saga.SinkFunc(func(event saga.Event) {
		_ = eventLog.WriteEvent(event)
	}))

	startedAt := time.Now()
	result := s.Execute(ctx, "order-42")

	run := &persistence.SagaRun{
		ID:          uuid.NewString(),
		SagaID:      "demo-booking",
		Success:     result.Success,
		Output:      fmt.Sprintf("%v", result.Output),
		Compensated: result.Compensated,
		StartedAt:   startedAt,
		FinishedAt:  time.Now(),
	}
	if result.Err != nil {
		run.Error = result.Err.Error()
	}
	return runStore.UpsertSagaRun(run)
}
