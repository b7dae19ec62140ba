// Package app wires every component package into one runnable instance
// from a loaded config.Config. The four daemon binaries under cmd/
// (run-ingress, run-high-priority-consumer, run-worker-task-consumer,
// run-scheduler) each call New once and then start only the pieces their
// role needs; none of them re-implements this wiring.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/outreach-orchestrator/runtime/internal/agents"
	"github.com/outreach-orchestrator/runtime/internal/bus"
	"github.com/outreach-orchestrator/runtime/internal/config"
	"github.com/outreach-orchestrator/runtime/internal/ingress"
	"github.com/outreach-orchestrator/runtime/internal/infra"
	"github.com/outreach-orchestrator/runtime/internal/jobqueue"
	"github.com/outreach-orchestrator/runtime/internal/planner"
	"github.com/outreach-orchestrator/runtime/internal/policyengine"
	"github.com/outreach-orchestrator/runtime/internal/storage"
	"github.com/outreach-orchestrator/runtime/internal/subjectcontext"
	"github.com/outreach-orchestrator/runtime/internal/supervisor"
	"github.com/outreach-orchestrator/runtime/internal/threads"
	"github.com/outreach-orchestrator/runtime/internal/toolkit"
	"github.com/outreach-orchestrator/runtime/internal/toolkit/builtins"
	"github.com/outreach-orchestrator/runtime/internal/tracing"
	"github.com/outreach-orchestrator/runtime/internal/workerexec"
	"github.com/outreach-orchestrator/runtime/internal/workflowstore"
	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// App holds every long-lived collaborator a daemon needs, already wired
// together against the loaded config. Fields are exported so a daemon's
// main package can reach into them to register additional task handlers
// or consumer groups without app needing to know about every caller.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Stores   storage.StoreSet
	Bus      bus.Bus
	JobStore jobqueue.Store
	Queue    *jobqueue.Queue

	Registry     *toolkit.Registry
	ToolExecutor *toolkit.Executor
	Policy       *policyengine.Engine
	Planner      *planner.Planner

	Workflows *workflowstore.Store
	Contexts  *subjectcontext.Store
	Threads   *threads.Store

	Supervisor     *supervisor.Supervisor
	WorkerExecutor *workerexec.Executor
	Ingress        *ingress.Ingress

	// Tracer is nil unless observability.enable_tracing is set; consumer
	// groups and the bus accept a nil tracer as inert.
	Tracer   *tracing.Tracer
	Shutdown *infra.ShutdownCoordinator

	redisClient *redis.Client
}

// PingDatabase checks the primary store's connectivity, for the health
// endpoint's "database" check.
func (a *App) PingDatabase(ctx context.Context) error {
	return a.Stores.Ping(ctx)
}

// PingCache checks the rate-limit cache's connectivity, for the health
// endpoint's "cache" check. A deployment with no cache.url configured
// reports healthy: policyengine falls back to a single-process in-memory
// limiter in that case, so there is no external dependency to check.
func (a *App) PingCache(ctx context.Context) error {
	if a.redisClient == nil {
		return nil
	}
	return a.redisClient.Ping(ctx).Err()
}

// loggingSender is the fallback builtins.ChannelSender used until a real
// provider (SMTP client, WhatsApp Business API, SMS gateway) is wired in;
// it only logs the send so a freshly deployed environment can exercise
// the full onboard-to-send path before any provider credentials exist.
type loggingSender struct {
	logger *slog.Logger
}

func (s loggingSender) Send(ctx context.Context, channel models.ChannelType, to, body string) error {
	s.logger.Info("channel send (no provider configured)", "channel", channel, "to", to, "body_len", len(body))
	return nil
}

// policyGateAdapter satisfies toolkit.PolicyGate by reshaping
// policyengine.Engine.EvaluateToolCall's Decision return into the
// (approved, violations, err) triple the executor expects, exactly as
// internal/toolkit/executor.go's PolicyGate doc comment anticipates.
type policyGateAdapter struct {
	engine *policyengine.Engine
}

func (a policyGateAdapter) EvaluateToolCall(ctx context.Context, tenantID, subjectID, toolName string, at time.Time) (bool, []string, error) {
	decision, err := a.engine.EvaluateToolCall(ctx, tenantID, subjectID, toolName, at)
	if err != nil {
		return false, nil, err
	}
	return decision.Approved, decision.Violations, nil
}

// New loads every store, client, and component package behind cfg and
// wires them together. It does not start any consumer group, queue poll
// loop, or scheduler; callers start only what their daemon role needs.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	stores, err := openStores(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: open stores: %w", err)
	}

	tracer, tracerShutdown := tracing.New(cfg.Observability, "outreach-orchestrator")

	natsBus, err := bus.NewNATSBus(ctx, cfg.Bus, logger)
	if err != nil {
		stores.Close()
		return nil, fmt.Errorf("app: connect bus: %w", err)
	}
	b := bus.Traced(natsBus, tracer)

	var redisClient *redis.Client
	var rateLimiter policyengine.RateLimiter
	if cfg.Cache.URL != "" {
		opts, err := redis.ParseURL(cfg.Cache.URL)
		if err != nil {
			return nil, fmt.Errorf("app: parse cache url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		rateLimiter = policyengine.NewRedisRateLimiter(redisClient, 8*24*time.Hour)
	} else {
		logger.Warn("app: no cache.url configured, rate limiting is single-process only")
		rateLimiter = policyengine.NewMemoryRateLimiter(8 * 24 * time.Hour)
	}

	registry := toolkit.NewRegistry(logger)
	workflows := workflowstore.New(stores.Workflows, stores.WorkflowExecutions)
	contexts := subjectcontext.New(stores.SubjectContexts)
	convos := threads.New(stores.ConversationThreads, workflows)

	builtins.Register(registry, contexts, convos, stores.Actions, rateLimiter, loggingSender{logger: logger})

	toolChannels := map[string]models.ChannelType{
		"send-email":    models.ChannelEmail,
		"send-whatsapp": models.ChannelWhatsApp,
		"send-sms":      models.ChannelSMS,
		"send-call":     models.ChannelCall,
	}
	policyEngine := policyengine.New(stores.Subjects, rateLimiter, policyengine.NewRegoOverrideResolver(), policyengine.DefaultPolicy(), toolChannels)
	policyEngine.RecordDenials(stores.Actions)

	toolExecutor := toolkit.NewExecutor(registry, registry, policyGateAdapter{engine: policyEngine}, workflows, logger)

	plannerClient, err := buildPlannerClient(cfg.Planner)
	if err != nil {
		return nil, fmt.Errorf("app: build planner client: %w", err)
	}
	plan := planner.New(plannerClient, nil, cfg.Planner.BreakerWindow, logger)

	jobStore, err := openJobStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: open job store: %w", err)
	}
	queue := jobqueue.NewQueue(jobStore, logger, 250*time.Millisecond)

	// The queue claims only the task types it has handlers for, so the
	// stage-action and escalation rows the supervisor enqueues for bus
	// dispatch are never picked up here.
	dispatcher := agents.NewDispatcher(stores.Events, contexts, logger,
		agents.NewFollowUp(stores.Subjects, toolExecutor, logger))
	queue.RegisterHandler(ingress.TypeAgentInvocation, dispatcher.HandleTask)

	sup := supervisor.New(workflows, jobStore, registry, plan, stores.Subjects, b, logger)

	workerExec := workerexec.New(workerexec.Dependencies{
		Tasks:     jobStore,
		Workflows: workflows,
		Executor:  toolExecutor,
		Registry:  registry,
		Planner:   plan,
		Bus:       b,
		Logger:    logger,
	})

	ing := ingress.New(stores.Subjects, stores.Events, contexts, jobStore, b, logger)

	shutdown := infra.NewShutdownCoordinator(30*time.Second, logger)
	shutdown.RegisterConnection("tracer", tracerShutdown)
	shutdown.RegisterConnection("bus", func(ctx context.Context) error { return b.Close(ctx) })
	shutdown.RegisterConnection("stores", func(ctx context.Context) error { return stores.Close() })
	if redisClient != nil {
		shutdown.RegisterConnection("redis", func(ctx context.Context) error { return redisClient.Close() })
	}

	return &App{
		Config:         cfg,
		Logger:         logger,
		Stores:         stores,
		Bus:            b,
		JobStore:       jobStore,
		Queue:          queue,
		Registry:       registry,
		ToolExecutor:   toolExecutor,
		Policy:         policyEngine,
		Planner:        plan,
		Workflows:      workflows,
		Contexts:       contexts,
		Threads:        convos,
		Supervisor:     sup,
		WorkerExecutor: workerExec,
		Ingress:        ing,
		Tracer:         tracer,
		Shutdown:       shutdown,
		redisClient:    redisClient,
	}, nil
}

func openStores(cfg *config.Config) (storage.StoreSet, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		return storage.NewSQLiteStoresFromDSN(cfg.Database.URL)
	default:
		poolCfg := storage.DefaultPostgresConfig()
		poolCfg.MaxOpenConns = cfg.Database.MaxConnections
		poolCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		return storage.NewPostgresStoresFromDSN(cfg.Database.URL, poolCfg)
	}
}

// openJobStore reuses the same database DSN for job-queue persistence;
// the jobqueue package only ships a Postgres-backed durable Store today
// (no sqlite variant), so a sqlite-driver deployment falls back to the
// in-memory job store, which is already this module's documented dev/test
// path (it loses queued jobs across a restart).
func openJobStore(cfg *config.Config) (jobqueue.Store, error) {
	if cfg.Database.Driver != "postgres" {
		return jobqueue.NewMemoryStore(), nil
	}
	return jobqueue.NewPostgresStore(cfg.Database.URL)
}

func buildPlannerClient(cfg config.PlannerConfig) (planner.Client, error) {
	switch cfg.Provider {
	case "openai":
		return planner.NewOpenAIClient(cfg.APIKey, cfg.ModelID), nil
	case "anthropic":
		return planner.NewAnthropicClient(cfg.APIKey, cfg.ModelID, 4096), nil
	default:
		return nil, fmt.Errorf("app: unknown planner provider %q", cfg.Provider)
	}
}
