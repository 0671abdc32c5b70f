package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/captionq/internal/config"
	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/events"
	"github.com/phrazzld/captionq/internal/generation"
	"github.com/phrazzld/captionq/internal/health"
	"github.com/phrazzld/captionq/internal/platform/broker"
	"github.com/phrazzld/captionq/internal/platform/gemini"
	"github.com/phrazzld/captionq/internal/platform/postgres"
	"github.com/phrazzld/captionq/internal/progress"
	"github.com/phrazzld/captionq/internal/queue"
	"github.com/phrazzld/captionq/internal/store"
	"github.com/phrazzld/captionq/internal/task"
)

// Options replaces collaborators that would otherwise be built from
// configuration. Tests use it to run the stack without PostgreSQL, Redis
// or Gemini.
type Options struct {
	TaskStore store.TaskStore
	Redis     redis.UniversalClient
	Generator generation.CaptionGenerator
}

// App holds the shared dependencies of a process.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	// DB is nil when the task store was supplied through Options.
	DB        *sql.DB
	Redis     redis.UniversalClient
	TaskStore store.TaskStore
	Emitter   *events.InMemoryEventEmitter
	Reporter  *progress.Reporter
	Queue     *queue.Manager
	Monitor   *health.Monitor
	Workers   *task.Manager

	ownsRedis bool
}

// New builds an App from cfg. An unreachable broker is not an error: the
// health monitor moves to fallback once it is started.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.TaskStore = opts.TaskStore
	if a.TaskStore == nil {
		db, err := postgres.Open(ctx, cfg.Database.URL, postgres.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		a.DB = db
		a.TaskStore = postgres.NewPostgresTaskStore(db)
	}

	a.Redis = opts.Redis
	if a.Redis == nil {
		a.Redis = broker.NewClient(cfg.Redis)
		a.ownsRedis = true
		if err := broker.Ping(ctx, a.Redis, cfg.Health.PingTimeout); err != nil {
			logger.WarnContext(ctx, "broker unreachable at startup", "addr", cfg.Redis.Addr, "error", err)
		}
	}

	channel := queue.EventsChannel(cfg.Redis.Namespace)
	a.Emitter = events.NewInMemoryEventEmitter(logger)
	a.Emitter.RegisterHandler(events.NewRedisPublisher(a.Redis, channel))

	var err error
	a.Reporter, err = progress.NewReporter(a.TaskStore, a.Emitter, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create progress reporter: %w", err)
	}

	a.Queue, err = queue.NewManager(a.Redis, a.TaskStore, logger, queue.Config{
		Namespace:       cfg.Redis.Namespace,
		ActiveTTL:       cfg.Queue.TaskLifetime,
		Retention:       cfg.Queue.Retention,
		MigrationBatch:  cfg.Queue.MigrationBatch,
		DefaultRetry:    RetryPolicy(cfg.Queue),
		StaleClaimAfter: 2 * cfg.Workers.HeartbeatTTL,
	}, queue.WithTerminalReporter(a.Reporter))
	if err != nil {
		return nil, fmt.Errorf("failed to create queue manager: %w", err)
	}

	a.Monitor, err = health.NewMonitor(a.Queue, a.Queue, logger, health.Config{
		Interval:         cfg.Health.PingInterval,
		FailureThreshold: cfg.Health.FailureThreshold,
		PingTimeout:      cfg.Health.PingTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create broker health monitor: %w", err)
	}
	a.Queue.SetFallbackState(a.Monitor)

	generator := opts.Generator
	if generator == nil {
		generator, err = gemini.NewGeminiGenerator(ctx, logger.With("component", "caption_generator"), cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize caption generator: %w", err)
		}
	}
	captions, err := task.NewCaptionTask(generator, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create caption executor: %w", err)
	}
	registry := task.NewRegistry()
	registry.Register(domain.PayloadKindCaption, captions)

	a.Workers, err = task.NewManager(a.Queue, a.Reporter, registry, logger, task.Config{
		PopTimeout:      cfg.Queue.PopTimeout,
		HeartbeatTTL:    cfg.Workers.HeartbeatTTL,
		PromoteInterval: cfg.Queue.PromoteInterval,
		WorkerBinary:    cfg.Workers.WorkerBinary,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create worker manager: %w", err)
	}

	ok = true
	logger.InfoContext(ctx, "application initialized",
		"namespace", cfg.Redis.Namespace,
		"events_channel", channel,
		"durable_store", a.DB != nil)
	return a, nil
}

// RetryPolicy returns the default retry policy configured for new tasks.
func RetryPolicy(cfg config.QueueConfig) domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
	}
}

// History returns the task store's status history, or nil when the store
// keeps none.
func (a *App) History() store.TaskHistory {
	h, _ := a.TaskStore.(store.TaskHistory)
	return h
}

// Close releases the broker client and database connections it opened.
func (a *App) Close() {
	if a.ownsRedis && a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("error closing broker client", "error", err)
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error("error closing database connection", "error", err)
		}
	}
}
