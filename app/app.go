package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	sentryslog "github.com/getsentry/sentry-go/slog"
	"github.com/lmittmann/tint"

	"github.com/gitshopapp/fulfillment/internal/cache"
	"github.com/gitshopapp/fulfillment/internal/config"
	"github.com/gitshopapp/fulfillment/internal/db"
	"github.com/gitshopapp/fulfillment/internal/email"
	"github.com/gitshopapp/fulfillment/internal/fulfillment"
	"github.com/gitshopapp/fulfillment/internal/handlers"
	"github.com/gitshopapp/fulfillment/internal/jobs"
	"github.com/gitshopapp/fulfillment/internal/logging"
	"github.com/gitshopapp/fulfillment/internal/notify"
	"github.com/gitshopapp/fulfillment/internal/payments"
	"github.com/gitshopapp/fulfillment/internal/refunds"
	"github.com/gitshopapp/fulfillment/internal/repair"
	"github.com/gitshopapp/fulfillment/internal/store"
	"github.com/gitshopapp/fulfillment/internal/store/memory"
	"github.com/gitshopapp/fulfillment/internal/stripe"
)

// App holds the wired engines. Mutations enter through Fulfillment and
// Refunds; repairers run under Scheduler.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Store       store.Store
	Fulfillment *fulfillment.Engine
	Refunds     *refunds.Engine
	Scheduler   *jobs.Scheduler
	Handlers    *handlers.Handlers

	closers []closer
}

type closer struct {
	name  string
	close func() error
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg}
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.SentryEnvironment,
			EnableTracing:    true,
			TracesSampleRate: cfg.SentrySampleRate,
			EnableLogs:       true,
		}); err != nil {
			return nil, fmt.Errorf("failed to initialize sentry: %w", err)
		}
		a.onClose("sentry", func() error {
			sentry.Flush(2 * time.Second)
			return nil
		})
	}
	a.Logger = newLogger(cfg)

	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg, logger := a.Config, a.Logger

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	var pinger handlers.Pinger
	switch cfg.StoreProvider {
	case "memory":
		s := memory.New()
		a.Store = s
		a.onClose("store", s.Close)
		logger.Warn("using in-memory store, data is lost on restart")
	default:
		pool, err := db.Connect(startupCtx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		if cfg.MigrateOnStart {
			if err := db.Migrate(pool); err != nil {
				pool.Close()
				return fmt.Errorf("failed to migrate database: %w", err)
			}
		}
		s := db.NewStore(pool, logger)
		a.Store = s
		a.onClose("store", s.Close)
		pinger = s
	}

	locker, err := cache.NewLocker(cache.Config{
		Provider:              cfg.LockProvider,
		RedisConnectionString: cfg.RedisConnectionString,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize task locker: %w", err)
	}
	a.onClose("locker", locker.Close)

	listener, err := a.newListener()
	if err != nil {
		return err
	}
	notifier := notify.NewNotifier(listener, cfg.NotificationBatchSize, logger.With("component", "notifier"))

	a.Fulfillment, err = fulfillment.New(fulfillment.Deps{
		Store:    a.Store,
		Notifier: notifier,
		Logger:   logger.With("component", "fulfillment"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize fulfillment engine: %w", err)
	}
	a.Refunds, err = refunds.New(refunds.Deps{
		Store:    a.Store,
		Gateway:  newGateway(cfg, logger),
		Notifier: notifier,
		Logger:   logger.With("component", "refunds"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize refund engine: %w", err)
	}

	repairers, err := repair.All(repair.Deps{
		Store:         a.Store,
		Notifier:      notifier,
		Logger:        logger,
		BatchSize:     cfg.RepairBatchSize,
		LineBatchSize: cfg.LineRepairBatchSize,
		WindowSize:    cfg.SubtotalWindowSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize repairers: %w", err)
	}
	a.Scheduler, err = jobs.NewScheduler(jobs.Options{
		Locker:      locker,
		Logger:      logger,
		MaxAttempts: cfg.TaskMaxAttempts,
		BackoffBase: cfg.TaskBackoffBase,
		LockTTL:     cfg.TaskLockTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}
	schedule := jobs.DefaultSchedule(repairers)
	if cfg.ScheduleFile != "" {
		schedule, err = jobs.LoadSchedule(cfg.ScheduleFile)
		if err != nil {
			return err
		}
	}
	if err := a.Scheduler.Apply(schedule, repairers); err != nil {
		return fmt.Errorf("failed to apply schedule: %w", err)
	}

	a.Handlers, err = handlers.New(handlers.Dependencies{
		Store:  pinger,
		Jobs:   a.Scheduler,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize handlers: %w", err)
	}
	return nil
}

// newListener fans notifications out to the log, customer email and, when
// configured, Kafka.
func (a *App) newListener() (notify.Listener, error) {
	cfg, logger := a.Config, a.Logger

	provider, err := email.NewProvider(email.Config{
		Provider: cfg.EmailProvider,
		APIKey:   cfg.ResendAPIKey,
		From:     cfg.EmailFrom,
	}, logger.With("component", "email"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize email provider: %w", err)
	}
	emailListener, err := notify.NewEmailListener(provider, logger.With("component", "email_listener"))
	if err != nil {
		return nil, err
	}

	listeners := []notify.Listener{
		notify.NewLogListener(logger.With("component", "notifications")),
		emailListener,
	}
	if cfg.KafkaEnabled() {
		kafka := notify.NewKafkaListener(cfg.KafkaBrokers, cfg.KafkaNotificationTopic, logger.With("component", "kafka"))
		a.onClose("kafka", kafka.Close)
		listeners = append(listeners, kafka)
	}
	return notify.Multi(listeners...), nil
}

// newGateway routes refunds by payment gateway name. Stripe sits behind a
// circuit breaker; payments recorded as manual are refunded without a call.
func newGateway(cfg *config.Config, logger *slog.Logger) payments.Gateway {
	router := payments.Router{"manual": payments.Manual{}}
	if cfg.StripeSecretKey != "" {
		router[stripe.GatewayName] = payments.NewBreakerGateway(
			stripe.NewGateway(cfg.StripeSecretKey),
			payments.BreakerConfig{Name: stripe.GatewayName},
			logger.With("component", "stripe"),
		)
	}
	return router
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, close: fn})
}

// Close releases resources in reverse start order.
func (a *App) Close() {
	if a == nil {
		return
	}
	logger := logging.FromContext(context.Background(), a.Logger)
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			logger.Warn("failed to close resource", "resource", c.name, "error", err)
		}
	}
	a.closers = nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.LogFormat)) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})
	default:
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: cfg.LogLevel})
	}

	if cfg.SentryDSN != "" {
		handler = logging.MultiHandler(handler, sentryslog.Option{
			EventLevel: []slog.Level{slog.LevelError},
			LogLevel:   []slog.Level{slog.LevelWarn, slog.LevelInfo},
		}.NewSentryHandler(context.Background()))
	}
	return slog.New(handler).With("service", "fulfillment")
}
