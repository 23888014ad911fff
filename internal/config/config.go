// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	StoreProvider  string `env:"STORE_PROVIDER" envDefault:"postgres" validate:"oneof=postgres memory"`
	DatabaseURL    string `env:"DATABASE_URL" validate:"required_if=StoreProvider postgres"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START" envDefault:"true"`

	LockProvider          string `env:"LOCK_PROVIDER" envDefault:"memory" validate:"oneof=memory redis"`
	RedisConnectionString string `env:"REDIS_CONNECTION_STRING" envDefault:"redis://localhost:6379/0" validate:"required_if=LockProvider redis"`

	KafkaBrokers           []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaNotificationTopic string   `env:"KAFKA_NOTIFICATION_TOPIC" envDefault:"order-notifications"`

	StripeSecretKey string `env:"STRIPE_SECRET_KEY"`

	EmailProvider string `env:"EMAIL_PROVIDER" envDefault:"log" validate:"oneof=log resend"`
	ResendAPIKey  string `env:"RESEND_API_KEY" validate:"required_if=EmailProvider resend"`
	EmailFrom     string `env:"EMAIL_FROM" envDefault:"orders@example.com" validate:"required,email"`

	RepairBatchSize       int    `env:"REPAIR_BATCH_SIZE" envDefault:"500" validate:"gt=0"`
	LineRepairBatchSize   int    `env:"LINE_REPAIR_BATCH_SIZE" envDefault:"5000" validate:"gt=0"`
	NotificationBatchSize int    `env:"NOTIFICATION_BATCH_SIZE" envDefault:"3500" validate:"gt=0"`
	SubtotalWindowSize    int64  `env:"SUBTOTAL_WINDOW_SIZE" envDefault:"1000" validate:"gt=0"`
	ScheduleFile          string `env:"SCHEDULE_FILE"`

	TaskMaxAttempts int           `env:"TASK_MAX_ATTEMPTS" envDefault:"5" validate:"gt=0"`
	TaskBackoffBase time.Duration `env:"TASK_BACKOFF_BASE" envDefault:"2s"`
	TaskLockTTL     time.Duration `env:"TASK_LOCK_TTL" envDefault:"10m"`

	SentryDSN         string  `env:"SENTRY_DSN" validate:"omitempty,url"`
	SentryEnvironment string  `env:"SENTRY_ENVIRONMENT" envDefault:"development"`
	SentrySampleRate  float64 `env:"SENTRY_TRACES_SAMPLE_RATE" envDefault:"0.1" validate:"gte=0,lte=1"`

	LogLevel  slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat string     `env:"LOG_FORMAT" envDefault:"text" validate:"omitempty,oneof=text json"`
	Port      string     `env:"PORT" envDefault:"8080"`
}

var configValidator = validator.New()

func Load() (*Config, error) {
	var cfg Config

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if err := configValidator.Struct(c); err != nil {
		return err
	}

	if c.TaskBackoffBase <= 0 {
		return fmt.Errorf("TASK_BACKOFF_BASE must be positive")
	}
	if c.TaskLockTTL <= 0 {
		return fmt.Errorf("TASK_LOCK_TTL must be positive")
	}

	for _, broker := range c.KafkaBrokers {
		if strings.TrimSpace(broker) == "" {
			return fmt.Errorf("KAFKA_BROKERS must not contain empty entries")
		}
	}
	if len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.KafkaNotificationTopic) == "" {
		return fmt.Errorf("KAFKA_NOTIFICATION_TOPIC is required when KAFKA_BROKERS is set")
	}

	return nil
}

// KafkaEnabled reports whether notifications are published to Kafka.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}
