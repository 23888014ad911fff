// Package email sends customer-facing fulfillment emails.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gitshopapp/fulfillment/internal/logging"
)

type Provider interface {
	SendEmail(ctx context.Context, email *Email) error
}

type Email struct {
	To      string
	Subject string
	Text    string
	HTML    string
	// Tags label the message for delivery analytics. Keys and values are
	// limited to ASCII letters, digits, underscores and dashes.
	Tags map[string]string
}

type Config struct {
	Provider string
	APIKey   string
	From     string
}

// NewProvider returns the configured provider. An empty provider name yields
// a LogProvider so development setups need no credentials.
func NewProvider(config Config, logger *slog.Logger) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(config.Provider)) {
	case "", "log":
		return &LogProvider{logger: logger}, nil
	case "resend":
		if config.APIKey == "" {
			return nil, fmt.Errorf("RESEND_API_KEY is required for the resend email provider")
		}
		return NewResendProvider(config.APIKey, config.From), nil
	default:
		return nil, fmt.Errorf("EMAIL_PROVIDER must be either 'log' or 'resend'")
	}
}

// LogProvider records emails instead of sending them.
type LogProvider struct {
	logger *slog.Logger
}

func (p *LogProvider) SendEmail(ctx context.Context, email *Email) error {
	if email == nil {
		return fmt.Errorf("email is required")
	}
	logging.FromContext(ctx, p.logger).Info("email not sent, log provider configured",
		"to", email.To,
		"subject", email.Subject,
		"tags", email.Tags,
	)
	return nil
}
