package email

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	resend "github.com/resend/resend-go/v3"

	"github.com/gitshopapp/fulfillment/internal/observability"
)

// ResendProvider delivers customer notices through Resend.
type ResendProvider struct {
	from   string
	client *resend.Client
}

func NewResendProvider(apiKey, from string) *ResendProvider {
	httpClient := observability.NewHTTPClient(15*time.Second, "api.resend.com")
	return &ResendProvider{
		from:   from,
		client: resend.NewCustomClient(httpClient, apiKey),
	}
}

func (r *ResendProvider) SendEmail(ctx context.Context, email *Email) error {
	if email == nil {
		return errors.New("email is required")
	}
	if email.To == "" {
		return errors.New("email recipient is required")
	}
	if email.HTML == "" && email.Text == "" {
		return errors.New("email body is empty")
	}

	sent, err := r.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    r.from,
		To:      []string{email.To},
		Subject: email.Subject,
		Html:    email.HTML,
		Text:    email.Text,
		Tags:    resendTags(email.Tags),
	})
	if err != nil {
		return fmt.Errorf("failed to send %q via resend: %w", email.Subject, err)
	}
	if sent == nil || sent.Id == "" {
		return fmt.Errorf("resend accepted %q without a message id", email.Subject)
	}
	return nil
}

// resendTags orders tags by name so requests are stable.
func resendTags(tags map[string]string) []resend.Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]resend.Tag, 0, len(tags))
	for name, value := range tags {
		if value == "" {
			continue
		}
		out = append(out, resend.Tag{Name: name, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
