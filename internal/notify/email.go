package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gitshopapp/fulfillment/internal/email"
	"github.com/gitshopapp/fulfillment/internal/logging"
)

// EmailListener mails customers about shipped or canceled fulfillments
// and issued gift cards. Other events are ignored.
type EmailListener struct {
	Nop
	provider email.Provider
	renderer *email.Renderer
	logger   *slog.Logger
}

var _ Listener = (*EmailListener)(nil)

func NewEmailListener(provider email.Provider, logger *slog.Logger) (*EmailListener, error) {
	if provider == nil {
		return nil, fmt.Errorf("email provider is required")
	}
	renderer, err := email.NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("failed to create email renderer: %w", err)
	}
	return &EmailListener{provider: provider, renderer: renderer, logger: logger}, nil
}

func (l *EmailListener) send(ctx context.Context, templateName string, info *email.NoticeInfo) error {
	if info.CustomerEmail == "" {
		logging.FromContext(ctx, l.logger).Debug("skipping email without recipient", "template", templateName)
		return nil
	}
	msg, err := l.renderer.Render(templateName, info)
	if err != nil {
		return fmt.Errorf("failed to render %s email: %w", templateName, err)
	}
	if err := l.provider.SendEmail(ctx, msg); err != nil {
		return fmt.Errorf("failed to send %s email: %w", templateName, err)
	}
	return nil
}

func fulfillmentInfo(n FulfillmentNotice) *email.NoticeInfo {
	return &email.NoticeInfo{
		CustomerEmail:  n.CustomerEmail,
		OrderNumber:    strconv.FormatInt(n.OrderNumber, 10),
		FulfillmentID:  n.ComposedID,
		TrackingNumber: n.TrackingNumber,
	}
}

func (l *EmailListener) FulfillmentCreated(ctx context.Context, n FulfillmentNotice) error {
	if !n.NotifyCustomer {
		return nil
	}
	return l.send(ctx, email.TemplateFulfillmentShipped, fulfillmentInfo(n))
}

func (l *EmailListener) FulfillmentApproved(ctx context.Context, n FulfillmentNotice) error {
	if !n.NotifyCustomer {
		return nil
	}
	return l.send(ctx, email.TemplateFulfillmentShipped, fulfillmentInfo(n))
}

func (l *EmailListener) FulfillmentCanceled(ctx context.Context, n FulfillmentNotice) error {
	if !n.NotifyCustomer {
		return nil
	}
	return l.send(ctx, email.TemplateFulfillmentCanceled, fulfillmentInfo(n))
}

func (l *EmailListener) GiftCardsIssued(ctx context.Context, n GiftCardNotice) error {
	return l.send(ctx, email.TemplateGiftCardsIssued, &email.NoticeInfo{
		CustomerEmail: n.CustomerEmail,
		OrderNumber:   strconv.FormatInt(n.OrderNumber, 10),
		GiftCardCodes: n.Codes,
	})
}
