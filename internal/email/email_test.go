package email

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestRenderGiftCards(t *testing.T) {
	t.Parallel()

	r, err := NewRenderer()
	if err != nil {
		t.Fatalf("failed to create renderer: %v", err)
	}
	msg, err := r.Render(TemplateGiftCardsIssued, &NoticeInfo{
		CustomerEmail: "buyer@example.com",
		OrderNumber:   "42",
		GiftCardCodes: []string{"CODE-A", "CODE-B"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.To != "buyer@example.com" {
		t.Fatalf("to = %q", msg.To)
	}
	if !strings.Contains(msg.Subject, "42") {
		t.Fatalf("subject %q does not name the order", msg.Subject)
	}
	for _, code := range []string{"CODE-A", "CODE-B"} {
		if !strings.Contains(msg.Text, code) || !strings.Contains(msg.HTML, code) {
			t.Fatalf("code %s missing from body", code)
		}
	}
	if msg.Tags["template"] != TemplateGiftCardsIssued || msg.Tags["order"] != "42" {
		t.Fatalf("unexpected tags: %v", msg.Tags)
	}
}

func TestRenderRejectsUnknownTemplate(t *testing.T) {
	t.Parallel()

	r, err := NewRenderer()
	if err != nil {
		t.Fatalf("failed to create renderer: %v", err)
	}
	if _, err := r.Render("welcome", &NoticeInfo{}); err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestResendTagsAreSortedAndSkipEmptyValues(t *testing.T) {
	t.Parallel()

	tags := resendTags(map[string]string{"template": "fulfillment_shipped", "order": "7", "empty": ""})
	if len(tags) != 2 {
		t.Fatalf("expected 2 tags, got %d", len(tags))
	}
	if tags[0].Name != "order" || tags[1].Name != "template" {
		t.Fatalf("unexpected order: %+v", tags)
	}
	if resendTags(nil) != nil {
		t.Fatalf("expected nil tags for nil input")
	}
}

func TestNewProvider(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "default is log", config: Config{}},
		{name: "resend with key", config: Config{Provider: "resend", APIKey: "re_test", From: "orders@example.com"}},
		{name: "resend without key", config: Config{Provider: "resend"}, wantErr: true},
		{name: "unknown provider", config: Config{Provider: "postmark"}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, err := NewProvider(tt.config, logger)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p == nil {
				t.Fatalf("expected provider")
			}
		})
	}
}

func TestLogProviderRequiresEmail(t *testing.T) {
	t.Parallel()

	p := &LogProvider{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	if err := p.SendEmail(context.Background(), nil); err == nil {
		t.Fatalf("expected error, got nil")
	}
	if err := p.SendEmail(context.Background(), &Email{To: "a@example.com", Subject: "hi", Text: "x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
