package email

import (
	"bytes"
	"fmt"
	"text/template"
)

const (
	TemplateGiftCardsIssued     = "gift_cards_issued"
	TemplateFulfillmentShipped  = "fulfillment_shipped"
	TemplateFulfillmentCanceled = "fulfillment_canceled"
)

// NoticeInfo carries the data rendered into fulfillment emails.
type NoticeInfo struct {
	CustomerEmail  string
	OrderNumber    string
	FulfillmentID  string
	TrackingNumber string
	GiftCardCodes  []string
}

type emailTemplate struct {
	Subject string
	HTML    string
	Text    string
}

var builtinTemplates = map[string]emailTemplate{
	TemplateGiftCardsIssued: {
		Subject: "Your gift cards for order {{.OrderNumber}}",
		HTML:    giftCardsHTML,
		Text:    giftCardsText,
	},
	TemplateFulfillmentShipped: {
		Subject: "Order {{.OrderNumber}} is on its way",
		HTML:    fulfillmentShippedHTML,
		Text:    fulfillmentShippedText,
	},
	TemplateFulfillmentCanceled: {
		Subject: "Shipment {{.FulfillmentID}} was canceled",
		HTML:    fulfillmentCanceledHTML,
		Text:    fulfillmentCanceledText,
	},
}

// Renderer renders the built-in templates.
type Renderer struct {
	templates *template.Template
}

func NewRenderer() (*Renderer, error) {
	tmpl := template.New("email")
	for key, t := range builtinTemplates {
		if _, err := tmpl.New(key + "_subject").Parse(t.Subject); err != nil {
			return nil, fmt.Errorf("failed to parse subject template %s: %w", key, err)
		}
		if _, err := tmpl.New(key + "_html").Parse(t.HTML); err != nil {
			return nil, fmt.Errorf("failed to parse HTML template %s: %w", key, err)
		}
		if _, err := tmpl.New(key + "_text").Parse(t.Text); err != nil {
			return nil, fmt.Errorf("failed to parse text template %s: %w", key, err)
		}
	}
	return &Renderer{templates: tmpl}, nil
}

func (r *Renderer) Render(templateName string, data *NoticeInfo) (*Email, error) {
	if data == nil {
		return nil, fmt.Errorf("template data is required")
	}
	if _, ok := builtinTemplates[templateName]; !ok {
		return nil, fmt.Errorf("unknown email template %q", templateName)
	}

	var subject, html, text bytes.Buffer
	if err := r.templates.ExecuteTemplate(&subject, templateName+"_subject", data); err != nil {
		return nil, fmt.Errorf("failed to render subject template: %w", err)
	}
	if err := r.templates.ExecuteTemplate(&html, templateName+"_html", data); err != nil {
		return nil, fmt.Errorf("failed to render HTML template: %w", err)
	}
	if err := r.templates.ExecuteTemplate(&text, templateName+"_text", data); err != nil {
		return nil, fmt.Errorf("failed to render text template: %w", err)
	}

	return &Email{
		To:      data.CustomerEmail,
		Subject: subject.String(),
		Text:    text.String(),
		HTML:    html.String(),
		Tags:    map[string]string{"template": templateName, "order": data.OrderNumber},
	}, nil
}

const giftCardsText = `Your gift cards from order {{.OrderNumber}} are ready.

{{range .GiftCardCodes}}- {{.}}
{{end}}
Keep these codes safe. Anyone with a code can spend its balance.
`

const giftCardsHTML = `<!DOCTYPE html>
<html>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
  <h1>Your gift cards are ready</h1>
  <p>Order {{.OrderNumber}}</p>
  <ul>
    {{range .GiftCardCodes}}<li><code>{{.}}</code></li>
    {{end}}
  </ul>
  <p>Keep these codes safe. Anyone with a code can spend its balance.</p>
</body>
</html>
`

const fulfillmentShippedText = `Part of order {{.OrderNumber}} has shipped.

{{if .TrackingNumber}}Tracking number: {{.TrackingNumber}}
{{end}}`

const fulfillmentShippedHTML = `<!DOCTYPE html>
<html>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
  <h1>Your order is on its way</h1>
  <p>Part of order {{.OrderNumber}} has shipped.</p>
  {{if .TrackingNumber}}<p><strong>Tracking number:</strong> {{.TrackingNumber}}</p>{{end}}
</body>
</html>
`

const fulfillmentCanceledText = `Shipment {{.FulfillmentID}} of order {{.OrderNumber}} was canceled.
`

const fulfillmentCanceledHTML = `<!DOCTYPE html>
<html>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
  <p>Shipment {{.FulfillmentID}} of order {{.OrderNumber}} was canceled.</p>
</body>
</html>
`
