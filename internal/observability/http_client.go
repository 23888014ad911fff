package observability

import (
	"net/http"
	"time"

	sentryhttpclient "github.com/getsentry/sentry-go/httpclient"
)

// WrapRoundTripper traces outgoing requests and propagates the trace only
// to the given hosts.
func WrapRoundTripper(base http.RoundTripper, propagateTo ...string) http.RoundTripper {
	return sentryhttpclient.NewSentryRoundTripper(
		base,
		sentryhttpclient.WithTracePropagationTargets(propagateTo),
	)
}

// NewHTTPClient returns a traced client for a third party API host.
func NewHTTPClient(timeout time.Duration, host string) *http.Client {
	client := &http.Client{
		Transport: WrapRoundTripper(http.DefaultTransport, host),
	}
	if timeout > 0 {
		client.Timeout = timeout
	}
	return client
}
