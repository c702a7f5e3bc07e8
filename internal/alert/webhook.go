package alert

import (
	"context"

	apphttp "funding_arb/pkg/http"
)

// WebhookChannel POSTs {"level","title","message","timestamp","data"} to a URL
type WebhookChannel struct {
	url    string
	client *apphttp.Client
}

func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: newChannelClient(),
	}
}

func (w *WebhookChannel) Name() string {
	return "webhook"
}

func (w *WebhookChannel) Send(ctx context.Context, alert AlertPayload) error {
	if w.url == "" {
		return nil
	}
	_, err := w.client.Post(ctx, w.url, alert)
	return err
}
