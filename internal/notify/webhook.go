package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/monoblaine/background-downloader/internal/domain"
)

// webhookBody is the JSON document POSTed for each event.
type webhookBody struct {
	TaskID   string            `json:"task_id"`
	Status   domain.Status     `json:"status"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Filename string            `json:"filename,omitempty"`
	Error    *domain.TaskError `json:"error,omitempty"`
}

// WebhookNotifier POSTs events to a fixed endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

var _ Notifier = (*WebhookNotifier)(nil)

// NewWebhookNotifier creates a WebhookNotifier for the given endpoint.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	ctx, span := otel.Tracer("notify").Start(ctx, "notify.webhook")
	defer span.End()

	span.SetAttributes(
		attribute.String("task.id", ev.Task.ID),
		attribute.String("task.status", string(ev.Status)),
	)

	payload, err := json.Marshal(webhookBody{
		TaskID:   ev.Task.ID,
		Status:   ev.Status,
		Title:    ev.Title(),
		Body:     ev.Body(),
		Filename: ev.Task.Filename,
		Error:    ev.Error,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal failed")
		return fmt.Errorf("marshal notification for %s: %w", ev.Task.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return fmt.Errorf("notification call to %s: %w", n.url, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("notification endpoint %s returned status %d", n.url, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		return err
	}
	return nil
}
