// Package notify fans domain events out to the notification system (email,
// in-app alerts) which lives outside this service. Delivery is asynchronous
// through river jobs so a slow or down notification backend never affects
// consumption or reconciliation.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/studyforge/backend/internal/credits"
)

// NotificationJobArgs carries one domain event to the dispatch worker.
type NotificationJobArgs struct {
	Event credits.Event `json:"event"`
}

func (NotificationJobArgs) Kind() string { return "notification_dispatch" }

// Publisher enqueues events as river jobs. Implements credits.Publisher.
type Publisher struct {
	client *river.Client[pgx.Tx]
}

func NewPublisher(client *river.Client[pgx.Tx]) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) Publish(ctx context.Context, ev credits.Event) error {
	_, err := p.client.Insert(ctx, NotificationJobArgs{Event: ev}, nil)
	return err
}

// Worker delivers queued events to the notification webhook.
type Worker struct {
	river.WorkerDefaults[NotificationJobArgs]
	webhookURL string
	httpClient *http.Client
	log        *slog.Logger
}

func NewWorker(webhookURL string, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        log,
	}
}

func (w *Worker) Work(ctx context.Context, job *river.Job[NotificationJobArgs]) error {
	ev := job.Args.Event
	if w.webhookURL == "" {
		// No backend configured; events are still observable in the logs.
		w.log.Info("domain event", "event", ev.Name, "user_id", ev.UserID)
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notification webhook unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned %d", resp.StatusCode)
	}
	return nil
}
