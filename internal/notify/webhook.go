package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// WebhookConfig holds settings for batched alert delivery
type WebhookConfig struct {
	URL       string
	APIKey    string
	BatchSize int
	Interval  time.Duration
	RetryMax  int
	Timeout   time.Duration
}

// Webhook batches alerts and posts them as JSON. Critical alerts flush the batch immediately.
type Webhook struct {
	cfg    WebhookConfig
	client *retryablehttp.Client

	mu         sync.Mutex
	batch      []Event
	lastExport time.Time
}

type webhookPayload struct {
	Alerts     []webhookAlert `json:"alerts"`
	ExportTime string         `json:"export_time"`
	Count      int            `json:"count"`
}

type webhookAlert struct {
	Severity Severity  `json:"severity"`
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// NewWebhook creates a webhook notifier. Call Run to enable periodic flushing.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	c := retryablehttp.NewClient()
	c.RetryMax = cfg.RetryMax
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = cfg.Timeout
	c.Logger = nil

	return &Webhook{
		cfg:    cfg,
		client: c,
		batch:  make([]Event, 0, cfg.BatchSize),
	}
}

// Notify queues the alert and flushes when the batch is full or the alert is critical
func (w *Webhook) Notify(ctx context.Context, ev Event) error {
	w.mu.Lock()
	w.batch = append(w.batch, ev)
	full := len(w.batch) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full || ev.Severity == SeverityCritical {
		return w.Flush(ctx)
	}
	return nil
}

// Run flushes on every interval until ctx is done, then flushes what is left
func (w *Webhook) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Flush(ctx); err != nil {
				logrus.Errorf("Failed to export alerts to webhook: %v", err)
			}
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
			if err := w.Flush(flushCtx); err != nil {
				logrus.Errorf("Failed to export alerts to webhook: %v", err)
			}
			cancel()
			return
		}
	}
}

// Pending returns the number of queued alerts
func (w *Webhook) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batch)
}

// Flush posts every queued alert. On failure the alerts are put back in front of the queue.
func (w *Webhook) Flush(ctx context.Context) error {
	w.mu.Lock()
	if len(w.batch) == 0 {
		w.mu.Unlock()
		return nil
	}
	events := w.batch
	w.batch = make([]Event, 0, w.cfg.BatchSize)
	w.mu.Unlock()

	if err := w.post(ctx, events); err != nil {
		w.mu.Lock()
		w.batch = append(events, w.batch...)
		w.mu.Unlock()
		return err
	}

	w.mu.Lock()
	w.lastExport = time.Now()
	w.mu.Unlock()
	logrus.Debugf("Exported %d alerts to webhook", len(events))
	return nil
}

func (w *Webhook) post(ctx context.Context, events []Event) error {
	if w.cfg.URL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	payload := webhookPayload{
		Alerts:     make([]webhookAlert, len(events)),
		ExportTime: time.Now().UTC().Format(time.RFC3339),
		Count:      len(events),
	}
	for i, ev := range events {
		payload.Alerts[i] = webhookAlert(ev)
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal alerts: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.APIKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}
