package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hookServer struct {
	mu       sync.Mutex
	payloads []webhookPayload
	auth     []string
	status   int
}

func (h *hookServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var p webhookPayload
	_ = json.NewDecoder(r.Body).Decode(&p)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != 0 {
		w.WriteHeader(h.status)
		return
	}
	h.payloads = append(h.payloads, p)
	h.auth = append(h.auth, r.Header.Get("Authorization"))
}

func (h *hookServer) received() []webhookPayload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]webhookPayload(nil), h.payloads...)
}

func TestWebhook_BatchesUntilFull(t *testing.T) {
	hs := &hookServer{}
	srv := httptest.NewServer(hs)
	defer srv.Close()

	w := NewWebhook(WebhookConfig{URL: srv.URL, APIKey: "secret", BatchSize: 2})
	ctx := context.Background()

	require.NoError(t, w.Notify(ctx, Event{Severity: SeverityInfo, Title: "entered jitosol"}))
	assert.Empty(t, hs.received())
	assert.Equal(t, 1, w.Pending())

	require.NoError(t, w.Notify(ctx, Event{Severity: SeverityWarning, Title: "breaker open"}))
	got := hs.received()
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Count)
	assert.Equal(t, "entered jitosol", got[0].Alerts[0].Title)
	assert.Equal(t, "Bearer secret", hs.auth[0])
	assert.Zero(t, w.Pending())
}

func TestWebhook_CriticalFlushesImmediately(t *testing.T) {
	hs := &hookServer{}
	srv := httptest.NewServer(hs)
	defer srv.Close()

	w := NewWebhook(WebhookConfig{URL: srv.URL, BatchSize: 50})
	require.NoError(t, w.Notify(context.Background(), Event{Severity: SeverityCritical, Title: "partial fill"}))
	require.Len(t, hs.received(), 1)
}

func TestWebhook_FailureKeepsAlerts(t *testing.T) {
	hs := &hookServer{status: http.StatusBadGateway}
	srv := httptest.NewServer(hs)
	defer srv.Close()

	w := NewWebhook(WebhookConfig{URL: srv.URL, BatchSize: 1, RetryMax: 0})
	err := w.Notify(context.Background(), Event{Title: "x"})
	require.Error(t, err)
	assert.Equal(t, 1, w.Pending())

	hs.mu.Lock()
	hs.status = 0
	hs.mu.Unlock()

	require.NoError(t, w.Flush(context.Background()))
	assert.Zero(t, w.Pending())
	assert.Len(t, hs.received(), 1)
}

func TestWebhook_RunFlushesOnShutdown(t *testing.T) {
	hs := &hookServer{}
	srv := httptest.NewServer(hs)
	defer srv.Close()

	w := NewWebhook(WebhookConfig{URL: srv.URL, BatchSize: 10, Interval: time.Hour})
	require.NoError(t, w.Notify(context.Background(), Event{Title: "queued"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.Len(t, hs.received(), 1)
	assert.Equal(t, "queued", hs.received()[0].Alerts[0].Title)
}
