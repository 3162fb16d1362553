package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	failures int
	calls    int
	sent     []tgbotapi.MessageConfig
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return tgbotapi.Message{}, errors.New("Too Many Requests: retry after 1")
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func TestTelegram_RetriesThenSends(t *testing.T) {
	s := &fakeSender{failures: 2}
	tg := newTelegram(s, 42, 3, time.Millisecond)

	err := tg.Notify(context.Background(), Event{
		Severity: SeverityCritical,
		Title:    "Partial fill",
		Message:  "exit from jitosol settled, entry into msol failed",
		At:       time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, s.calls)
	require.Len(t, s.sent, 1)

	msg := s.sent[0]
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Equal(t, tgbotapi.ModeMarkdownV2, msg.ParseMode)
	assert.Contains(t, msg.Text, "*Partial fill*")
	assert.Contains(t, msg.Text, "2025\\-03\\-01")
}

func TestTelegram_GivesUp(t *testing.T) {
	s := &fakeSender{failures: 10}
	tg := newTelegram(s, 1, 2, time.Millisecond)

	err := tg.Notify(context.Background(), Event{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.Equal(t, 2, s.calls)
}

func TestTelegram_StopsOnCancel(t *testing.T) {
	s := &fakeSender{failures: 10}
	tg := newTelegram(s, 1, 5, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tg.Notify(ctx, Event{Title: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, s.calls)
}

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"1.5%", "1\\.5%"},
		{"raydium-sol-usdc", "raydium\\-sol\\-usdc"},
		{"(a)[b]", "\\(a\\)\\[b\\]"},
		{`back\slash`, `back\\slash`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, escapeMarkdownV2(tt.in))
	}
}

type recorder struct {
	events []Event
	err    error
}

func (r *recorder) Notify(_ context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestMulti(t *testing.T) {
	ok := &recorder{}
	broken := &recorder{err: errors.New("down")}
	m := Multi{Log{}, broken, ok}

	err := m.Notify(context.Background(), Event{Severity: SeverityWarning, Title: "breaker open"})
	require.Error(t, err)
	assert.Len(t, ok.events, 1, "a failing notifier must not starve the others")
	assert.Len(t, broken.events, 1)
}
