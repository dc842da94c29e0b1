package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"notifyguard/internal/clock"
	"notifyguard/internal/notification"
)

const baseConfig = `
logging: {level: ERROR}
storage: {driver: memory}
dlq:
  max_retry_attempts: 3
  retry_delay: 1m
  cleanup_schedule: "off"
%s
sms:
  endpoint: %s
  api_key: k
`

type gateway struct {
	srv  *httptest.Server
	fail atomic.Bool
	hits atomic.Int32
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	g := &gateway{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.hits.Add(1)
		if g.fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"message_id":"m1"}`))
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func writeConfig(t *testing.T, path, extra, endpoint string) {
	t.Helper()
	body := []byte(fmt.Sprintf(baseConfig, extra, endpoint))
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestApp(t *testing.T, extra string, clk clock.Clock) (*App, *gateway, string) {
	t.Helper()
	g := newGateway(t)
	path := filepath.Join(t.TempDir(), "notifyd.yaml")
	writeConfig(t, path, extra, g.srv.URL)
	a, err := New(path, WithEnv(nil), WithDotEnv(), WithClock(clk))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, g, path
}

func TestDeliverDeadLettersFailedSend(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	a, g, _ := newTestApp(t, "", clk)
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopAppStop) })
	ctx := context.Background()

	g.fail.Store(true)
	err := a.Deliver(ctx, "order_shipped", "+15550100", notification.SMSPayload{Text: "shipped"})
	if err == nil {
		t.Fatal("expected send error")
	}
	m, err := a.Queue().GetMetrics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m.TotalFailed != 1 || m.PendingRetries != 1 {
		t.Fatalf("metrics after failure = %+v", m)
	}

	g.fail.Store(false)
	clk.Advance(2 * time.Minute)
	rep, err := a.Queue().ProcessPendingRetries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Succeeded != 1 || rep.Totals.SuccessfulRetries != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if got := g.hits.Load(); got != 2 {
		t.Fatalf("gateway hits = %d, want 2", got)
	}
}

func TestDeliverSkipsUnsendablePayloads(t *testing.T) {
	a, g, _ := newTestApp(t, "", clock.System{})
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopAppStop) })
	ctx := context.Background()

	if err := a.Deliver(ctx, "welcome", "+15550100", notification.SMSPayload{Text: "hi"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	err := a.Deliver(ctx, "welcome", "42", notification.ChatPayload{Text: "hi"})
	if !errors.Is(err, notification.ErrUnsupportedChannel) {
		t.Fatalf("chat without telegram: %v", err)
	}
	err = a.Deliver(ctx, "welcome", "", notification.SMSPayload{Text: "hi"})
	if !errors.Is(err, notification.ErrInvalidPayload) {
		t.Fatalf("empty recipient: %v", err)
	}

	m, _ := a.Queue().GetMetrics(ctx)
	if m.TotalFailed != 0 {
		t.Fatalf("unsendable payloads were recorded: %+v", m)
	}
	if got := g.hits.Load(); got != 1 {
		t.Fatalf("gateway hits = %d, want 1", got)
	}
	if !a.Dispatcher().Supports(notification.ChannelSMS) || a.Dispatcher().Supports(notification.ChannelEmail) {
		t.Fatalf("channels = %v", a.channels())
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifyd.yaml")
	if err := os.WriteFile(path, []byte("admin: {enabled: true, addr: \"0.0.0.0:8089\"}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path, WithEnv(nil), WithDotEnv()); err == nil {
		t.Fatal("expected error for public admin addr without token")
	}
}

func TestStartStop(t *testing.T) {
	a, _, _ := newTestApp(t, "admin: {enabled: true, addr: \"127.0.0.1:0\"}", clock.System{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !a.Queue().Running() {
		t.Fatal("dlq processor not running")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.Queue().Running() {
		t.Fatal("dlq processor still running after Stop")
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("run context not cancelled")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("supervisor error: %v", err)
	}
}

func TestConfigReloadAppliesDLQSettings(t *testing.T) {
	a, g, path := newTestApp(t, "", clock.System{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopAppStop) })

	// give the watcher time to register before rewriting
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(fmt.Sprintf(`
logging: {level: ERROR}
storage: {driver: memory}
dlq:
  max_retry_attempts: 7
  retry_delay: 1m
  cleanup_schedule: "off"
  disabled: true
sms:
  endpoint: %s
  api_key: k
`, g.srv.URL)), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if a.Queue().Config().MaxRetryAttempts == 7 && !a.Queue().Running() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("reload not applied: max_retry_attempts=%d running=%v", a.Queue().Config().MaxRetryAttempts, a.Queue().Running())
}
