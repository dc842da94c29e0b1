package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"notifyguard/internal/breaker"
	"notifyguard/internal/clock"
	"notifyguard/internal/dlq"
	"notifyguard/internal/notification"
	"notifyguard/internal/storage"
)

type fixture struct {
	srv   *httptest.Server
	store storage.Store
	queue *dlq.Queue
	mgr   *breaker.Manager
	clk   *clock.Manual

	block   chan struct{}
	entered chan struct{}
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	st := storage.NewMemory()
	mgr := breaker.NewManager(breaker.WithManagerClock(clk))
	f := &fixture{store: st, mgr: mgr, clk: clk}

	d := notification.NewDispatcher(notification.Senders{
		Chat: notification.ChatFunc(func(context.Context, string, notification.ChatPayload) error {
			if f.block != nil {
				f.entered <- struct{}{}
				<-f.block
			}
			return nil
		}),
	})
	f.queue = dlq.New(st, d, dlq.WithClock(clk), dlq.WithConfig(dlq.Config{RetryDelay: time.Minute}))
	s := New(Config{Token: token}, Deps{Breakers: mgr, Queue: f.queue, Audit: st, Clock: clk})
	f.srv = httptest.NewServer(s.Router())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func (f *fixture) record(t *testing.T, reason string) string {
	t.Helper()
	id, err := f.queue.RecordFailedNotification(context.Background(), dlq.FailureRecord{
		Type: "ORDER", Payload: notification.ChatPayload{Text: "hi"}, Recipient: "1", Err: errors.New(reason),
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func (f *fixture) audit() []storage.AuditEntry {
	return f.store.(interface{ Audit() []storage.AuditEntry }).Audit()
}

func TestAuth(t *testing.T) {
	f := newFixture(t, "s3cret")
	if resp, _ := f.do(t, http.MethodGet, "/healthz", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz should be open, got %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, "/breakers", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, "/breakers", "wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, "/breakers", "s3cret"); resp.StatusCode != http.StatusOK {
		t.Fatalf("good token: %d", resp.StatusCode)
	}
}

func TestBreakersAndReset(t *testing.T) {
	f := newFixture(t, "")
	cb := f.mgr.GetOrCreate("telegram", breaker.TypeChat, breaker.Config{FailureThreshold: 1})
	cb.Execute(context.Background(), func(context.Context) (any, error) { return nil, errors.New("boom") })

	_, body := f.do(t, http.MethodGet, "/breakers", "")
	items := body["items"].(map[string]any)
	hs := items["chat-notifications:telegram"].(map[string]any)
	if hs["state"] != "OPEN" {
		t.Fatalf("state=%v", hs["state"])
	}

	resp, _ := f.do(t, http.MethodPost, "/breakers/chat-notifications/telegram/reset", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset: %d", resp.StatusCode)
	}
	if cb.State() != breaker.StateClosed {
		t.Fatal("breaker not reset")
	}
	resp, _ = f.do(t, http.MethodPost, "/breakers/email/nope/reset", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown breaker: %d", resp.StatusCode)
	}

	a := f.audit()
	if len(a) != 2 || a[0].Action != "breaker.reset" || a[0].OK != 1 || a[1].Fail != 1 {
		t.Fatalf("audit %+v", a)
	}
}

func TestDLQEndpoints(t *testing.T) {
	f := newFixture(t, "")
	id := f.record(t, "Service unavailable")
	f.record(t, "Invalid recipient")

	_, m := f.do(t, http.MethodGet, "/dlq/metrics", "")
	if m["total_failed"] != float64(2) || m["pending_retries"] != float64(1) || m["permanent_failures"] != float64(1) {
		t.Fatalf("metrics %v", m)
	}

	_, list := f.do(t, http.MethodGet, "/dlq/notifications?state=permanent", "")
	if n := len(list["items"].([]any)); n != 1 {
		t.Fatalf("permanent items=%d", n)
	}
	if resp, _ := f.do(t, http.MethodGet, "/dlq/notifications?state=bogus", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad state: %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, "/dlq/notifications?channel=fax", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad channel: %d", resp.StatusCode)
	}

	resp, one := f.do(t, http.MethodGet, "/dlq/notifications/"+id, "")
	if resp.StatusCode != http.StatusOK || one["state"] != "pending" {
		t.Fatalf("get: %d %v", resp.StatusCode, one)
	}
	if p, ok := one["payload"].(map[string]any); !ok || p["text"] != "hi" {
		t.Fatalf("payload should render inline: %v", one["payload"])
	}
	if resp, _ := f.do(t, http.MethodGet, "/dlq/notifications/missing", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing: %d", resp.StatusCode)
	}

	f.clk.Advance(time.Minute)
	resp, rep := f.do(t, http.MethodPost, "/dlq/process", "")
	if resp.StatusCode != http.StatusOK || rep["succeeded"] != float64(1) {
		t.Fatalf("process: %d %v", resp.StatusCode, rep)
	}

	f.clk.Advance(31 * 24 * time.Hour)
	resp, c := f.do(t, http.MethodPost, "/dlq/cleanup", "")
	if resp.StatusCode != http.StatusOK || c["deleted"] != float64(2) {
		t.Fatalf("cleanup: %d %v", resp.StatusCode, c)
	}

	var actions []string
	for _, e := range f.audit() {
		actions = append(actions, e.Action)
	}
	if got := strings.Join(actions, ","); got != "dlq.process,dlq.cleanup" {
		t.Fatalf("audit actions %s", got)
	}
}

func TestProcessConflict(t *testing.T) {
	f := newFixture(t, "")
	f.block, f.entered = make(chan struct{}), make(chan struct{}, 1)
	f.record(t, "timeout")
	f.clk.Advance(time.Minute)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.queue.ProcessPendingRetries(context.Background())
	}()
	<-f.entered

	resp, body := f.do(t, http.MethodPost, "/dlq/process", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status %d %v", resp.StatusCode, body)
	}
	close(f.block)
	<-done
}

func TestQueueDisabled(t *testing.T) {
	s := New(Config{}, Deps{})
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dlq/metrics", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestPprofMount(t *testing.T) {
	get := func(s *Server, token string) int {
		req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		return rec.Code
	}

	on := New(Config{Token: "t", Pprof: true}, Deps{})
	if code := get(on, "t"); code != http.StatusOK {
		t.Fatalf("pprof with token: %d", code)
	}
	if code := get(on, ""); code != http.StatusUnauthorized {
		t.Fatalf("pprof without token: %d", code)
	}
	if code := get(New(Config{Token: "t"}, Deps{}), "t"); code != http.StatusNotFound {
		t.Fatalf("pprof disabled: %d", code)
	}
}
