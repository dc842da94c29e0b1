package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"notifyguard/internal/failure"
	"notifyguard/internal/notification"
)

func TestSendSMS(t *testing.T) {
	var got request
	var auth, idem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		idem = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true,"message_id":"m1"}`))
	}))
	defer srv.Close()

	s, err := New(Config{Endpoint: srv.URL, APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SendSMS(context.Background(), "+15550100", notification.SMSPayload{Text: "code 1234", SenderID: "SHOP"}); err != nil {
		t.Fatalf("SendSMS: %v", err)
	}
	if got.To != "+15550100" || got.Text != "code 1234" || got.SenderID != "SHOP" {
		t.Fatalf("request %+v", got)
	}
	if auth != "Bearer k" || idem == "" {
		t.Fatalf("headers auth=%q idem=%q", auth, idem)
	}
}

func TestSendSMSStatusClassification(t *testing.T) {
	tests := []struct {
		name  string
		code  int
		body  string
		retry bool
	}{
		{"gateway down", http.StatusBadGateway, ``, true},
		{"server error", http.StatusInternalServerError, `{"error":"db"}`, true},
		{"throttled", http.StatusTooManyRequests, ``, true},
		{"bad key", http.StatusUnauthorized, ``, false},
		{"bad number", http.StatusBadRequest, `{"error":"number format"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			s, _ := New(Config{Endpoint: srv.URL})
			err := s.SendSMS(context.Background(), "+1", notification.SMSPayload{Text: "x"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := failure.Classify(err).ShouldRetry; got != tt.retry {
				t.Fatalf("ShouldRetry=%v want %v (%v)", got, tt.retry, err)
			}
		})
	}
}

func TestSendSMSRejectsEmptyRecipient(t *testing.T) {
	s, _ := New(Config{Endpoint: "http://127.0.0.1:1"})
	if err := s.SendSMS(context.Background(), "", notification.SMSPayload{Text: "x"}); !errors.Is(err, notification.ErrInvalidPayload) {
		t.Fatalf("got %v", err)
	}
	if _, err := New(Config{}); err == nil {
		t.Fatal("New without endpoint should fail")
	}
}
