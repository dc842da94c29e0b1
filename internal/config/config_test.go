package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"notifyguard/internal/breaker"
)

func envMap(kv map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := kv[k]
		return v, ok
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

const sampleYAML = `
logging: {level: info, console: true}
storage: {driver: sqlite, path: ./data/notifyd.db, busy_timeout: 2s}
breakers:
  chat-notifications: {failure_threshold: 2, reset_timeout: 30s}
dlq: {max_retry_attempts: 4, retry_delay: 2m, cleanup_after_days: 7, cleanup_schedule: "0 3 * * *"}
telegram: {token: "t", ops_chat_id: -100123, ops_thread_id: 9}
smtp: {host: smtp.example.com, from: noreply@example.com}
alert: {rate_per_sec: 0.5, dedup_window: 10m}
admin: {enabled: true}
`

func TestParseYAMLAndResolve(t *testing.T) {
	m := NewConfigManager(writeFile(t, "notifyd.yaml", sampleYAML))
	m.SetEnv(nil)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if s.Logging.Level != "INFO" || s.Storage.BusyTimeout != 2*time.Second {
		t.Fatalf("logging/storage %+v %+v", s.Logging, s.Storage)
	}
	chat := s.Breakers[breaker.TypeChat]
	want := breaker.DefaultConfig(breaker.TypeChat)
	want.FailureThreshold, want.ResetTimeout = 2, 30*time.Second
	if chat != want {
		t.Fatalf("chat breaker %+v want %+v", chat, want)
	}
	if _, ok := s.Breakers[breaker.TypeEmail]; ok {
		t.Fatal("unconfigured types should be left to manager defaults")
	}
	if s.DLQ.MaxRetryAttempts != 4 || s.DLQ.RetryDelay != 2*time.Minute || s.DLQ.CleanupAfter != 7*24*time.Hour || s.DLQ.CleanupSchedule != "0 3 * * *" {
		t.Fatalf("dlq %+v", s.DLQ)
	}
	if s.Alert.ChatID != -100123 || s.Alert.ThreadID != 9 || s.Alert.DedupWindow != 10*time.Minute {
		t.Fatalf("alert %+v", s.Alert)
	}
	if s.SMTP == nil || s.SMTP.Port != 587 {
		t.Fatalf("smtp %+v", s.SMTP)
	}
	if s.AMQP != nil || s.SMS != nil {
		t.Fatal("omitted channels must stay nil")
	}
	if !s.Admin.Enabled || s.Admin.Addr != defaultAdminAddr {
		t.Fatalf("admin %+v", s.Admin)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	tests := []struct {
		name, file, body string
	}{
		{"json", "c.json", `{"dlq": {"max_retries": 3}}`},
		{"yaml", "c.yaml", "storage: {driver: memory, dir: x}\n"},
		{"trailing", "c.json", `{} {}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewConfigManager(writeFile(t, tt.file, tt.body))
			m.SetEnv(nil)
			if _, err := m.Parse(); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg := &Config{
		Breakers: map[string]BreakerConfig{"email": {FailureThreshold: 9}},
		Telegram: &TelegramConfig{Token: "file"},
	}
	err := ApplyEnv(cfg, envMap(map[string]string{
		"CIRCUIT_BREAKER_FAILURE_THRESHOLD":      "4",
		"CIRCUIT_BREAKER_TIMEOUT_MS":             "2500",
		"CHAT_CIRCUIT_BREAKER_FAILURE_THRESHOLD": "7",
		"DLQ_RETRY_DELAY_MS":                     "300000",
		"DLQ_BATCH_SIZE":                         "25",
		"DLQ_CLEANUP_AFTER_DAYS":                 "14",
		"TELEGRAM_TOKEN":                         "env",
		"SMTP_PASS":                              "ignored without smtp section",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if got := cfg.Breakers["chat-notifications"]; got.FailureThreshold != 7 || got.Timeout != "2500ms" {
		t.Fatalf("chat %+v", got)
	}
	if got := cfg.Breakers["email"]; got.FailureThreshold != 4 {
		t.Fatalf("env should win over file: %+v", got)
	}
	if cfg.DLQ.RetryDelay != "300000ms" || cfg.DLQ.BatchSize != 25 || cfg.DLQ.CleanupAfterDays != 14 {
		t.Fatalf("dlq %+v", cfg.DLQ)
	}
	if cfg.Telegram.Token != "env" || cfg.SMTP != nil {
		t.Fatalf("secrets telegram=%+v smtp=%+v", cfg.Telegram, cfg.SMTP)
	}

	s, err := cfg.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if s.DLQ.RetryDelay != 5*time.Minute {
		t.Fatalf("retry delay %s", s.DLQ.RetryDelay)
	}
	if s.Breakers[breaker.TypeChat].Timeout != 2500*time.Millisecond {
		t.Fatalf("chat timeout %s", s.Breakers[breaker.TypeChat].Timeout)
	}
}

func TestEnvRejectsGarbage(t *testing.T) {
	err := ApplyEnv(&Config{}, envMap(map[string]string{
		"DLQ_BATCH_SIZE":     "lots",
		"DLQ_RETRY_DELAY_MS": "-1",
	}))
	if err == nil || !strings.Contains(err.Error(), "DLQ_BATCH_SIZE") || !strings.Contains(err.Error(), "DLQ_RETRY_DELAY_MS") {
		t.Fatalf("want both keys reported, got %v", err)
	}
}

func TestResolveErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"unknown breaker", Config{Breakers: map[string]BreakerConfig{"fax": {}}}, "unknown breaker type"},
		{"bad duration", Config{DLQ: DLQConfig{RetryDelay: "soon"}}, "dlq.retry_delay"},
		{"bad cron", Config{DLQ: DLQConfig{CleanupSchedule: "every tuesday"}}, "cleanup_schedule"},
		{"public admin without token", Config{Admin: AdminConfig{Enabled: true, Addr: "0.0.0.0:8089"}}, "admin.token"},
		{"chat log sink without telegram", Config{Logging: LoggingConfig{Chat: LoggingChat{Enabled: true}}}, "ops_chat_id"},
		{"telegram without token", Config{Telegram: &TelegramConfig{}}, "telegram.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cfg.Resolve()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("want error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestResolveDefaults(t *testing.T) {
	s, err := (&Config{}).Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if s.DLQ.CleanupSchedule != "@every 6h" {
		t.Fatalf("schedule %q", s.DLQ.CleanupSchedule)
	}
	off, err := (&Config{DLQ: DLQConfig{CleanupSchedule: "off"}}).Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if off.DLQ.CleanupSchedule != "" {
		t.Fatalf("off should disable, got %q", off.DLQ.CleanupSchedule)
	}
}

func TestWatchPublishesValidReloads(t *testing.T) {
	path := writeFile(t, "notifyd.json", `{"dlq": {"batch_size": 10}}`)
	m := NewConfigManager(path)
	m.SetEnv(nil)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Invalid content is rejected and never published.
	if err := os.WriteFile(path, []byte(`{"dlq": {"retry_delay": "soon"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	select {
	case c := <-sub:
		t.Fatalf("invalid config published: %+v", c)
	default:
	}

	if err := os.WriteFile(path, []byte(`{"dlq": {"batch_size": 20}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-sub:
		if c.DLQ.BatchSize != 20 {
			t.Fatalf("published %+v", c.DLQ)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload not published")
	}
	if m.Get().DLQ.BatchSize != 20 {
		t.Fatal("reload not committed")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch: %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	old := &Config{Admin: AdminConfig{Token: "a"}}
	next := &Config{Admin: AdminConfig{Token: "b"}, DLQ: DLQConfig{BatchSize: 5}, SMTP: &SMTPConfig{Host: "h"}}
	changed, attrs := SummarizeConfigChange(old, next)
	got := strings.Join(changed, ",")
	if got != "dlq,smtp" {
		t.Fatalf("changed=%s", got)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if r := RestartRequired(changed); len(r) != 1 || r[0] != "smtp" {
		t.Fatalf("restart=%v", r)
	}
}

func TestLoadDotEnvSkipsMissing(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file should be skipped: %v", err)
	}
	p := writeFile(t, ".env", "NOTIFYGUARD_TEST_DOTENV=yes\n")
	t.Setenv("NOTIFYGUARD_TEST_DOTENV", "")
	os.Unsetenv("NOTIFYGUARD_TEST_DOTENV")
	if err := LoadDotEnv(p); err != nil {
		t.Fatal(err)
	}
	if os.Getenv("NOTIFYGUARD_TEST_DOTENV") != "yes" {
		t.Fatal("dotenv value not loaded")
	}
}
