package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"notifyguard/internal/alert"
	"notifyguard/internal/breaker"
	"notifyguard/internal/dlq"
	"notifyguard/internal/notification/amqp"
	"notifyguard/internal/notification/smtp"
	"notifyguard/internal/notification/telegram"
	"notifyguard/internal/notification/webhook"
	"notifyguard/internal/storage"
	logx "notifyguard/pkg/logx"
)

const defaultAdminAddr = "127.0.0.1:8089"

// Settings is Config with every duration parsed and every default applied.
type Settings struct {
	Logging    logx.Config
	Storage    storage.Config
	Breakers   map[breaker.Type]breaker.Config
	DLQ        dlq.Config
	// ProcessDLQ runs the background retry processor and cleanup cron.
	ProcessDLQ bool
	Alert      alert.Config
	Admin      AdminSettings

	Telegram *telegram.Config
	SMTP     *smtp.Config
	AMQP     *amqp.Config
	SMS      *webhook.Config
}

type AdminSettings struct {
	Enabled      bool
	Addr         string
	Token        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Pprof        bool
}

// Resolve validates c and converts it to component configs. Every problem is
// reported, not only the first.
func (c *Config) Resolve() (*Settings, error) {
	if c == nil {
		c = &Config{}
	}
	r := &resolver{}
	s := &Settings{
		Logging: logx.Config{
			Level:   strings.ToUpper(strings.TrimSpace(c.Logging.Level)),
			Console: c.Logging.Console,
			File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: strings.TrimSpace(c.Logging.File.Path)},
			Chat:    logx.ChatConfig{Enabled: c.Logging.Chat.Enabled, MinLevel: strings.ToUpper(strings.TrimSpace(c.Logging.Chat.MinLevel)), RatePerSec: c.Logging.Chat.RatePerSec},
		},
		Storage: storage.Config{
			Driver:      strings.TrimSpace(c.Storage.Driver),
			Path:        strings.TrimSpace(c.Storage.Path),
			BusyTimeout: r.duration("storage.busy_timeout", c.Storage.BusyTimeout),
		},
		Breakers: map[breaker.Type]breaker.Config{},
	}
	if s.Logging.File.Enabled && s.Logging.File.Path == "" {
		r.fail("logging.file.path is required when logging.file.enabled")
	}

	known := map[string]bool{}
	for _, t := range breaker.Types() {
		known[string(t)] = true
	}
	for tag, bc := range c.Breakers {
		if !known[tag] {
			r.fail(fmt.Sprintf("breakers.%s: unknown breaker type", tag))
			continue
		}
		typ := breaker.Type(tag)
		p := "breakers." + tag
		merged := breaker.DefaultConfig(typ).Merge(breaker.Config{
			FailureThreshold: bc.FailureThreshold,
			SuccessThreshold: bc.SuccessThreshold,
			Timeout:          r.duration(p+".timeout", bc.Timeout),
			ResetTimeout:     r.duration(p+".reset_timeout", bc.ResetTimeout),
			MonitorWindow:    r.duration(p+".monitor_window", bc.MonitorWindow),
		})
		if err := merged.Validate(); err != nil {
			r.fail(p + ": " + err.Error())
		}
		s.Breakers[typ] = merged
	}

	d := c.DLQ
	schedule := strings.TrimSpace(d.CleanupSchedule)
	switch strings.ToLower(schedule) {
	case "":
		schedule = dlq.DefaultConfig().CleanupSchedule
	case "off", "none", "disabled":
		schedule = ""
	}
	s.DLQ = dlq.Config{
		MaxRetryAttempts:   d.MaxRetryAttempts,
		RetryDelay:         r.duration("dlq.retry_delay", d.RetryDelay),
		CleanupAfter:       time.Duration(d.CleanupAfterDays) * 24 * time.Hour,
		BatchSize:          d.BatchSize,
		ProcessingInterval: r.duration("dlq.processing_interval", d.ProcessingInterval),
		AlertThreshold:     d.AlertThreshold,
		ClaimLease:         r.duration("dlq.claim_lease", d.ClaimLease),
		CleanupSchedule:    schedule,
	}
	s.ProcessDLQ = !d.Disabled
	if err := s.DLQ.Validate(); err != nil {
		r.fail(err.Error())
	}

	s.Alert = alert.Config{
		RatePerSec:  c.Alert.RatePerSec,
		Burst:       c.Alert.Burst,
		DedupWindow: r.duration("alert.dedup_window", c.Alert.DedupWindow),
	}

	s.Admin = AdminSettings{
		Enabled:      c.Admin.Enabled,
		Addr:         strings.TrimSpace(c.Admin.Addr),
		Token:        strings.TrimSpace(c.Admin.Token),
		ReadTimeout:  r.durationOr("admin.read_timeout", c.Admin.ReadTimeout, 10*time.Second),
		WriteTimeout: r.durationOr("admin.write_timeout", c.Admin.WriteTimeout, 30*time.Second),
		Pprof:        c.Admin.Pprof,
	}
	if s.Admin.Addr == "" {
		s.Admin.Addr = defaultAdminAddr
	}
	if s.Admin.Enabled && s.Admin.Token == "" && !isLoopback(s.Admin.Addr) {
		r.fail(fmt.Sprintf("admin.addr %q is not loopback; admin.token is required", s.Admin.Addr))
	}

	if t := c.Telegram; t != nil {
		if strings.TrimSpace(t.Token) == "" {
			r.fail("telegram.token is required")
		}
		s.Telegram = &telegram.Config{Token: strings.TrimSpace(t.Token), OpsChatID: t.OpsChatID, OpsThreadID: t.OpsThreadID}
		s.Alert.ChatID, s.Alert.ThreadID = t.OpsChatID, t.OpsThreadID
	}
	if s.Logging.Chat.Enabled && (s.Telegram == nil || s.Telegram.OpsChatID == 0) {
		r.fail("logging.chat requires telegram.ops_chat_id")
	}
	if m := c.SMTP; m != nil {
		if strings.TrimSpace(m.Host) == "" || strings.TrimSpace(m.From) == "" {
			r.fail("smtp.host and smtp.from are required")
		}
		port := m.Port
		if port == 0 {
			port = 587
		}
		s.SMTP = &smtp.Config{Host: m.Host, Port: port, User: m.User, Pass: m.Pass, From: m.From, Timeout: r.duration("smtp.timeout", m.Timeout)}
	}
	if a := c.AMQP; a != nil {
		if strings.TrimSpace(a.URL) == "" {
			r.fail("amqp.url is required")
		}
		s.AMQP = &amqp.Config{URL: a.URL, Exchange: a.Exchange, PushRoutingKey: a.PushRoutingKey, InAppRoutingKey: a.InAppRoutingKey, ConfirmTimeout: r.duration("amqp.confirm_timeout", a.ConfirmTimeout)}
	}
	if m := c.SMS; m != nil {
		if strings.TrimSpace(m.Endpoint) == "" {
			r.fail("sms.endpoint is required")
		}
		s.SMS = &webhook.Config{Endpoint: m.Endpoint, APIKey: m.APIKey, Timeout: r.duration("sms.timeout", m.Timeout)}
	}

	if err := r.err(); err != nil {
		return nil, err
	}
	return s, nil
}

type resolver struct {
	errs []string
}

func (r *resolver) fail(msg string) { r.errs = append(r.errs, msg) }

func (r *resolver) duration(path, raw string) time.Duration {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		r.fail(err.Error())
	}
	return d
}

func (r *resolver) durationOr(path, raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault(path, raw, def)
	if err != nil {
		r.fail(err.Error())
		return def
	}
	return d
}

func (r *resolver) err() error {
	if len(r.errs) == 0 {
		return nil
	}
	return errors.New("invalid config: " + strings.Join(r.errs, "; "))
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
