// Package alert delivers operator-facing system alerts to the ops chat.
//
// Alert delivery is best-effort: failures are logged and returned but never
// dead-lettered, so the DLQ can alert about itself without recursing.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notifyguard/internal/clock"
	"notifyguard/internal/eventbus"
	"notifyguard/internal/notification"
	logx "notifyguard/pkg/logx"
)

var (
	ErrRateLimited = errors.New("alert rate limited")
	ErrDuplicate   = errors.New("alert suppressed as duplicate")
	ErrNoSink      = errors.New("alert sink not configured")
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Alert struct {
	Title    string
	Message  string
	Severity Severity
	// Key groups alerts for dedup; defaults to Title.
	Key string
}

type Config struct {
	ChatID      int64         `json:"chat_id"`
	ThreadID    int           `json:"thread_id"`
	RatePerSec  float64       `json:"rate_per_sec"`
	Burst       int           `json:"burst"`
	DedupWindow time.Duration `json:"dedup_window"`
}

// DedupStore persists dedup windows across restarts. storage.Store satisfies it.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
}

// Event is the payload of alert.sent and alert.dropped bus events.
type Event struct {
	Title    string   `json:"title"`
	Severity Severity `json:"severity"`
	Reason   string   `json:"reason,omitempty"`
}

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = clock.OrSystem(c) } }
func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }
func WithDedupStore(d DedupStore) Option { return func(s *Service) { s.dedupStore = d } }
func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

// Service sends alerts through a ChatSender. Safe for concurrent use.
type Service struct {
	sender     notification.ChatSender
	clock      clock.Clock
	bus        eventbus.Bus
	dedupStore DedupStore
	log        logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	dedup   map[string]time.Time
}

func New(cfg Config, sender notification.ChatSender, opts ...Option) *Service {
	s := &Service{
		sender: sender,
		clock:  clock.System{},
		bus:    eventbus.Nop(),
		log:    logx.Nop(),
		dedup:  map[string]time.Time{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.bus == nil {
		s.bus = eventbus.Nop()
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 3
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	s.mu.Unlock()
}

// SendSystemAlert forwards a to the ops chat unless it is a duplicate within
// the dedup window or over the rate limit. Only alerts that pass are logged
// at WARN/ERROR; suppressed ones are logged at DEBUG.
func (s *Service) SendSystemAlert(ctx context.Context, a Alert) error {
	if a.Severity == "" {
		a.Severity = SeverityWarning
	}
	key := strings.TrimSpace(a.Key)
	if key == "" {
		key = a.Title
	}
	fields := []logx.Field{logx.String("title", a.Title), logx.String("severity", string(a.Severity))}

	if s.sender == nil {
		s.logAlert(a, fields)
		return s.drop(a, ErrNoSink)
	}

	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	now := s.clock.Now()
	if cfg.DedupWindow > 0 && s.suppressed(ctx, key, now) {
		s.log.Debug("system alert suppressed", append(fields, logx.String("reason", "duplicate"))...)
		return s.drop(a, ErrDuplicate)
	}
	if !lim.Allow() {
		s.log.Debug("system alert suppressed", append(fields, logx.String("reason", "rate limited"))...)
		return s.drop(a, ErrRateLimited)
	}
	if cfg.DedupWindow > 0 {
		s.remember(ctx, key, now.Add(cfg.DedupWindow))
	}
	s.logAlert(a, fields)

	payload := notification.ChatPayload{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID, Text: Format(a)}
	if err := s.sender.SendChat(ctx, strconv.FormatInt(cfg.ChatID, 10), payload); err != nil {
		s.log.Warn("system alert delivery failed", append(fields, logx.Err(err))...)
		return s.drop(a, fmt.Errorf("deliver alert: %w", err))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.AlertSent, Time: now, Data: Event{Title: a.Title, Severity: a.Severity}})
	return nil
}

func (s *Service) logAlert(a Alert, fields []logx.Field) {
	if a.Severity == SeverityCritical {
		s.log.Error("system alert: "+a.Message, fields...)
		return
	}
	s.log.Warn("system alert: "+a.Message, fields...)
}

func (s *Service) drop(a Alert, err error) error {
	s.bus.Publish(eventbus.Event{Type: eventbus.AlertDropped, Data: Event{Title: a.Title, Severity: a.Severity, Reason: err.Error()}})
	return err
}

func (s *Service) suppressed(ctx context.Context, key string, now time.Time) bool {
	s.mu.Lock()
	until, ok := s.dedup[key]
	s.mu.Unlock()
	if ok && now.Before(until) {
		return true
	}
	if s.dedupStore == nil {
		return false
	}
	until, ok, err := s.dedupStore.GetDedup(ctx, "alert:"+key)
	if err != nil {
		s.log.Debug("alert dedup lookup failed", logx.Err(err))
		return false
	}
	return ok && now.Before(until)
}

func (s *Service) remember(ctx context.Context, key string, until time.Time) {
	s.mu.Lock()
	s.dedup[key] = until
	// Bound the cache.
	if len(s.dedup) > 1000 {
		now := s.clock.Now()
		for k, u := range s.dedup {
			if !now.Before(u) {
				delete(s.dedup, k)
			}
		}
	}
	s.mu.Unlock()
	if s.dedupStore != nil {
		if err := s.dedupStore.PutDedup(ctx, "alert:"+key, until); err != nil {
			s.log.Debug("alert dedup persist failed", logx.Err(err))
		}
	}
}

// Format renders a as chat text.
func Format(a Alert) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(strings.ToUpper(string(a.Severity)))
	b.WriteString("] ")
	b.WriteString(a.Title)
	if msg := strings.TrimSpace(a.Message); msg != "" {
		b.WriteString("\n\n")
		b.WriteString(msg)
	}
	return b.String()
}
