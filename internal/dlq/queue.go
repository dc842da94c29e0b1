// Package dlq is the dead-letter queue for notifications whose delivery failed.
//
// Failed attempts are persisted with a retry schedule, retried in batches by a
// background processor, and end either resolved or permanently failed.
// Terminal rows are removed by cleanup after the retention window.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"notifyguard/internal/alert"
	"notifyguard/internal/clock"
	"notifyguard/internal/eventbus"
	"notifyguard/internal/failure"
	"notifyguard/internal/notification"
	rtsup "notifyguard/internal/runtime/supervisor"
	"notifyguard/internal/storage"
	logx "notifyguard/pkg/logx"
)

var (
	ErrAlreadyProcessing = errors.New("dlq processing already in progress")
	ErrNoStore           = errors.New("dlq store not configured")
)

// Dispatcher delivers a decoded payload. *notification.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, recipient string, p notification.Payload) error
}

type Alerter interface {
	SendSystemAlert(ctx context.Context, a alert.Alert) error
}

// FailureRecord describes one failed delivery attempt.
type FailureRecord struct {
	Type       string
	Payload    notification.Payload
	Recipient  string
	Err        error
	StackTrace string
	Metadata   map[string]any
}

type Metrics struct {
	TotalFailed       int   `json:"total_failed"`
	PendingRetries    int   `json:"pending_retries"`
	PermanentFailures int   `json:"permanent_failures"`
	SuccessfulRetries int   `json:"successful_retries"`
	ProcessingErrors  int64 `json:"processing_errors"`
}

// Event is the payload of dlq.* bus events for single rows.
type Event struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Channel  string `json:"channel"`
	Reason   string `json:"reason,omitempty"`
	Attempts int    `json:"attempts"`
}

type Option func(*Queue)

func WithConfig(cfg Config) Option { return func(q *Queue) { q.cfg = cfg.withDefaults() } }

func WithClock(c clock.Clock) Option { return func(q *Queue) { q.clock = clock.OrSystem(c) } }

func WithLogger(log logx.Logger) Option {
	return func(q *Queue) {
		if !log.IsZero() {
			q.log = log
		}
	}
}

func WithBus(b eventbus.Bus) Option {
	return func(q *Queue) {
		if b != nil {
			q.bus = b
		}
	}
}

func WithClassifier(c failure.Classifier) Option {
	return func(q *Queue) { q.classify = failure.OrDefault(c) }
}

func WithAlerter(a Alerter) Option { return func(q *Queue) { q.alerter = a } }

// WithOwner sets the lease owner recorded on claimed rows.
func WithOwner(owner string) Option {
	return func(q *Queue) {
		if s := strings.TrimSpace(owner); s != "" {
			q.owner = s
		}
	}
}

// Queue is safe for concurrent use. Construct one per process.
type Queue struct {
	store      storage.Store
	dispatcher Dispatcher
	clock      clock.Clock
	log        logx.Logger
	bus        eventbus.Bus
	classify   failure.Classifier
	alerter    Alerter
	owner      string

	cmu sync.RWMutex
	cfg Config

	processing       atomic.Bool
	processingErrors atomic.Int64

	// guarded by runMu
	runMu sync.Mutex
	sup   *rtsup.Supervisor
	cron  *cron.Cron
	kick  chan struct{}
}

func New(store storage.Store, dispatcher Dispatcher, opts ...Option) *Queue {
	q := &Queue{
		store:      store,
		dispatcher: dispatcher,
		clock:      clock.System{},
		log:        logx.Nop(),
		bus:        eventbus.Nop(),
		classify:   failure.Classify,
		cfg:        DefaultConfig(),
		owner:      "dlq-" + uuid.NewString(),
	}
	for _, o := range opts {
		if o != nil {
			o(q)
		}
	}
	return q
}

func (q *Queue) Config() Config {
	q.cmu.RLock()
	defer q.cmu.RUnlock()
	return q.cfg
}

func (q *Queue) Owner() string { return q.owner }

// RecordFailedNotification persists a failed attempt and returns its id.
// Only a persistence failure is returned as an error.
func (q *Queue) RecordFailedNotification(ctx context.Context, rec FailureRecord) (string, error) {
	if q.store == nil {
		return "", ErrNoStore
	}
	if rec.Payload == nil {
		return "", fmt.Errorf("record failed notification: %w", notification.ErrInvalidPayload)
	}
	raw, err := notification.Encode(rec.Payload)
	if err != nil {
		return "", fmt.Errorf("record failed notification: %w", err)
	}
	var meta []byte
	if len(rec.Metadata) > 0 {
		if meta, err = json.Marshal(rec.Metadata); err != nil {
			return "", fmt.Errorf("record failed notification: encode metadata: %w", err)
		}
	}

	reason := "unknown error"
	if rec.Err != nil {
		reason = rec.Err.Error()
	}
	cls := q.classify(rec.Err)
	cfg := q.Config()
	now := q.clock.Now()

	row := storage.FailedNotification{
		ID:            uuid.NewString(),
		Type:          rec.Type,
		Payload:       raw,
		Recipient:     rec.Recipient,
		Channel:       string(rec.Payload.Channel()),
		FailureReason: reason,
		StackTrace:    rec.StackTrace,
		Metadata:      meta,
		CreatedAt:     now,
		LastAttemptAt: now,
	}
	if cls.ShouldRetry {
		next := now.Add(cfg.RetryDelay)
		row.NextRetryAt = &next
	} else {
		row.PermanentFailure = true
	}

	if err := q.store.Create(ctx, row); err != nil {
		return "", fmt.Errorf("record failed notification: %w", err)
	}

	log := q.log.With(logx.String("id", row.ID), logx.String("channel", row.Channel), logx.String("type", row.Type))
	ev := Event{ID: row.ID, Type: row.Type, Channel: row.Channel, Reason: reason}
	if cls.ShouldRetry {
		log.Warn("notification dead-lettered", logx.String("category", string(cls.Category)), logx.Time("next_retry_at", *row.NextRetryAt), logx.String("reason", reason))
		q.bus.Publish(eventbus.Event{Type: eventbus.DLQRecorded, Time: now, Data: ev})
	} else {
		log.Warn("notification failed permanently", logx.String("reason", reason))
		q.bus.Publish(eventbus.Event{Type: eventbus.DLQPermanent, Time: now, Data: ev})
	}

	q.checkAlert(ctx)
	return row.ID, nil
}

// GetMetrics counts persisted rows. ProcessingErrors is this queue's lifetime counter.
func (q *Queue) GetMetrics(ctx context.Context) (Metrics, error) {
	if q.store == nil {
		return Metrics{}, ErrNoStore
	}
	cfg := q.Config()
	m := Metrics{ProcessingErrors: q.processingErrors.Load()}
	counts := []struct {
		dst *int
		f   storage.Filter
	}{
		{&m.TotalFailed, storage.Filter{}},
		{&m.PendingRetries, storage.Filter{State: storage.StatePending, RetryCountBelow: cfg.MaxRetryAttempts}},
		{&m.PermanentFailures, storage.Filter{State: storage.StatePermanent}},
		{&m.SuccessfulRetries, storage.Filter{State: storage.StateResolved}},
	}
	for _, c := range counts {
		n, err := q.store.Count(ctx, c.f)
		if err != nil {
			return Metrics{}, fmt.Errorf("dlq metrics: %w", err)
		}
		*c.dst = n
	}
	return m, nil
}

func (q *Queue) checkAlert(ctx context.Context) {
	m, err := q.GetMetrics(ctx)
	if err != nil {
		q.log.Warn("dlq alert check failed", logx.Err(err))
		return
	}
	q.alertOn(ctx, m)
}

// alertOn never feeds alert failures back into the queue.
func (q *Queue) alertOn(ctx context.Context, m Metrics) {
	threshold := q.Config().AlertThreshold
	if q.alerter == nil || m.PendingRetries < threshold {
		return
	}
	a := alert.Alert{
		Title:    "DLQ backlog above threshold",
		Message:  fmt.Sprintf("%d notifications pending retry (threshold %d); %d permanent failures.", m.PendingRetries, threshold, m.PermanentFailures),
		Severity: alert.SeverityWarning,
		Key:      "dlq.backlog",
	}
	if m.PendingRetries >= 2*threshold {
		a.Severity = alert.SeverityCritical
	}
	switch err := q.alerter.SendSystemAlert(ctx, a); {
	case err == nil:
	case errors.Is(err, alert.ErrDuplicate), errors.Is(err, alert.ErrRateLimited):
		q.log.Debug("dlq alert suppressed", logx.Err(err))
	default:
		q.log.Warn("dlq alert not delivered", logx.Err(err))
	}
}

// Get returns one row.
func (q *Queue) Get(ctx context.Context, id string) (storage.FailedNotification, error) {
	if q.store == nil {
		return storage.FailedNotification{}, ErrNoStore
	}
	return q.store.Get(ctx, id)
}

type ListFilter struct {
	State   storage.State
	Channel notification.Channel
	Limit   int
}

// List returns rows newest first. Limit defaults to 100 and is capped at 1000.
func (q *Queue) List(ctx context.Context, f ListFilter) ([]storage.FailedNotification, error) {
	if q.store == nil {
		return nil, ErrNoStore
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	return q.store.FindMany(ctx, storage.Filter{State: f.State, Channel: string(f.Channel)}, storage.OrderCreatedDesc, limit)
}

// Cleanup deletes terminal rows older than CleanupAfter. Pending rows are never deleted.
func (q *Queue) Cleanup(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, ErrNoStore
	}
	cfg := q.Config()
	now := q.clock.Now()
	cutoff := now.Add(-cfg.CleanupAfter)
	n, err := q.store.DeleteMany(ctx, storage.Filter{TerminalBefore: cutoff})
	if err != nil {
		return 0, fmt.Errorf("dlq cleanup: %w", err)
	}
	if n > 0 {
		q.log.Info("dlq cleanup removed rows", logx.Int("deleted", n), logx.Time("cutoff", cutoff))
	}
	q.bus.Publish(eventbus.Event{Type: eventbus.DLQCleaned, Time: now, Data: map[string]any{"deleted": n, "cutoff": cutoff}})
	return n, nil
}

// Apply swaps the retry policy. Rows already scheduled keep their NextRetryAt.
func (q *Queue) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	q.cmu.Lock()
	old := q.cfg
	q.cfg = cfg
	q.cmu.Unlock()

	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.sup != nil && old.CleanupSchedule != cfg.CleanupSchedule {
		if err := q.restartCronLocked(cfg); err != nil {
			return err
		}
	}
	if q.kick != nil && old.ProcessingInterval != cfg.ProcessingInterval {
		select {
		case q.kick <- struct{}{}:
		default:
		}
	}
	return nil
}
