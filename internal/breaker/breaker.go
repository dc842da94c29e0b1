// Package breaker isolates failing external dependencies behind per-dependency
// circuit breakers.
//
// A CircuitBreaker moves between three states:
//   - CLOSED: calls pass through; consecutive failures count toward the trip threshold.
//   - OPEN: calls are refused without touching the dependency until ResetTimeout elapses.
//   - HALF_OPEN: calls probe the dependency; one failure reopens, SuccessThreshold
//     consecutive successes close.
//
// Breakers are owned by a Manager built at the composition root; there is no
// package-level registry.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"notifyguard/internal/clock"
	"notifyguard/internal/eventbus"
	logx "notifyguard/pkg/logx"
)

var (
	ErrOpen            = errors.New("circuit breaker is open: service unavailable")
	ErrTimeout         = errors.New("operation timed out")
	ErrBreakerNotFound = errors.New("circuit breaker not found")
)

// maxHistory caps the request history independently of MonitorWindow.
const maxHistory = 1000

// State is the breaker's position in its state machine.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Metrics are cumulative for the breaker's lifetime (until Reset).
// ConsecutiveFailures and ConsecutiveSuccesses are never both non-zero.
type Metrics struct {
	TotalRequests        int64     `json:"total_requests"`
	SuccessfulRequests   int64     `json:"successful_requests"`
	FailedRequests       int64     `json:"failed_requests"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastFailureTime      time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime      time.Time `json:"last_success_time,omitempty"`
}

// HistoryEntry is one real invocation inside the monitor window.
type HistoryEntry struct {
	At       time.Time     `json:"at"`
	OK       bool          `json:"ok"`
	Duration time.Duration `json:"duration"`
}

// Operation is the protected unit of work. It must honor ctx.
type Operation func(ctx context.Context) (any, error)

// Result is the outcome of Execute. Execute never returns errors any other way.
type Result struct {
	OK      bool
	Value   any
	Err     error
	State   State
	Metrics Metrics
}

// HealthStatus is a read-only snapshot of a breaker.
type HealthStatus struct {
	Name            string        `json:"name"`
	Type            Type          `json:"type"`
	State           State         `json:"state"`
	Metrics         Metrics       `json:"metrics"`
	Config          Config        `json:"config"`
	StateChangeTime time.Time     `json:"state_change_time"`
	TimeInState     time.Duration `json:"time_in_state"`
	WindowRequests  int           `json:"window_requests"`
	WindowFailures  int           `json:"window_failures"`
}

// StateChange is published on the event bus for every transition.
type StateChange struct {
	Name   string    `json:"name"`
	Type   Type      `json:"type"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

type Option func(*CircuitBreaker)

func WithClock(c clock.Clock) Option {
	return func(cb *CircuitBreaker) { cb.clock = clock.OrSystem(c) }
}

func WithLogger(log logx.Logger) Option {
	return func(cb *CircuitBreaker) {
		if !log.IsZero() {
			cb.log = log
		}
	}
}

func WithBus(bus eventbus.Bus) Option {
	return func(cb *CircuitBreaker) {
		if bus != nil {
			cb.bus = bus
		}
	}
}

// CircuitBreaker guards one kind of operation against one dependency.
// Safe for concurrent use.
type CircuitBreaker struct {
	name string
	typ  Type
	cfg  Config

	clock clock.Clock
	log   logx.Logger
	bus   eventbus.Bus

	mu              sync.Mutex
	state           State
	stateChangeTime time.Time
	metrics         Metrics
	history         []HistoryEntry
}

// New constructs a CLOSED breaker. cfg is used as-is; callers merge defaults first.
func New(name string, typ Type, cfg Config, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:  name,
		typ:   typ,
		cfg:   DefaultConfig(typ).Merge(cfg),
		clock: clock.System{},
		log:   logx.Nop(),
		bus:   eventbus.Nop(),
	}
	for _, o := range opts {
		if o != nil {
			o(cb)
		}
	}
	cb.stateChangeTime = cb.clock.Now()
	return cb
}

func (cb *CircuitBreaker) Name() string   { return cb.name }
func (cb *CircuitBreaker) Type() Type     { return cb.typ }
func (cb *CircuitBreaker) Config() Config { return cb.cfg }

func (cb *CircuitBreaker) snapshot() (State, Metrics) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.metrics
}

// State returns the current state without evaluating the OPEN cooldown.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs op under the breaker. OPEN short-circuits without invoking op
// and without recording metrics; otherwise op runs once, bounded by Timeout.
// A failure after the caller's ctx ended is not held against the dependency
// and leaves metrics untouched.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	if op == nil {
		op = func(context.Context) (any, error) { return nil, errors.New("nil operation") }
	}

	if ok, state, m := cb.admit(); !ok {
		return Result{Err: ErrOpen, State: state, Metrics: m}
	}

	started := time.Now()
	val, err := cb.invoke(ctx, op)
	if err != nil && ctx.Err() != nil {
		st, m := cb.snapshot()
		return Result{Err: err, State: st, Metrics: m}
	}
	state, m := cb.record(time.Since(started), err)
	if err != nil {
		return Result{Err: err, State: state, Metrics: m}
	}
	return Result{OK: true, Value: val, State: state, Metrics: m}
}

// Run is Execute for operations without a value.
func (cb *CircuitBreaker) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return cb.Execute(ctx, func(c context.Context) (any, error) {
		return nil, fn(c)
	}).Err
}

// Do is a typed Execute.
func Do[T any](ctx context.Context, cb *CircuitBreaker, op func(ctx context.Context) (T, error)) (T, Result) {
	res := cb.Execute(ctx, func(c context.Context) (any, error) { return op(c) })
	v, _ := res.Value.(T)
	return v, res
}

// admit decides whether a call may reach the dependency, lazily moving
// OPEN to HALF_OPEN once the cooldown has elapsed.
func (cb *CircuitBreaker) admit() (bool, State, Metrics) {
	now := cb.clock.Now()
	cb.mu.Lock()
	if cb.state != StateOpen {
		st, m := cb.state, cb.metrics
		cb.mu.Unlock()
		return true, st, m
	}
	if now.Sub(cb.stateChangeTime) < cb.cfg.ResetTimeout {
		st, m := cb.state, cb.metrics
		cb.mu.Unlock()
		return false, st, m
	}
	change := cb.transitionLocked(StateHalfOpen, now, "reset timeout elapsed")
	st, m := cb.state, cb.metrics
	cb.mu.Unlock()

	cb.announce(change)
	return true, st, m
}

// invoke races op against the Timeout timer. Both the timer and the call
// context are released on every path.
func (cb *CircuitBreaker) invoke(ctx context.Context, op Operation) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, cb.cfg.Timeout)
	defer cancel()

	type outcome struct {
		val any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic in protected operation: %v", r)}
			}
		}()
		v, err := op(callCtx)
		done <- outcome{val: v, err: err}
	}()

	timer := time.NewTimer(cb.cfg.Timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, cb.timeoutErr()
		}
		return o.val, o.err
	case <-timer.C:
		return nil, cb.timeoutErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (cb *CircuitBreaker) timeoutErr() error {
	return fmt.Errorf("%w after %s", ErrTimeout, cb.cfg.Timeout)
}

func (cb *CircuitBreaker) record(took time.Duration, err error) (State, Metrics) {
	now := cb.clock.Now()
	cb.mu.Lock()

	m := &cb.metrics
	m.TotalRequests++
	var change *StateChange
	if err == nil {
		m.SuccessfulRequests++
		m.ConsecutiveSuccesses++
		m.ConsecutiveFailures = 0
		m.LastSuccessTime = now
		if cb.state == StateHalfOpen && m.ConsecutiveSuccesses >= cb.cfg.SuccessThreshold {
			change = cb.transitionLocked(StateClosed, now,
				fmt.Sprintf("success threshold reached (%d/%d)", m.ConsecutiveSuccesses, cb.cfg.SuccessThreshold))
		}
	} else {
		m.FailedRequests++
		m.ConsecutiveFailures++
		m.ConsecutiveSuccesses = 0
		m.LastFailureTime = now
		switch cb.state {
		case StateClosed:
			if m.ConsecutiveFailures >= cb.cfg.FailureThreshold {
				change = cb.transitionLocked(StateOpen, now,
					fmt.Sprintf("failure threshold reached (%d/%d)", m.ConsecutiveFailures, cb.cfg.FailureThreshold))
			}
		case StateHalfOpen:
			change = cb.transitionLocked(StateOpen, now, "failure while half-open")
		}
	}

	cb.history = append(cb.history, HistoryEntry{At: now, OK: err == nil, Duration: took})
	cb.pruneLocked(now)

	st, snap := cb.state, cb.metrics
	cb.mu.Unlock()

	cb.announce(change)
	if err != nil {
		cb.log.Debug("protected call failed", logx.String("breaker", cb.name), logx.String("state", st.String()), logx.Err(err))
	}
	return st, snap
}

func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.cfg.MonitorWindow)
	i := 0
	for i < len(cb.history) && cb.history[i].At.Before(cutoff) {
		i++
	}
	if n := len(cb.history) - i; n > maxHistory {
		i = len(cb.history) - maxHistory
	}
	if i > 0 {
		cb.history = append(cb.history[:0], cb.history[i:]...)
	}
}

func (cb *CircuitBreaker) transitionLocked(to State, now time.Time, reason string) *StateChange {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	cb.stateChangeTime = now
	return &StateChange{Name: cb.name, Type: cb.typ, From: from, To: to, Reason: reason, At: now}
}

// announce logs and publishes a transition. Called without holding mu.
func (cb *CircuitBreaker) announce(c *StateChange) {
	if c == nil {
		return
	}
	fields := []logx.Field{
		logx.String("breaker", c.Name),
		logx.String("type", string(c.Type)),
		logx.String("from", c.From.String()),
		logx.String("to", c.To.String()),
		logx.String("reason", c.Reason),
	}
	if c.To == StateOpen {
		cb.log.Warn("circuit opened", fields...)
	} else {
		cb.log.Info("circuit state changed", fields...)
	}
	cb.bus.Publish(eventbus.Event{Type: eventbus.BreakerStateChanged, Time: c.At, Data: *c})
}

// HealthStatus returns a snapshot; mutating it never affects the breaker.
func (cb *CircuitBreaker) HealthStatus() HealthStatus {
	now := cb.clock.Now()
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cutoff := now.Add(-cb.cfg.MonitorWindow)
	var reqs, fails int
	for _, h := range cb.history {
		if h.At.Before(cutoff) {
			continue
		}
		reqs++
		if !h.OK {
			fails++
		}
	}
	return HealthStatus{
		Name:            cb.name,
		Type:            cb.typ,
		State:           cb.state,
		Metrics:         cb.metrics,
		Config:          cb.cfg,
		StateChangeTime: cb.stateChangeTime,
		TimeInState:     now.Sub(cb.stateChangeTime),
		WindowRequests:  reqs,
		WindowFailures:  fails,
	}
}

// History returns a copy of the request history inside the monitor window.
func (cb *CircuitBreaker) History() []HistoryEntry {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return append([]HistoryEntry(nil), cb.history...)
}

// Reset forces CLOSED and zeroes metrics and history from any state.
func (cb *CircuitBreaker) Reset() {
	now := cb.clock.Now()
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.stateChangeTime = now
	cb.metrics = Metrics{}
	cb.history = nil
	cb.mu.Unlock()

	cb.log.Info("circuit reset", logx.String("breaker", cb.name), logx.String("from", from.String()))
	cb.bus.Publish(eventbus.Event{Type: eventbus.BreakerReset, Time: now, Data: StateChange{
		Name: cb.name, Type: cb.typ, From: from, To: StateClosed, Reason: "manual reset", At: now,
	}})
}
