// Package supervisor runs named goroutines tied to one cancellable context.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "notifyguard/pkg/logx"
)

// Supervisor recovers panics, records the first error and waits for every
// goroutine it started. With WithCancelOnError the first error cancels the
// shared context.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}

	errMu    sync.Mutex
	firstErr error

	running  atomic.Int64
	panics   atomic.Uint64
	restarts atomic.Uint64
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	s := &Supervisor{done: make(chan struct{})}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.firstErr
}

// Stats is a point-in-time view for health output.
type Stats struct {
	Running    int64  `json:"running"`
	Panics     uint64 `json:"panics"`
	Restarts   uint64 `json:"restarts"`
	FirstError string `json:"first_error,omitempty"`
}

func (s *Supervisor) Stats() Stats {
	st := Stats{Running: s.running.Load(), Panics: s.panics.Load(), Restarts: s.restarts.Load()}
	if err := s.Err(); err != nil {
		st.FirstError = err.Error()
	}
	return st
}

// Go runs fn under the supervisor context. Errors other than
// context.Canceled are recorded as "<name>: <err>".
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	s.running.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Add(-1)
		if err := s.call(name, fn); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// call turns a panic into an error.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.log.Error("goroutine panicked",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

type RestartOption func(*backoff)

// WithRestartBackoff bounds the exponential delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(b *backoff) {
		if min > 0 {
			b.min = min
		}
		if max > 0 {
			b.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts and records the last error.
// The first run is not a restart; n <= 0 means unlimited.
func WithMaxRestarts(n int) RestartOption { return func(b *backoff) { b.limit = n } }

type backoff struct {
	min, max time.Duration
	limit    int
	cur      time.Duration
}

// next returns the delay with up to 20% jitter and doubles the base.
func (b *backoff) next() time.Duration {
	if b.cur < b.min {
		b.cur = b.min
	}
	d := b.cur
	if j := int64(d) / 5; j > 0 {
		d += time.Duration(rand.Int64N(j + 1))
	}
	b.cur = min(b.cur*2, b.max)
	return d
}

// healthyRun resets the backoff when a run lasted at least this long.
const healthyRun = 30 * time.Second

// GoRestart reruns fn after an error or panic until it returns nil or the
// context ends.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	b := &backoff{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(b)
	}
	b.max = max(b.max, b.min)

	s.Go0(name, func(ctx context.Context) {
		for restarts := 0; ; restarts++ {
			began := time.Now()
			err := s.call(name, fn)
			if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if b.limit > 0 && restarts >= b.limit {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(fmt.Errorf("%s: %w", name, err))
				return
			}
			if time.Since(began) >= healthyRun {
				b.cur = b.min
			}
			wait := b.next()
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			s.restarts.Add(1)
		}
	})
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx ends, and returns the
// first recorded error.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.errMu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.errMu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}
