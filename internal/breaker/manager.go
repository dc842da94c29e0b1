package breaker

import (
	"fmt"
	"sort"
	"sync"

	"notifyguard/internal/clock"
	"notifyguard/internal/eventbus"
	logx "notifyguard/pkg/logx"
)

type key struct {
	name string
	typ  Type
}

func (k key) String() string { return string(k.typ) + ":" + k.name }

// Manager is a registry of breakers keyed by (name, type).
// Construct one per process at the composition root.
type Manager struct {
	clock clock.Clock
	log   logx.Logger
	bus   eventbus.Bus

	mu       sync.RWMutex
	defaults map[Type]Config
	breakers map[key]*CircuitBreaker
}

type ManagerOption func(*Manager)

func WithManagerClock(c clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = clock.OrSystem(c) }
}

func WithManagerLogger(log logx.Logger) ManagerOption {
	return func(m *Manager) {
		if !log.IsZero() {
			m.log = log
		}
	}
}

func WithManagerBus(bus eventbus.Bus) ManagerOption {
	return func(m *Manager) {
		if bus != nil {
			m.bus = bus
		}
	}
}

// WithDefaults overrides the built-in defaults for the given types.
func WithDefaults(defaults map[Type]Config) ManagerOption {
	return func(m *Manager) {
		for t, c := range defaults {
			m.defaults[t] = DefaultConfig(t).Merge(c)
		}
	}
}

func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		clock:    clock.System{},
		log:      logx.Nop(),
		bus:      eventbus.Nop(),
		defaults: map[Type]Config{},
		breakers: map[key]*CircuitBreaker{},
	}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	return m
}

// GetOrCreate returns the breaker for (name, typ), constructing it on first
// use from the type defaults merged with override. Overrides passed for an
// existing key are ignored.
func (m *Manager) GetOrCreate(name string, typ Type, override ...Config) *CircuitBreaker {
	k := key{name: name, typ: typ}

	m.mu.RLock()
	cb := m.breakers[k]
	m.mu.RUnlock()
	if cb != nil {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb = m.breakers[k]; cb != nil {
		return cb
	}
	cfg := m.defaultsLocked(typ)
	for _, o := range override {
		cfg = cfg.Merge(o)
	}
	cb = New(name, typ, cfg,
		WithClock(m.clock),
		WithLogger(m.log.With(logx.String("breaker", k.String()))),
		WithBus(m.bus),
	)
	m.breakers[k] = cb
	m.log.Debug("circuit breaker created", logx.String("key", k.String()))
	return cb
}

// Get returns the breaker for (name, typ) without creating it.
func (m *Manager) Get(name string, typ Type) (*CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cb, ok := m.breakers[key{name: name, typ: typ}]
	return cb, ok
}

// Defaults returns the config a new breaker of typ would start from.
func (m *Manager) Defaults(typ Type) Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultsLocked(typ)
}

func (m *Manager) defaultsLocked(typ Type) Config {
	if c, ok := m.defaults[typ]; ok {
		return c
	}
	return DefaultConfig(typ)
}

// SetDefaults replaces the defaults for typ. Existing breakers keep their config.
func (m *Manager) SetDefaults(typ Type, cfg Config) error {
	merged := DefaultConfig(typ).Merge(cfg)
	if err := merged.Validate(); err != nil {
		return fmt.Errorf("breaker defaults %s: %w", typ, err)
	}
	m.mu.Lock()
	m.defaults[typ] = merged
	m.mu.Unlock()
	return nil
}

// AllHealthStatus maps "<type>:<name>" to each breaker's snapshot.
func (m *Manager) AllHealthStatus() map[string]HealthStatus {
	m.mu.RLock()
	list := make(map[string]*CircuitBreaker, len(m.breakers))
	for k, cb := range m.breakers {
		list[k.String()] = cb
	}
	m.mu.RUnlock()

	out := make(map[string]HealthStatus, len(list))
	for k, cb := range list {
		out[k] = cb.HealthStatus()
	}
	return out
}

// Keys returns registered keys sorted.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.breakers))
	for k := range m.breakers {
		out = append(out, k.String())
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (m *Manager) ResetBreaker(name string, typ Type) error {
	cb, ok := m.Get(name, typ)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBreakerNotFound, key{name: name, typ: typ})
	}
	cb.Reset()
	return nil
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.breakers)
}

// Cleanup drops every registered breaker.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	n := len(m.breakers)
	m.breakers = map[key]*CircuitBreaker{}
	m.mu.Unlock()
	if n > 0 {
		m.log.Debug("circuit breakers dropped", logx.Int("count", n))
	}
}
