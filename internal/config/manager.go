package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "notifyguard/pkg/logx"
)

// ConfigManager owns the committed config. Reloads are parsed, overlaid with
// the environment and validated before subscribers see them.
type ConfigManager struct {
	path     string
	lookup   LookupFunc
	log      logx.Logger
	validate func(ctx context.Context, cfg *Config) error
	debounce time.Duration

	mu   sync.RWMutex
	cfg  *Config
	hash uint64

	// subsMu is held while sending so Unsubscribe never closes mid-send.
	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{
		path:     path,
		lookup:   os.LookupEnv,
		log:      logx.Nop(),
		validate: resolves,
		debounce: 250 * time.Millisecond,
		subs:     map[chan *Config]struct{}{},
	}
}

func resolves(_ context.Context, cfg *Config) error {
	_, err := cfg.Resolve()
	return err
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// SetEnv replaces the environment lookup; nil disables env overrides.
func (m *ConfigManager) SetEnv(fn LookupFunc) {
	if fn == nil {
		fn = func(string) (string, bool) { return "", false }
	}
	m.lookup = fn
}

// SetValidator replaces the check run before a config is committed.
// The default rejects configs that fail Resolve; nil accepts everything.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validate = fn
}

// Parse reads the file and applies env overrides without committing.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, format, err := coerceToJSONBytes(m.path, raw)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeStrict(jb)
	if err != nil {
		return nil, fmt.Errorf("%s config %s: %w", format, m.path, err)
	}
	if err := ApplyEnv(cfg, m.lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeStrict rejects unknown fields and anything after the first document.
func decodeStrict(b []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	var extra json.RawMessage
	switch err := dec.Decode(&extra); {
	case errors.Is(err, io.EOF):
		return &cfg, nil
	case err != nil:
		return nil, err
	default:
		return nil, errors.New("trailing data after config document")
	}
}

func (m *ConfigManager) check(ctx context.Context, cfg *Config) error {
	if m.validate == nil {
		return nil
	}
	return m.validate(ctx, cfg)
}

func (m *ConfigManager) Commit(cfg *Config) {
	h := hashConfig(cfg)
	m.mu.Lock()
	m.cfg, m.hash = cfg, h
	m.mu.Unlock()
}

// Load parses, validates and commits the file.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := m.check(context.Background(), cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel receiving each committed reload. A slow
// subscriber only ever misses older configs, never the newest.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		if !offerLatest(ch, cfg) {
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// offerLatest sends cfg, evicting the oldest buffered entry when full.
func offerLatest(ch chan *Config, cfg *Config) bool {
	for range 2 {
		select {
		case ch <- cfg:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}

// reload runs once per debounced burst of file events.
func (m *ConfigManager) reload(ctx context.Context) {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config parse failed", logx.Err(err))
		return
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	same := h != 0 && h == m.hash
	m.mu.RUnlock()
	if same {
		log.Debug("config unchanged; skipping publish")
		return
	}

	vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = m.check(vctx, cfg)
	cancel()
	if err != nil {
		log.Warn("config rejected", logx.Err(err))
		return
	}
	m.Commit(cfg)
	m.publish(cfg)
	log.Info("config reloaded", logx.String("hash", fmt.Sprintf("%x", h)))
}

// debouncer coalesces bursts of events into one call after quiet.
type debouncer struct {
	mu    sync.Mutex
	quiet time.Duration
	fn    func()
	t     *time.Timer
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
	d.t = time.AfterFunc(d.quiet, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
}

// Watch reloads the file on change until ctx ends. The directory is watched
// so editors that replace the file are seen. A broken watcher is recreated
// with jittered exponential backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	deb := &debouncer{quiet: m.debounce, fn: func() { m.reload(ctx) }}
	defer deb.stop()

	const (
		retryMin = 250 * time.Millisecond
		retryMax = 5 * time.Second
	)
	delay := retryMin
	for {
		healthy, err := m.watchOnce(ctx, deb)
		if ctx.Err() != nil {
			return nil
		}
		if healthy {
			delay = retryMin
		}
		m.log.Warn("config watcher stopped; restarting", logx.String("dir", filepath.Dir(m.path)), logx.Err(err))

		wait := delay + rand.N(delay/2+1)
		delay = min(delay*2, retryMax)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// watchOnce runs one fsnotify watcher until it breaks or ctx ends. healthy
// reports whether the watcher got as far as receiving events.
func (m *ConfigManager) watchOnce(ctx context.Context, deb *debouncer) (healthy bool, err error) {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("watch init: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return false, fmt.Errorf("watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("event channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&relevant != 0 {
				deb.trigger()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, errors.New("error channel closed")
			}
			switch {
			case werr == nil:
			case errors.Is(werr, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; forcing reload", logx.Err(werr))
				deb.trigger()
			default:
				m.log.Warn("config watch error", logx.Err(werr))
			}
		}
	}
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
