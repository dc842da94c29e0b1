package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ChatConfig controls forwarding of log lines to the ops chat.
type ChatConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// TextSink receives rendered log lines for the chat sink.
// Implementations must not log through the Service that owns the sink.
type TextSink interface {
	SendText(ctx context.Context, text string) error
}

const (
	chatQueueSize = 256
	chatMaxLine   = 3500
	chatMaxValue  = 600
)

// chatSink is a zerolog.LevelWriter that renders lines and hands them to a
// single sender goroutine. Writes never block on the sink.
type chatSink struct {
	sink  TextSink
	lines chan string

	mu       sync.Mutex
	minLevel zerolog.Level
	limiter  *rate.Limiter

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

func newChatSink(sink TextSink) *chatSink {
	ctx, cancel := context.WithCancel(context.Background())
	return &chatSink{
		sink:     sink,
		lines:    make(chan string, chatQueueSize),
		minLevel: zerolog.WarnLevel,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (c *chatSink) configure(cfg ChatConfig) {
	rps := max(cfg.RatePerSec, 1)
	c.mu.Lock()
	c.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	c.mu.Unlock()
	if cfg.Enabled {
		c.startOnce.Do(func() { go c.run() })
	}
}

func (c *chatSink) run() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case line := <-c.lines:
			_ = c.sink.SendText(c.ctx, line)
		}
	}
}

func (c *chatSink) stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		started := true
		c.startOnce.Do(func() { started = false })
		if started {
			<-c.done
		}
	})
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(zerolog.InfoLevel, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	pass := level >= c.minLevel && c.limiter != nil && c.limiter.Allow()
	c.mu.Unlock()
	if !pass || c.ctx.Err() != nil {
		return len(p), nil
	}
	if line := renderChatLine(p); line != "" {
		select {
		case c.lines <- line:
		default:
		}
	}
	return len(p), nil
}

// renderChatLine turns one JSON log line into "[LEVEL] message" followed by
// sorted "- key=value" rows. Lines that are not JSON pass through trimmed.
func renderChatLine(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return clip(raw, chatMaxLine)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	delete(m, zerolog.TimestampFieldName)
	delete(m, zerolog.LevelFieldName)
	delete(m, zerolog.MessageFieldName)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), chatMaxValue))
	}
	return clip(b.String(), chatMaxLine)
}

func clip(s string, n int) string {
	switch {
	case len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	}
	return s[:n-3] + "..."
}
