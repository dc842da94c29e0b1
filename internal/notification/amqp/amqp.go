// Package amqp publishes PUSH and IN_APP notifications to a RabbitMQ topic
// exchange for the device and in-app gateways to consume.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"notifyguard/internal/clock"
	"notifyguard/internal/notification"
	logx "notifyguard/pkg/logx"
)

type Config struct {
	URL             string        `json:"url"`
	Exchange        string        `json:"exchange"`
	PushRoutingKey  string        `json:"push_routing_key"`
	InAppRoutingKey string        `json:"in_app_routing_key"`
	ConfirmTimeout  time.Duration `json:"confirm_timeout"`
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Exchange) == "" {
		c.Exchange = "notifications"
	}
	if c.PushRoutingKey == "" {
		c.PushRoutingKey = "notification.push"
	}
	if c.InAppRoutingKey == "" {
		c.InAppRoutingKey = "notification.in_app"
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 5 * time.Second
	}
	return c
}

var ErrClosed = errors.New("amqp publisher closed")

// Message is the JSON body published for every notification.
type Message struct {
	Channel   notification.Channel `json:"channel"`
	Recipient string               `json:"recipient"`
	Payload   json.RawMessage      `json:"payload"`
	SentAt    time.Time            `json:"sent_at"`
}

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

type session struct {
	ch       channel
	confirms <-chan amqp.Confirmation
	conn     io.Closer
}

type connector func(ctx context.Context, cfg Config) (*session, error)

type Option func(*Publisher)

func WithClock(c clock.Clock) Option { return func(p *Publisher) { p.clock = clock.OrSystem(c) } }

func WithLogger(log logx.Logger) Option {
	return func(p *Publisher) {
		if !log.IsZero() {
			p.log = log
		}
	}
}

// Publisher implements notification.PushSender and notification.InAppSender.
// It connects lazily and reconnects on the next publish after the channel closes.
// Publishes are serialized so each broker confirm matches its message.
type Publisher struct {
	cfg     Config
	connect connector
	clock   clock.Clock
	log     logx.Logger

	mu     sync.Mutex
	sess   *session
	closed bool
}

func New(cfg Config, opts ...Option) (*Publisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("amqp: url is required")
	}
	return newPublisher(cfg, dial, opts...), nil
}

func newPublisher(cfg Config, connect connector, opts ...Option) *Publisher {
	p := &Publisher{cfg: cfg.withDefaults(), connect: connect, clock: clock.System{}, log: logx.Nop()}
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	return p
}

func dial(_ context.Context, cfg Config) (*session, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", cfg.Exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return &session{ch: ch, confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)), conn: conn}, nil
}

func (p *Publisher) SendPush(ctx context.Context, recipient string, pl notification.PushPayload) error {
	return p.publish(ctx, p.cfg.PushRoutingKey, recipient, pl)
}

func (p *Publisher) SendInApp(ctx context.Context, recipient string, pl notification.InAppPayload) error {
	return p.publish(ctx, p.cfg.InAppRoutingKey, recipient, pl)
}

func (p *Publisher) publish(ctx context.Context, key, recipient string, pl notification.Payload) error {
	if strings.TrimSpace(recipient) == "" {
		return fmt.Errorf("%w: empty recipient", notification.ErrInvalidPayload)
	}
	raw, err := notification.Encode(pl)
	if err != nil {
		return err
	}
	now := p.clock.Now()
	body, err := json.Marshal(Message{Channel: pl.Channel(), Recipient: recipient, Payload: raw, SentAt: now})
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	sess, err := p.sessionLocked(ctx)
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		Headers:      amqp.Table{"x-channel": string(pl.Channel()), "x-recipient": recipient},
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		Body:         body,
	}
	if err := sess.ch.PublishWithContext(ctx, p.cfg.Exchange, key, false, false, msg); err != nil {
		p.dropLocked()
		return fmt.Errorf("amqp publish: %w", err)
	}
	if sess.confirms == nil {
		return nil
	}

	t := time.NewTimer(p.cfg.ConfirmTimeout)
	defer t.Stop()
	select {
	case c, ok := <-sess.confirms:
		if !ok {
			p.dropLocked()
			return errors.New("amqp connection closed before publish confirm")
		}
		if !c.Ack {
			return errors.New("amqp: broker nacked publish (temporary)")
		}
		return nil
	case <-t.C:
		// A late confirm would be matched to the next message.
		p.dropLocked()
		return errors.New("amqp: timed out waiting for publish confirm")
	case <-ctx.Done():
		p.dropLocked()
		return ctx.Err()
	}
}

func (p *Publisher) sessionLocked(ctx context.Context) (*session, error) {
	if p.closed {
		return nil, ErrClosed
	}
	if p.sess != nil && !p.sess.ch.IsClosed() {
		return p.sess, nil
	}
	p.dropLocked()
	sess, err := p.connect(ctx, p.cfg)
	if err != nil {
		return nil, fmt.Errorf("amqp connection failed: %w", err)
	}
	p.sess = sess
	p.log.Info("amqp publisher connected", logx.String("exchange", p.cfg.Exchange))
	return sess, nil
}

func (p *Publisher) dropLocked() {
	if p.sess == nil {
		return
	}
	_ = p.sess.ch.Close()
	if p.sess.conn != nil {
		_ = p.sess.conn.Close()
	}
	p.sess = nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.dropLocked()
	return nil
}
