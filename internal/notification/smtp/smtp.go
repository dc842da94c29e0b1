// Package smtp delivers EMAIL notifications through an SMTP relay.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"notifyguard/internal/clock"
	"notifyguard/internal/notification"
	logx "notifyguard/pkg/logx"
)

type Config struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	User      string        `json:"user"`
	Pass      string        `json:"pass"`
	From      string        `json:"from"`
	HelloName string        `json:"hello_name"`
	Timeout   time.Duration `json:"timeout"`
}

// Dialer is satisfied by *net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Option func(*Sender)

func WithDialer(d Dialer) Option {
	return func(s *Sender) {
		if d != nil {
			s.dialer = d
		}
	}
}

// WithTLSConfig replaces the STARTTLS config; nil disables STARTTLS.
func WithTLSConfig(cfg *tls.Config) Option { return func(s *Sender) { s.tls = cfg } }

func WithAuth(a smtp.Auth) Option { return func(s *Sender) { s.auth = a } }

func WithClock(c clock.Clock) Option { return func(s *Sender) { s.clock = clock.OrSystem(c) } }

func WithLogger(log logx.Logger) Option {
	return func(s *Sender) {
		if !log.IsZero() {
			s.log = log
		}
	}
}

// Sender implements notification.EmailSender.
type Sender struct {
	cfg    Config
	from   string
	auth   smtp.Auth
	tls    *tls.Config
	dialer Dialer
	clock  clock.Clock
	log    logx.Logger
}

func New(cfg Config, opts ...Option) (*Sender, error) {
	cfg.Host = strings.TrimSpace(cfg.Host)
	if cfg.Host == "" {
		return nil, errors.New("smtp: host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("smtp: invalid port %d", cfg.Port)
	}
	from, err := envelope(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("smtp: invalid from address: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if strings.TrimSpace(cfg.HelloName) == "" {
		cfg.HelloName = "localhost"
	}

	s := &Sender{
		cfg:    cfg,
		from:   from,
		tls:    &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12},
		dialer: &net.Dialer{Timeout: cfg.Timeout},
		clock:  clock.System{},
		log:    logx.Nop(),
	}
	if strings.TrimSpace(cfg.User) != "" {
		s.auth = smtp.PlainAuth("", cfg.User, cfg.Pass, cfg.Host)
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s, nil
}

// SendEmail sends p to the single address in recipient.
func (s *Sender) SendEmail(ctx context.Context, recipient string, p notification.EmailPayload) error {
	to, err := envelope(recipient)
	if err != nil {
		return fmt.Errorf("%w: invalid email address %q", notification.ErrInvalidPayload, recipient)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	msg := s.buildMessage(to, p)
	if err := s.deliver(ctx, to, msg); err != nil {
		return describe(err)
	}
	s.log.Debug("email delivered", logx.String("to", to), logx.Int("bytes", len(msg)))
	return nil
}

func (s *Sender) deliver(ctx context.Context, to string, msg []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	// Unblock protocol reads when ctx ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return fmt.Errorf("greeting: %w", err)
	}
	defer c.Close()

	if err := c.Hello(s.cfg.HelloName); err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	if s.tls != nil {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(s.tls.Clone()); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if s.auth != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(s.auth); err != nil {
				return fmt.Errorf("auth: %w", err)
			}
		}
	}
	if err := c.Mail(s.from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return &rcptError{addr: to, err: err}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return fmt.Errorf("data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}
	if err := c.Quit(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("quit: %w", err)
	}
	return ctx.Err()
}

func (s *Sender) buildMessage(to string, p notification.EmailPayload) []byte {
	ctype := "text/plain; charset=UTF-8"
	if p.HTML {
		ctype = "text/html; charset=UTF-8"
	}
	var buf bytes.Buffer
	for _, h := range [][2]string{
		{"From", s.from},
		{"To", to},
		{"Subject", headerValue(p.Subject)},
		{"Date", s.clock.Now().UTC().Format(time.RFC1123Z)},
		{"MIME-Version", "1.0"},
		{"Content-Type", ctype},
	} {
		buf.WriteString(h[0] + ": " + h[1] + "\r\n")
	}
	buf.WriteString("\r\n")
	body := strings.ReplaceAll(p.Body, "\r\n", "\n")
	buf.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return buf.Bytes()
}

type rcptError struct {
	addr string
	err  error
}

func (e *rcptError) Error() string { return "rcpt to " + e.addr + ": " + e.err.Error() }
func (e *rcptError) Unwrap() error { return e.err }

// describe rewrites SMTP replies into messages the failure classifier
// recognizes. 5xx on RCPT is an invalid recipient, 535 a failed login,
// any other 4xx temporary.
func describe(err error) error {
	var tp *textproto.Error
	if !errors.As(err, &tp) {
		return fmt.Errorf("smtp: %w", err)
	}
	var rcpt *rcptError
	switch {
	case tp.Code >= 550 && tp.Code <= 553 && errors.As(err, &rcpt):
		return fmt.Errorf("smtp: invalid recipient %s: %w", rcpt.addr, err)
	case tp.Code == 535:
		return fmt.Errorf("smtp: authentication failed: %w", err)
	case tp.Code >= 400 && tp.Code < 500:
		return fmt.Errorf("smtp: temporary failure: %w", err)
	}
	return fmt.Errorf("smtp: %w", err)
}

func envelope(v string) (string, error) {
	a, err := mail.ParseAddress(strings.TrimSpace(v))
	if err != nil {
		return "", err
	}
	return a.Address, nil
}

func headerValue(v string) string {
	return strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(v))
}
