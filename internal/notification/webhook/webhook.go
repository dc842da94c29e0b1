// Package webhook delivers SMS notifications by POSTing JSON to an HTTP
// gateway.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"notifyguard/internal/notification"
	logx "notifyguard/pkg/logx"
)

type Config struct {
	Endpoint string        `json:"endpoint"`
	APIKey   string        `json:"api_key"`
	Timeout  time.Duration `json:"timeout"`
}

type Option func(*SMS)

func WithHTTPClient(c *http.Client) Option {
	return func(s *SMS) {
		if c != nil {
			s.http = c
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(s *SMS) {
		if !log.IsZero() {
			s.log = log
		}
	}
}

// SMS implements notification.SMSSender.
type SMS struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, opts ...Option) (*SMS, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.Endpoint == "" {
		return nil, errors.New("sms webhook: endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	s := &SMS{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, log: logx.Nop()}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s, nil
}

type request struct {
	To       string `json:"to"`
	Text     string `json:"text"`
	SenderID string `json:"sender_id,omitempty"`
}

type response struct {
	OK        bool   `json:"ok"`
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

func (s *SMS) SendSMS(ctx context.Context, recipient string, p notification.SMSPayload) error {
	to := strings.TrimSpace(recipient)
	if to == "" {
		return fmt.Errorf("%w: empty phone number", notification.ErrInvalidPayload)
	}
	body, err := json.Marshal(request{To: to, Text: p.Text, SenderID: p.SenderID})
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())
	if k := strings.TrimSpace(s.cfg.APIKey); k != "" {
		req.Header.Set("Authorization", "Bearer "+k)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("sms webhook: %w", err)
	}
	defer resp.Body.Close()

	var out response
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out)

	if resp.StatusCode/100 != 2 || (out.Error != "" && !out.OK) {
		return statusError(resp.StatusCode, out.Error)
	}
	s.log.Debug("sms accepted", logx.String("to", to), logx.String("message_id", out.MessageID))
	return nil
}

// statusError phrases gateway failures so the failure classifier can tell
// rejected requests from outages.
func statusError(code int, detail string) error {
	if detail == "" {
		detail = http.StatusText(code)
	}
	switch {
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("sms webhook: rate limited: %s", detail)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("sms webhook: unauthorized (http %d): %s", code, detail)
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return fmt.Errorf("sms webhook: invalid request (http %d): %s", code, detail)
	case code >= 500:
		return fmt.Errorf("sms webhook: server error (http %d): %s", code, detail)
	}
	return fmt.Errorf("sms webhook: http %d: %s", code, detail)
}
