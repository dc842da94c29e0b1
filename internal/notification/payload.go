// Package notification defines the closed set of delivery channels, their
// typed payloads, and the dispatcher that routes a payload to its sender.
package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelSMS   Channel = "SMS"
	ChannelPush  Channel = "PUSH"
	ChannelChat  Channel = "CHAT"
	ChannelInApp Channel = "IN_APP"
)

func Channels() []Channel {
	return []Channel{ChannelEmail, ChannelSMS, ChannelPush, ChannelChat, ChannelInApp}
}

// ParseChannel accepts any case.
func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Channels() {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedChannel, s)
}

var (
	ErrUnsupportedChannel = errors.New("unsupported notification channel")
	ErrInvalidPayload     = errors.New("invalid notification payload")
)

// Payload is implemented only by the variants in this package.
type Payload interface {
	Channel() Channel
	Validate() error
	sealed()
}

type ChatPayload struct {
	ChatID         int64  `json:"chat_id"`
	ThreadID       int    `json:"thread_id,omitempty"`
	Text           string `json:"text"`
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
}

type EmailPayload struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	HTML    bool   `json:"html,omitempty"`
}

type SMSPayload struct {
	Text     string `json:"text"`
	SenderID string `json:"sender_id,omitempty"`
}

type PushPayload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type InAppPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Link  string `json:"link,omitempty"`
}

func (ChatPayload) Channel() Channel  { return ChannelChat }
func (EmailPayload) Channel() Channel { return ChannelEmail }
func (SMSPayload) Channel() Channel   { return ChannelSMS }
func (PushPayload) Channel() Channel  { return ChannelPush }
func (InAppPayload) Channel() Channel { return ChannelInApp }

func (ChatPayload) sealed()  {}
func (EmailPayload) sealed() {}
func (SMSPayload) sealed()   {}
func (PushPayload) sealed()  {}
func (InAppPayload) sealed() {}

func (p ChatPayload) Validate() error {
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("%w: chat text is empty", ErrInvalidPayload)
	}
	return nil
}

func (p EmailPayload) Validate() error {
	if strings.TrimSpace(p.Subject) == "" && strings.TrimSpace(p.Body) == "" {
		return fmt.Errorf("%w: email subject and body are empty", ErrInvalidPayload)
	}
	return nil
}

func (p SMSPayload) Validate() error {
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("%w: sms text is empty", ErrInvalidPayload)
	}
	return nil
}

func (p PushPayload) Validate() error {
	if strings.TrimSpace(p.Title) == "" && strings.TrimSpace(p.Body) == "" {
		return fmt.Errorf("%w: push title and body are empty", ErrInvalidPayload)
	}
	return nil
}

func (p InAppPayload) Validate() error {
	if strings.TrimSpace(p.Body) == "" {
		return fmt.Errorf("%w: in-app body is empty", ErrInvalidPayload)
	}
	return nil
}

// Encode serializes p for persistence.
func Encode(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Channel(), err)
	}
	return b, nil
}

// Decode restores the variant for ch from its persisted form.
func Decode(ch Channel, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch ch {
	case ChannelChat:
		p, err = decodeAs[ChatPayload](raw)
	case ChannelEmail:
		p, err = decodeAs[EmailPayload](raw)
	case ChannelSMS:
		p, err = decodeAs[SMSPayload](raw)
	case ChannelPush:
		p, err = decodeAs[PushPayload](raw)
	case ChannelInApp:
		p, err = decodeAs[InAppPayload](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChannel, ch)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidPayload, ch, err)
	}
	return p, nil
}

func decodeAs[T Payload](raw []byte) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
