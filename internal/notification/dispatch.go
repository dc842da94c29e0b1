package notification

import (
	"context"
	"fmt"

	"notifyguard/internal/breaker"
)

type ChatSender interface {
	SendChat(ctx context.Context, recipient string, p ChatPayload) error
}

type EmailSender interface {
	SendEmail(ctx context.Context, recipient string, p EmailPayload) error
}

type SMSSender interface {
	SendSMS(ctx context.Context, recipient string, p SMSPayload) error
}

type PushSender interface {
	SendPush(ctx context.Context, recipient string, p PushPayload) error
}

type InAppSender interface {
	SendInApp(ctx context.Context, recipient string, p InAppPayload) error
}

// Func adapters.
type (
	ChatFunc  func(ctx context.Context, recipient string, p ChatPayload) error
	EmailFunc func(ctx context.Context, recipient string, p EmailPayload) error
	SMSFunc   func(ctx context.Context, recipient string, p SMSPayload) error
	PushFunc  func(ctx context.Context, recipient string, p PushPayload) error
	InAppFunc func(ctx context.Context, recipient string, p InAppPayload) error
)

func (f ChatFunc) SendChat(ctx context.Context, r string, p ChatPayload) error    { return f(ctx, r, p) }
func (f EmailFunc) SendEmail(ctx context.Context, r string, p EmailPayload) error { return f(ctx, r, p) }
func (f SMSFunc) SendSMS(ctx context.Context, r string, p SMSPayload) error       { return f(ctx, r, p) }
func (f PushFunc) SendPush(ctx context.Context, r string, p PushPayload) error    { return f(ctx, r, p) }
func (f InAppFunc) SendInApp(ctx context.Context, r string, p InAppPayload) error { return f(ctx, r, p) }

// Senders holds one optional sender per channel. A nil sender makes its
// channel unsupported.
type Senders struct {
	Chat  ChatSender
	Email EmailSender
	SMS   SMSSender
	Push  PushSender
	InApp InAppSender
}

// Dispatcher routes payloads to the sender for their channel.
type Dispatcher struct {
	senders Senders
}

func NewDispatcher(s Senders) *Dispatcher {
	return &Dispatcher{senders: s}
}

// Supports reports whether ch has a configured sender.
func (d *Dispatcher) Supports(ch Channel) bool {
	switch ch {
	case ChannelChat:
		return d.senders.Chat != nil
	case ChannelEmail:
		return d.senders.Email != nil
	case ChannelSMS:
		return d.senders.SMS != nil
	case ChannelPush:
		return d.senders.Push != nil
	case ChannelInApp:
		return d.senders.InApp != nil
	}
	return false
}

// Dispatch validates p and delivers it. ErrInvalidPayload and
// ErrUnsupportedChannel mean the send was never attempted.
func (d *Dispatcher) Dispatch(ctx context.Context, recipient string, p Payload) error {
	if p == nil {
		return fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if !d.Supports(p.Channel()) {
		return fmt.Errorf("%w: no sender for %s", ErrUnsupportedChannel, p.Channel())
	}
	switch v := p.(type) {
	case ChatPayload:
		return d.senders.Chat.SendChat(ctx, recipient, v)
	case EmailPayload:
		return d.senders.Email.SendEmail(ctx, recipient, v)
	case SMSPayload:
		return d.senders.SMS.SendSMS(ctx, recipient, v)
	case PushPayload:
		return d.senders.Push.SendPush(ctx, recipient, v)
	case InAppPayload:
		return d.senders.InApp.SendInApp(ctx, recipient, v)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedChannel, p)
	}
}

// BreakerType returns the breaker type guarding ch.
func BreakerType(ch Channel) breaker.Type {
	switch ch {
	case ChannelChat:
		return breaker.TypeChat
	case ChannelEmail:
		return breaker.TypeEmail
	case ChannelSMS:
		return breaker.TypeSMS
	case ChannelPush:
		return breaker.TypePush
	default:
		return breaker.TypeNotification
	}
}

// Guard wraps every configured sender in s with the breaker registered in m
// under (name, BreakerType(channel)).
func Guard(s Senders, m *breaker.Manager, name string) Senders {
	out := Senders{}
	if s.Chat != nil {
		cb := m.GetOrCreate(name, BreakerType(ChannelChat))
		next := s.Chat
		out.Chat = ChatFunc(func(ctx context.Context, r string, p ChatPayload) error {
			return cb.Run(ctx, func(ctx context.Context) error { return next.SendChat(ctx, r, p) })
		})
	}
	if s.Email != nil {
		cb := m.GetOrCreate(name, BreakerType(ChannelEmail))
		next := s.Email
		out.Email = EmailFunc(func(ctx context.Context, r string, p EmailPayload) error {
			return cb.Run(ctx, func(ctx context.Context) error { return next.SendEmail(ctx, r, p) })
		})
	}
	if s.SMS != nil {
		cb := m.GetOrCreate(name, BreakerType(ChannelSMS))
		next := s.SMS
		out.SMS = SMSFunc(func(ctx context.Context, r string, p SMSPayload) error {
			return cb.Run(ctx, func(ctx context.Context) error { return next.SendSMS(ctx, r, p) })
		})
	}
	if s.Push != nil {
		cb := m.GetOrCreate(name, BreakerType(ChannelPush))
		next := s.Push
		out.Push = PushFunc(func(ctx context.Context, r string, p PushPayload) error {
			return cb.Run(ctx, func(ctx context.Context) error { return next.SendPush(ctx, r, p) })
		})
	}
	if s.InApp != nil {
		cb := m.GetOrCreate(name, BreakerType(ChannelInApp))
		next := s.InApp
		out.InApp = InAppFunc(func(ctx context.Context, r string, p InAppPayload) error {
			return cb.Run(ctx, func(ctx context.Context) error { return next.SendInApp(ctx, r, p) })
		})
	}
	return out
}
