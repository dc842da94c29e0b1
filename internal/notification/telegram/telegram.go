// Package telegram delivers CHAT notifications and operator text through the
// Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"notifyguard/internal/notification"
	logx "notifyguard/pkg/logx"
)

type Config struct {
	Token string `json:"token"`
	// OpsChatID receives SendText output (log sink, system alerts).
	OpsChatID   int64 `json:"ops_chat_id"`
	OpsThreadID int   `json:"ops_thread_id"`
}

// poster is the subset of *tele.Bot the sender needs.
type poster interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Sender implements notification.ChatSender and logx.TextSink.
type Sender struct {
	cfg Config
	log logx.Logger
	bot poster
}

// New builds an offline bot: no getMe round trip and no polling.
func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: strings.TrimSpace(cfg.Token), Offline: true})
	if err != nil {
		return nil, err
	}
	return newSender(cfg, b, log), nil
}

func newSender(cfg Config, bot poster, log logx.Logger) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{cfg: cfg, log: log, bot: bot}
}

// SendChat posts p. p.ChatID wins over recipient; recipient must otherwise be
// a numeric chat id.
func (s *Sender) SendChat(ctx context.Context, recipient string, p notification.ChatPayload) error {
	chatID := p.ChatID
	if chatID == 0 {
		id, err := strconv.ParseInt(strings.TrimSpace(recipient), 10, 64)
		if err != nil || id == 0 {
			return fmt.Errorf("%w: chat recipient %q is not a chat id", notification.ErrInvalidPayload, recipient)
		}
		chatID = id
	}
	return s.send(ctx, chatID, p.ThreadID, p.Text, p.ParseMode, p.DisablePreview)
}

// SendText posts plain text to the ops chat.
func (s *Sender) SendText(ctx context.Context, text string) error {
	if s.cfg.OpsChatID == 0 {
		return errors.New("telegram ops chat not configured")
	}
	return s.send(ctx, s.cfg.OpsChatID, s.cfg.OpsThreadID, text, "", true)
}

func (s *Sender) send(ctx context.Context, chatID int64, threadID int, text, parseMode string, noPreview bool) error {
	chunks := splitText(text, textLimit, parseMode)
	chat := &tele.Chat{ID: chatID}
	for i, chunk := range chunks {
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		opt := &tele.SendOptions{
			ParseMode:             tele.ParseMode(parseMode),
			DisableWebPagePreview: noPreview,
			ThreadID:              threadID,
		}
		if _, err := s.bot.Send(chat, chunk, opt); err != nil {
			if i > 0 {
				s.log.Warn("telegram message partially sent", logx.Int("chunks_sent", i), logx.Int("chunks", len(chunks)))
			}
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

const textLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries and never cutting inside an HTML tag when parseMode is HTML.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			open, closed := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					open = i
				case '>':
					closed = i
				}
			}
			if open > closed && open > start+1 {
				end = open
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
