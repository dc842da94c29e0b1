package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	"notifyguard/internal/notification"
	logx "notifyguard/pkg/logx"
)

type sent struct {
	chat     int64
	text     string
	threadID int
	mode     tele.ParseMode
}

type fakeBot struct {
	calls  []sent
	failAt int
	err    error
}

func (f *fakeBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	if f.err != nil && len(f.calls) == f.failAt {
		return nil, f.err
	}
	s := sent{text: what.(string)}
	if c, ok := to.(*tele.Chat); ok {
		s.chat = c.ID
	}
	for _, o := range opts {
		if so, ok := o.(*tele.SendOptions); ok {
			s.threadID = so.ThreadID
			s.mode = so.ParseMode
		}
	}
	f.calls = append(f.calls, s)
	return &tele.Message{ID: len(f.calls)}, nil
}

func TestSendChatTargets(t *testing.T) {
	bot := &fakeBot{}
	s := newSender(Config{}, bot, logx.Nop())

	if err := s.SendChat(context.Background(), "-100555", notification.ChatPayload{Text: "hi", ThreadID: 7, ParseMode: "HTML"}); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	if err := s.SendChat(context.Background(), "ignored", notification.ChatPayload{ChatID: 42, Text: "yo"}); err != nil {
		t.Fatalf("SendChat with payload chat id: %v", err)
	}
	if len(bot.calls) != 2 {
		t.Fatalf("calls=%d", len(bot.calls))
	}
	if c := bot.calls[0]; c.chat != -100555 || c.threadID != 7 || c.mode != "HTML" {
		t.Fatalf("first call %+v", c)
	}
	if bot.calls[1].chat != 42 {
		t.Fatalf("payload chat id should win, got %d", bot.calls[1].chat)
	}
}

func TestSendChatRejectsBadRecipient(t *testing.T) {
	s := newSender(Config{}, &fakeBot{}, logx.Nop())
	err := s.SendChat(context.Background(), "alice", notification.ChatPayload{Text: "x"})
	if !errors.Is(err, notification.ErrInvalidPayload) {
		t.Fatalf("want ErrInvalidPayload, got %v", err)
	}
}

func TestSendTextUsesOpsChat(t *testing.T) {
	bot := &fakeBot{}
	s := newSender(Config{OpsChatID: -1, OpsThreadID: 3}, bot, logx.Nop())
	if err := s.SendText(context.Background(), "WARN something"); err != nil {
		t.Fatal(err)
	}
	if bot.calls[0].chat != -1 || bot.calls[0].threadID != 3 {
		t.Fatalf("got %+v", bot.calls[0])
	}

	if err := newSender(Config{}, bot, logx.Nop()).SendText(context.Background(), "x"); err == nil {
		t.Fatal("expected error without ops chat")
	}
}

func TestSendWrapsAPIError(t *testing.T) {
	bot := &fakeBot{err: errors.New("Forbidden: bot was blocked by the user")}
	s := newSender(Config{}, bot, logx.Nop())
	err := s.SendChat(context.Background(), "1", notification.ChatPayload{Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "bot was blocked") {
		t.Fatalf("got %v", err)
	}
}

func TestSendLongTextInChunks(t *testing.T) {
	bot := &fakeBot{}
	s := newSender(Config{}, bot, logx.Nop())
	long := strings.Repeat("line of text\n", 700)
	if err := s.SendChat(context.Background(), "1", notification.ChatPayload{Text: long}); err != nil {
		t.Fatal(err)
	}
	if len(bot.calls) < 2 {
		t.Fatalf("want multiple chunks, got %d", len(bot.calls))
	}
	for _, c := range bot.calls {
		if n := len([]rune(c.text)); n > textLimit {
			t.Fatalf("chunk of %d runes exceeds limit", n)
		}
	}
}

func TestSplitText(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		mode  string
		want  []string
	}{
		{name: "short", in: "hello", limit: 10, want: []string{"hello"}},
		{name: "hard cut", in: "abcdefghij", limit: 4, want: []string{"abcd", "efgh", "ij"}},
		{name: "newline boundary", in: "aaaa\nbbbb\ncc", limit: 7, want: []string{"aaaa", "bbbb\ncc"}},
		{name: "html tag kept whole", in: "abc<b>de</b>", limit: 5, mode: "HTML", want: []string{"abc", "<b>de", "</b>"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitText(tt.in, tt.limit, tt.mode)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Fatalf("splitText(%q)=%q want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}
