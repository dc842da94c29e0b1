package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Chat    ChatConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultLogFile = "./notifyd.log"

// Service owns the live zerolog root. Apply rebuilds the writers and swaps
// the root; every Logger handed out by the Service sees the swap.
type Service struct {
	mu   sync.Mutex
	file *os.File
	chat *chatSink // nil without a TextSink

	root atomic.Pointer[zerolog.Logger]
}

// New creates the logging service and applies cfg. sink may be nil, in which
// case Chat settings are ignored.
func New(cfg Config, sink TextSink) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{}
	if sink != nil {
		s.chat = newChatSink(sink)
	}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return nopLogger
}

// Apply reopens the log file and swaps outputs and levels. A file that cannot
// be opened is reported on stderr and skipped.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var out []io.Writer
	if cfg.Console {
		out = append(out, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			out = append(out, zerolog.SyncWriter(f))
		}
	}
	if s.chat != nil {
		s.chat.configure(cfg.Chat)
		if cfg.Chat.Enabled {
			out = append(out, s.chat)
		}
	}
	if len(out) == 0 {
		out = []io.Writer{consoleWriter(os.Stdout)}
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(out...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

// Close stops chat forwarding and closes the log file. Later log lines still
// reach the console writer if one is installed.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()

	if s.chat != nil {
		s.chat.stop()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   consoleTimeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}
