package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"notifyguard/internal/breaker"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// breakerEnvPrefix maps env prefixes to breaker types. Unprefixed
// CIRCUIT_BREAKER_* settings apply to every type; prefixed ones win.
var breakerEnvPrefix = []struct {
	prefix string
	typ    breaker.Type
}{
	{"CHAT_", breaker.TypeChat},
	{"EMAIL_", breaker.TypeEmail},
	{"STORE_", breaker.TypeStore},
	{"NOTIFICATION_", breaker.TypeNotification},
	{"SMS_", breaker.TypeSMS},
	{"PUSH_", breaker.TypePush},
}

// ApplyEnv overlays environment settings onto cfg. Env wins over the file.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if cfg == nil {
		return nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	l := &envLoader{lookup: lookup}

	if cfg.Breakers == nil {
		cfg.Breakers = map[string]BreakerConfig{}
	}
	for _, t := range breaker.Types() {
		bc := cfg.Breakers[string(t)]
		l.breaker(&bc, "")
		cfg.Breakers[string(t)] = bc
	}
	for _, p := range breakerEnvPrefix {
		bc := cfg.Breakers[string(p.typ)]
		l.breaker(&bc, p.prefix)
		cfg.Breakers[string(p.typ)] = bc
	}
	for k, bc := range cfg.Breakers {
		if bc == (BreakerConfig{}) {
			delete(cfg.Breakers, k)
		}
	}
	if len(cfg.Breakers) == 0 {
		cfg.Breakers = nil
	}

	d := &cfg.DLQ
	l.int("DLQ_MAX_RETRY_ATTEMPTS", &d.MaxRetryAttempts)
	l.millis("DLQ_RETRY_DELAY_MS", &d.RetryDelay)
	l.int("DLQ_CLEANUP_AFTER_DAYS", &d.CleanupAfterDays)
	l.int("DLQ_BATCH_SIZE", &d.BatchSize)
	l.millis("DLQ_PROCESSING_INTERVAL_MS", &d.ProcessingInterval)
	l.int("DLQ_ALERT_THRESHOLD", &d.AlertThreshold)
	l.millis("DLQ_CLAIM_LEASE_MS", &d.ClaimLease)
	l.string("DLQ_CLEANUP_SCHEDULE", &d.CleanupSchedule)

	l.string("STORAGE_DRIVER", &cfg.Storage.Driver)
	l.string("STORAGE_PATH", &cfg.Storage.Path)
	l.string("LOG_LEVEL", &cfg.Logging.Level)
	l.string("ADMIN_TOKEN", &cfg.Admin.Token)

	// Secrets only override sections the file already declares.
	if cfg.Telegram != nil {
		l.string("TELEGRAM_TOKEN", &cfg.Telegram.Token)
	}
	if cfg.SMTP != nil {
		l.string("SMTP_USER", &cfg.SMTP.User)
		l.string("SMTP_PASS", &cfg.SMTP.Pass)
	}
	if cfg.AMQP != nil {
		l.string("AMQP_URL", &cfg.AMQP.URL)
	}
	if cfg.SMS != nil {
		l.string("SMS_API_KEY", &cfg.SMS.APIKey)
	}
	return l.validate()
}

type envLoader struct {
	lookup LookupFunc
	errs   []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("env config invalid: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) get(key string) (string, bool) {
	v, ok := l.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (l *envLoader) string(key string, dst *string) {
	if v, ok := l.get(key); ok {
		*dst = v
	}
}

func (l *envLoader) int(key string, dst *int) {
	v, ok := l.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		l.errs = append(l.errs, fmt.Sprintf("%s must be a non-negative integer", key))
		return
	}
	*dst = n
}

// millis stores an integer millisecond setting as a duration string.
func (l *envLoader) millis(key string, dst *string) {
	v, ok := l.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		l.errs = append(l.errs, fmt.Sprintf("%s must be a non-negative integer (milliseconds)", key))
		return
	}
	*dst = strconv.Itoa(n) + "ms"
}

func (l *envLoader) breaker(bc *BreakerConfig, prefix string) {
	p := prefix + "CIRCUIT_BREAKER_"
	l.int(p+"FAILURE_THRESHOLD", &bc.FailureThreshold)
	l.int(p+"SUCCESS_THRESHOLD", &bc.SuccessThreshold)
	l.millis(p+"TIMEOUT_MS", &bc.Timeout)
	l.millis(p+"RESET_TIMEOUT_MS", &bc.ResetTimeout)
	l.millis(p+"MONITOR_WINDOW_MS", &bc.MonitorWindow)
}
