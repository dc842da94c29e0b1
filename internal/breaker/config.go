package breaker

import (
	"fmt"
	"time"
)

// Type groups breakers that protect the same kind of dependency.
// Each type carries its own default Config.
type Type string

const (
	TypeChat         Type = "chat-notifications"
	TypeEmail        Type = "email"
	TypeStore        Type = "persistent-store"
	TypeNotification Type = "generic-notification"
	TypeSMS          Type = "sms"
	TypePush         Type = "push"
)

// Types lists every known breaker type in a stable order.
func Types() []Type {
	return []Type{TypeChat, TypeEmail, TypeStore, TypeNotification, TypeSMS, TypePush}
}

// Config is immutable once a breaker is constructed.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	Timeout          time.Duration `json:"timeout"`
	ResetTimeout     time.Duration `json:"reset_timeout"`
	MonitorWindow    time.Duration `json:"monitor_window"`
}

// DefaultConfig returns the built-in defaults for typ. Unknown types get the
// generic-notification defaults.
func DefaultConfig(typ Type) Config {
	switch typ {
	case TypeChat:
		return Config{FailureThreshold: 5, SuccessThreshold: 3, Timeout: 10 * time.Second, ResetTimeout: time.Minute, MonitorWindow: 5 * time.Minute}
	case TypeEmail:
		return Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: 30 * time.Second, ResetTimeout: 5 * time.Minute, MonitorWindow: 10 * time.Minute}
	case TypeStore:
		return Config{FailureThreshold: 5, SuccessThreshold: 3, Timeout: 5 * time.Second, ResetTimeout: 30 * time.Second, MonitorWindow: 2 * time.Minute}
	case TypeSMS:
		return Config{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 15 * time.Second, ResetTimeout: 2 * time.Minute, MonitorWindow: 5 * time.Minute}
	case TypePush:
		return Config{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 10 * time.Second, ResetTimeout: time.Minute, MonitorWindow: 5 * time.Minute}
	default:
		return Config{FailureThreshold: 5, SuccessThreshold: 3, Timeout: 15 * time.Second, ResetTimeout: 2 * time.Minute, MonitorWindow: 5 * time.Minute}
	}
}

// Merge returns c with every zero field of override left as-is and every
// non-zero field replaced.
func (c Config) Merge(override Config) Config {
	if override.FailureThreshold > 0 {
		c.FailureThreshold = override.FailureThreshold
	}
	if override.SuccessThreshold > 0 {
		c.SuccessThreshold = override.SuccessThreshold
	}
	if override.Timeout > 0 {
		c.Timeout = override.Timeout
	}
	if override.ResetTimeout > 0 {
		c.ResetTimeout = override.ResetTimeout
	}
	if override.MonitorWindow > 0 {
		c.MonitorWindow = override.MonitorWindow
	}
	return c
}

// Validate reports the first field outside its allowed range.
func (c Config) Validate() error {
	switch {
	case c.FailureThreshold < 1:
		return fmt.Errorf("failure_threshold must be >= 1 (got %d)", c.FailureThreshold)
	case c.SuccessThreshold < 1:
		return fmt.Errorf("success_threshold must be >= 1 (got %d)", c.SuccessThreshold)
	case c.Timeout <= 0:
		return fmt.Errorf("timeout must be > 0")
	case c.ResetTimeout <= 0:
		return fmt.Errorf("reset_timeout must be > 0")
	case c.MonitorWindow <= 0:
		return fmt.Errorf("monitor_window must be > 0")
	}
	return nil
}
