package dlq

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds the retry policy. Zero fields take defaults.
type Config struct {
	MaxRetryAttempts   int           `json:"max_retry_attempts"`
	RetryDelay         time.Duration `json:"retry_delay"`
	CleanupAfter       time.Duration `json:"cleanup_after"`
	BatchSize          int           `json:"batch_size"`
	ProcessingInterval time.Duration `json:"processing_interval"`
	AlertThreshold     int           `json:"alert_threshold"`
	// ClaimLease bounds how long a claimed row stays invisible to other instances.
	ClaimLease time.Duration `json:"claim_lease"`
	// CleanupSchedule is a cron spec; empty disables scheduled cleanup.
	CleanupSchedule string `json:"cleanup_schedule"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts:   5,
		RetryDelay:         5 * time.Minute,
		CleanupAfter:       30 * 24 * time.Hour,
		BatchSize:          50,
		ProcessingInterval: time.Minute,
		AlertThreshold:     100,
		ClaimLease:         2 * time.Minute,
		CleanupSchedule:    "@every 6h",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = d.MaxRetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.CleanupAfter <= 0 {
		c.CleanupAfter = d.CleanupAfter
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.ProcessingInterval <= 0 {
		c.ProcessingInterval = d.ProcessingInterval
	}
	if c.AlertThreshold <= 0 {
		c.AlertThreshold = d.AlertThreshold
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = d.ClaimLease
	}
	c.CleanupSchedule = strings.TrimSpace(c.CleanupSchedule)
	return c
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks c after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.CleanupSchedule != "" {
		if _, err := cronParser.Parse(c.CleanupSchedule); err != nil {
			return fmt.Errorf("dlq.cleanup_schedule %q: %w", c.CleanupSchedule, err)
		}
	}
	if c.BatchSize > 10000 {
		return fmt.Errorf("dlq.batch_size must be <= 10000 (got %d)", c.BatchSize)
	}
	return nil
}
