package config

import (
	"reflect"
	"sort"
	"strings"

	logx "notifyguard/pkg/logx"
)

// SummarizeConfigChange lists the changed top-level sections and returns
// log-safe attrs for them. Secrets are reported only as "<name>_set".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Breakers, newCfg.Breakers) {
		changed = append(changed, "breakers")
		types := make([]string, 0, len(newCfg.Breakers))
		for t := range newCfg.Breakers {
			types = append(types, t)
		}
		sort.Strings(types)
		attrs = append(attrs, logx.String("breakers.overridden", strings.Join(types, ",")))
	}
	if oldCfg.DLQ != newCfg.DLQ {
		changed = append(changed, "dlq")
		attrs = append(attrs,
			logx.Int("dlq.max_retry_attempts", newCfg.DLQ.MaxRetryAttempts),
			logx.String("dlq.retry_delay", newCfg.DLQ.RetryDelay),
			logx.Int("dlq.batch_size", newCfg.DLQ.BatchSize),
			logx.String("dlq.processing_interval", newCfg.DLQ.ProcessingInterval),
			logx.String("dlq.cleanup_schedule", newCfg.DLQ.CleanupSchedule),
		)
	}
	if oldCfg.Alert != newCfg.Alert {
		changed = append(changed, "alert")
	}
	if oldCfg.Admin.Enabled != newCfg.Admin.Enabled || oldCfg.Admin.Addr != newCfg.Admin.Addr ||
		oldCfg.Admin.ReadTimeout != newCfg.Admin.ReadTimeout || oldCfg.Admin.WriteTimeout != newCfg.Admin.WriteTimeout || oldCfg.Admin.Pprof != newCfg.Admin.Pprof ||
		(oldCfg.Admin.Token != "") != (newCfg.Admin.Token != "") {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", newCfg.Admin.Addr),
			logx.Bool("admin.token_set", newCfg.Admin.Token != ""),
		)
	}

	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"telegram", oldCfg.Telegram, newCfg.Telegram},
		{"smtp", oldCfg.SMTP, newCfg.SMTP},
		{"amqp", oldCfg.AMQP, newCfg.AMQP},
		{"sms", oldCfg.SMS, newCfg.SMS},
	} {
		if !reflect.DeepEqual(s.old, s.new) {
			changed = append(changed, s.name)
			attrs = append(attrs, logx.Bool(s.name+".configured", !reflect.ValueOf(s.new).IsNil()))
		}
	}
	return changed, attrs
}

// RestartRequired reports sections that only take effect on restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "admin", "telegram", "smtp", "amqp", "sms":
			out = append(out, s)
		}
	}
	return out
}
