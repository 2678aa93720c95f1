package config

import (
	"strings"

	logx "bdaybot/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe fields for
// logging. Secrets (token, dsn) are reported as set/unset only.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.String("telegram.command_prefix", newCfg.Telegram.CommandPrefix),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
			logx.String("storage.compact_schedule", newCfg.Storage.CompactSchedule),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.Int("scheduler.catch_up_days", newCfg.Scheduler.CatchUpDays),
			logx.String("scheduler.fire_at", newCfg.Scheduler.FireAt),
			logx.Int("scheduler.default_offset", newCfg.Scheduler.DefaultOffset),
			logx.Bool("scheduler.default_dst", newCfg.Scheduler.DefaultDST),
		)
	}
	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
			logx.Int("notifier.retry_max", newCfg.Notifier.RetryMax),
		)
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.pprof_enabled", newCfg.HTTP.Pprof.Enabled),
			logx.Bool("http.pprof_token_changed", oldCfg.HTTP.Pprof.Token != newCfg.HTTP.Pprof.Token),
		)
	}
	return changed, attrs
}

// RestartRequired reports sections whose changes only apply after a restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
		out = append(out, "telegram")
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	s1, s2 := oldCfg.Scheduler, newCfg.Scheduler
	s1.DefaultOffset, s1.DefaultDST = s2.DefaultOffset, s2.DefaultDST
	if s1 != s2 {
		out = append(out, "scheduler")
	}
	if oldCfg.HTTP != newCfg.HTTP {
		out = append(out, "http")
	}
	return out
}
