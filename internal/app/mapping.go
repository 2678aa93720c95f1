package app

import (
	"errors"
	"strings"
	"time"

	"bdaybot/internal/commands"
	"bdaybot/internal/config"
	"bdaybot/internal/httpapi"
	"bdaybot/internal/maintenance"
	"bdaybot/internal/notifier"
	"bdaybot/internal/observability/pprof"
	"bdaybot/internal/scheduler"
	"bdaybot/internal/storage"
	logx "bdaybot/pkg/logx"
)

const defaultCompactSchedule = "@hourly"

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    lc.Telegram.Enabled,
			ChatID:     lc.Telegram.ChatID,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		KeyPrefix:   strings.TrimSpace(sc.KeyPrefix),
	}, nil
}

// compactSchedule returns the compaction schedule, or "" when disabled.
func compactSchedule(cfg *config.Config) (string, error) {
	raw := strings.TrimSpace(cfg.Storage.CompactSchedule)
	if raw == "" {
		raw = defaultCompactSchedule
	}
	if _, err := maintenance.ParseSchedule(raw); err != nil {
		if errors.Is(err, maintenance.ErrDisabled) {
			return "", nil
		}
		return "", err
	}
	return raw, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	retry, err := config.ParseDurationOrDefault("scheduler.retry_delay", sc.RetryDelay, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	maxSleep, err := config.ParseDurationOrDefault("scheduler.max_sleep", sc.MaxSleep, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Workers:     sc.Workers,
		CatchUpDays: sc.CatchUpDays,
		RetryDelay:  retry,
		FireAt:      strings.TrimSpace(sc.FireAt),
		MaxSleep:    maxSleep,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	var errs []error
	dur := func(path, raw string) time.Duration {
		d, err := config.ParseDurationOrDefault(path, raw, 0)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	out := notifier.Config{
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       dur("notifier.retry_base", nc.RetryBase),
		RetryMaxDelay:   dur("notifier.retry_max_delay", nc.RetryMaxDelay),
		SendTimeout:     dur("notifier.send_timeout", nc.SendTimeout),
		DedupWindow:     dur("notifier.dedup_window", nc.DedupWindow),
		DedupMaxEntries: nc.DedupMaxEntries,
	}
	return out, errors.Join(errs...)
}

func mapCommandsConfig(cfg *config.Config) (commands.Config, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.command_timeout", cfg.Telegram.CommandTimeout, 0)
	if err != nil {
		return commands.Config{}, err
	}
	cc := commands.Config{
		Prefix:      cfg.Telegram.CommandPrefix,
		Workers:     cfg.Telegram.Workers,
		Timeout:     timeout,
		DefaultZone: cfg.DefaultZone(),
	}
	if cfg.HTTP.Enabled {
		cc.CalendarURL = cfg.HTTP.PublicURL
	}
	return cc, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	var errs []error
	dur := func(path, raw string) time.Duration {
		d, err := config.ParseDurationOrDefault(path, raw, 0)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	out := httpapi.Config{
		Addr:            strings.TrimSpace(hc.Addr),
		ReadTimeout:     dur("http.read_timeout", hc.ReadTimeout),
		WriteTimeout:    dur("http.write_timeout", hc.WriteTimeout),
		ShutdownTimeout: dur("http.shutdown_timeout", hc.ShutdownTimeout),
		RequestLog:      strings.EqualFold(strings.TrimSpace(cfg.Logging.Level), "debug"),
		Pprof: pprof.Config{
			Enabled:              hc.Pprof.Enabled,
			Token:                strings.TrimSpace(hc.Pprof.Token),
			AllowInsecure:        hc.Pprof.AllowInsecure,
			MutexProfileFraction: hc.Pprof.MutexProfileFraction,
			BlockProfileRate:     hc.Pprof.BlockProfileRate,
		},
	}
	addr := out.Addr
	if addr == "" {
		addr = httpapi.DefaultAddr
	}
	if err := out.Pprof.Check(addr); err != nil {
		errs = append(errs, err)
	}
	return out, errors.Join(errs...)
}

// validate runs the component mappings so a hot reload cannot commit a config
// that would fail at the next restart.
func validate(cfg *config.Config) error {
	var errs []error
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := compactSchedule(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapCommandsConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
