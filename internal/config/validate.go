package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"bdaybot/internal/zone"
)

// Validate checks what can be checked without opening anything. It reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationOrDefault(path, raw, 0); err != nil {
			errs = append(errs, err)
		}
	}

	dur("telegram.poll_timeout", c.Telegram.PollTimeout)
	dur("telegram.command_timeout", c.Telegram.CommandTimeout)

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required when storage.driver=sqlite"))
		}
	case "postgres", "postgresql", "pg", "redis":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required when storage.driver=%s", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver: %s", c.Storage.Driver))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	if c.Scheduler.CatchUpDays < 0 {
		errs = append(errs, fmt.Errorf("scheduler.catch_up_days: must be >= 0 (0 means the default), got %d", c.Scheduler.CatchUpDays))
	}
	dur("scheduler.retry_delay", c.Scheduler.RetryDelay)
	dur("scheduler.max_sleep", c.Scheduler.MaxSleep)
	if s := strings.TrimSpace(c.Scheduler.FireAt); s != "" {
		if _, err := time.Parse("15:04", s); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.fire_at: invalid time %q, expected HH:MM", s))
		}
	}
	if _, err := zone.New(c.DefaultZone()); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.default_offset: %w", err))
	}

	dur("notifier.retry_base", c.Notifier.RetryBase)
	dur("notifier.retry_max_delay", c.Notifier.RetryMaxDelay)
	dur("notifier.send_timeout", c.Notifier.SendTimeout)
	dur("notifier.dedup_window", c.Notifier.DedupWindow)

	dur("http.read_timeout", c.HTTP.ReadTimeout)
	dur("http.write_timeout", c.HTTP.WriteTimeout)
	dur("http.shutdown_timeout", c.HTTP.ShutdownTimeout)

	return errors.Join(errs...)
}

// DefaultZone is the zone of chats that never set one.
func (c *Config) DefaultZone() zone.Spec {
	return zone.Spec{Offset: c.Scheduler.DefaultOffset, DST: c.Scheduler.DefaultDST}
}
