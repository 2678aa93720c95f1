package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bdaybot/internal/civil"
)

// Config controls the engine.
type Config struct {
	Workers     int           // concurrent scope ticks (default 4)
	CatchUpDays int           // max belated days announced after downtime (default 7)
	RetryDelay  time.Duration // delay before retrying a scope after a storage error (default 1m)
	FireAt      string        // local HH:MM the daily check runs at (default "00:01")
	MaxSleep    time.Duration // upper bound on one loop sleep (default 1m)
}

const (
	defaultWorkers     = 4
	defaultCatchUpDays = 7
	defaultRetryDelay  = time.Minute
	defaultFireAt      = "00:01"
	defaultMaxSleep    = time.Minute
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.CatchUpDays <= 0 {
		c.CatchUpDays = defaultCatchUpDays
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if strings.TrimSpace(c.FireAt) == "" {
		c.FireAt = defaultFireAt
	}
	if c.MaxSleep <= 0 {
		c.MaxSleep = defaultMaxSleep
	}
	return c
}

// Announcement is one birthday due on one local day.
type Announcement struct {
	Scope       string
	UserID      string
	DisplayName string
	Birthday    civil.Date
	On          civil.Date // local day the birthday occurs on
	Belated     bool       // On is before the scope's current local day
}

// Age returns the age reached on a.On, or 0 when the birth year is unknown.
func (a Announcement) Age() int {
	if !a.Birthday.HasYear() || a.On.Year <= a.Birthday.Year {
		return 0
	}
	return a.On.Year - a.Birthday.Year
}

// Sink receives announcements. Errors are logged and never stop the engine.
type Sink interface {
	Notify(ctx context.Context, a Announcement) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, a Announcement) error

func (f SinkFunc) Notify(ctx context.Context, a Announcement) error { return f(ctx, a) }

// Clock is the engine's source of time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// ScopeStatus is a point-in-time view of one tracked scope.
type ScopeStatus struct {
	Scope     string     `json:"scope"`
	Zone      string     `json:"zone"`
	NextFire  time.Time  `json:"next_fire"`
	LastFired civil.Date `json:"-"`
	LastDay   string     `json:"last_fired,omitempty"`
	LastTick  time.Time  `json:"last_tick,omitempty"`
	LastErr   string     `json:"last_err,omitempty"`
}

// parseHHMM parses a local time of day.
func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
