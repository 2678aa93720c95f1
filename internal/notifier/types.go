package notifier

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoChannel is returned when an announcement's scope has no channel configured.
var ErrNoChannel = errors.New("scope has no announcement channel")

// Config controls delivery.
type Config struct {
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	HistorySize     int
}

const (
	defaultRatePerSec      = 3
	defaultRetryBase       = 500 * time.Millisecond
	defaultRetryMaxDelay   = 10 * time.Second
	defaultSendTimeout     = 10 * time.Second
	defaultDedupWindow     = 48 * time.Hour
	defaultDedupMaxEntries = 10000
	defaultHistorySize     = 50
)

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = defaultRatePerSec
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = defaultDedupWindow
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = defaultDedupMaxEntries
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

// DeliveryError reports an announcement that did not reach chat.
type DeliveryError struct {
	Scope  string
	UserID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver announcement (scope %s, user %s): %v", e.Scope, e.UserID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// HistoryItem is one delivered announcement.
type HistoryItem struct {
	At     time.Time `json:"at"`
	Scope  string    `json:"scope"`
	UserID string    `json:"user_id"`
	Day    string    `json:"day"`
	Text   string    `json:"text"`
}
