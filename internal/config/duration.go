package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
)

// ParseDurationOrDefault parses a Go duration string; empty or zero yields def.
// path names the field in errors, e.g. "scheduler.retry_delay".
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
