// Package zone converts between UTC instants and wall-clock readings for the
// two zone kinds a scope can be configured with: a fixed UTC offset, or a
// standard offset that follows the post-2006 US daylight saving rules.
package zone

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"bdaybot/internal/civil"
)

const (
	MinOffset = -12
	MaxOffset = 14
)

// Kind is the closed set of zone variants.
type Kind uint8

const (
	KindFixed Kind = iota + 1
	KindUSDaylight
)

func (k Kind) String() string {
	switch k {
	case KindFixed:
		return "fixed"
	case KindUSDaylight:
		return "us-dst"
	default:
		return "unknown"
	}
}

// Disambiguation picks an offset for a wall-clock reading that occurs twice.
type Disambiguation uint8

const (
	PreferStandard Disambiguation = iota
	PreferDaylight
)

// ConfigError reports an invalid zone configuration.
type ConfigError struct {
	Input  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid timezone %q: %s", e.Input, e.Reason)
}

// Spec is the persisted form of a Rule.
type Spec struct {
	Offset int  `json:"offset"`
	DST    bool `json:"dst"`
}

// Rule is a zone value. The zero Rule is UTC.
type Rule struct {
	kind Kind
	std  int // hours east of UTC, standard time
}

// UTC is the fixed zero-offset rule.
var UTC = Rule{kind: KindFixed}

// Fixed returns a rule with a constant offset in hours.
func Fixed(hours int) (Rule, error) {
	if err := checkOffset(hours); err != nil {
		return Rule{}, err
	}
	return Rule{kind: KindFixed, std: hours}, nil
}

// USDaylight returns a rule with standard offset stdHours that observes US DST.
func USDaylight(stdHours int) (Rule, error) {
	if err := checkOffset(stdHours); err != nil {
		return Rule{}, err
	}
	return Rule{kind: KindUSDaylight, std: stdHours}, nil
}

// New builds the rule described by s.
func New(s Spec) (Rule, error) {
	if s.DST {
		return USDaylight(s.Offset)
	}
	return Fixed(s.Offset)
}

// ParseSpec parses user input such as ("-5", "dst") or ("UTC+2", "").
// The flag accepts dst/us/true/yes/on to enable daylight saving.
func ParseSpec(offset, flag string) (Spec, error) {
	raw := strings.TrimSpace(offset)
	s := strings.TrimPrefix(strings.ToUpper(raw), "UTC")
	s = strings.TrimPrefix(s, "+")
	if s == "" {
		return Spec{}, &ConfigError{Input: offset, Reason: "offset is required"}
	}
	h, err := strconv.Atoi(s)
	if err != nil {
		return Spec{}, &ConfigError{Input: offset, Reason: "offset must be a whole number of hours"}
	}
	if err := checkOffset(h); err != nil {
		return Spec{}, err
	}
	spec := Spec{Offset: h}
	switch strings.ToLower(strings.TrimSpace(flag)) {
	case "":
	case "dst", "us", "true", "yes", "on":
		spec.DST = true
	case "fixed", "false", "no", "off":
	default:
		return Spec{}, &ConfigError{Input: flag, Reason: "expected dst or fixed"}
	}
	return spec, nil
}

func checkOffset(h int) error {
	if h < MinOffset || h > MaxOffset {
		return &ConfigError{Input: strconv.Itoa(h), Reason: fmt.Sprintf("offset must be between %d and %+d", MinOffset, MaxOffset)}
	}
	return nil
}

func (r Rule) Kind() Kind {
	if r.kind == 0 {
		return KindFixed
	}
	return r.kind
}

func (r Rule) Spec() Spec { return Spec{Offset: r.std, DST: r.Kind() == KindUSDaylight} }

func (r Rule) String() string {
	s := fmt.Sprintf("UTC%+03d:00", r.std)
	if r.Kind() == KindUSDaylight {
		s += " (US DST)"
	}
	return s
}

// IsDST reports whether daylight time is in force at t.
func (r Rule) IsDST(t time.Time) bool {
	if r.Kind() != KindUSDaylight {
		return false
	}
	year := t.UTC().Add(r.standard()).Year()
	start, end := r.window(year)
	return !t.Before(start) && t.Before(end)
}

// Offset returns the UTC offset in force at t.
func (r Rule) Offset(t time.Time) time.Duration {
	switch r.Kind() {
	case KindUSDaylight:
		if r.IsDST(t) {
			return r.standard() + time.Hour
		}
		return r.standard()
	default:
		return r.standard()
	}
}

// Location returns a fixed location carrying the offset in force at t, for formatting.
func (r Rule) Location(t time.Time) *time.Location {
	off := r.Offset(t)
	h := int(off / time.Hour)
	return time.FixedZone(fmt.Sprintf("UTC%+03d:00", h), int(off/time.Second))
}

func (r Rule) standard() time.Duration { return time.Duration(r.std) * time.Hour }

// window returns the UTC instants DST starts and ends in year.
// Start is the second Sunday of March at 02:00 standard time; end is the first
// Sunday of November at 02:00 daylight time.
func (r Rule) window(year int) (time.Time, time.Time) {
	std := r.standard()
	startDay := firstSundayOnOrAfter(year, time.March, 8)
	endDay := firstSundayOnOrAfter(year, time.November, 1)
	start := time.Date(year, time.March, startDay, 2, 0, 0, 0, time.UTC).Add(-std)
	end := time.Date(year, time.November, endDay, 2, 0, 0, 0, time.UTC).Add(-(std + time.Hour))
	return start, end
}

// Transitions returns the DST start and end instants for year. ok is false for fixed rules.
func (r Rule) Transitions(year int) (start, end time.Time, ok bool) {
	if r.Kind() != KindUSDaylight {
		return time.Time{}, time.Time{}, false
	}
	start, end = r.window(year)
	return start, end, true
}

func firstSundayOnOrAfter(year int, m time.Month, day int) int {
	t := time.Date(year, m, day, 0, 0, 0, 0, time.UTC)
	return day + (7-int(t.Weekday()))%7
}

// WallClock is a reading of a wall clock in some zone.
type WallClock struct {
	Date       civil.Date
	Hour       int
	Minute     int
	Second     int
	Nanosecond int
}

// At builds a wall-clock reading at h:m on d.
func At(d civil.Date, h, m int) WallClock {
	return WallClock{Date: d, Hour: h, Minute: m}
}

func (w WallClock) String() string {
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d", w.Date.Year, int(w.Date.Month), w.Date.Day, w.Hour, w.Minute, w.Second)
}

func (w WallClock) naive() time.Time {
	return time.Date(w.Date.Year, w.Date.Month, w.Date.Day, w.Hour, w.Minute, w.Second, w.Nanosecond, time.UTC)
}

// ToWallClock reads the wall clock at instant t.
func (r Rule) ToWallClock(t time.Time) WallClock {
	local := t.UTC().Add(r.Offset(t))
	y, m, d := local.Date()
	return WallClock{
		Date:       civil.Date{Year: y, Month: m, Day: d},
		Hour:       local.Hour(),
		Minute:     local.Minute(),
		Second:     local.Second(),
		Nanosecond: local.Nanosecond(),
	}
}

// Today returns the wall-clock date at instant t.
func (r Rule) Today(t time.Time) civil.Date { return r.ToWallClock(t).Date }

// ToAbsolute converts a wall-clock reading to an instant, preferring standard
// time for the repeated hour.
func (r Rule) ToAbsolute(w WallClock) time.Time {
	return r.ToAbsoluteFold(w, PreferStandard)
}

// ToAbsoluteFold converts a wall-clock reading to an instant.
//
// A reading inside the spring-forward gap does not exist; it resolves to the
// instant reached with the standard offset, which is already daylight time
// (02:30 becomes 03:30 daylight). A reading inside the fall-back hour exists
// twice; dis selects which one.
func (r Rule) ToAbsoluteFold(w WallClock, dis Disambiguation) time.Time {
	naive := w.naive()
	std := r.standard()
	if r.Kind() != KindUSDaylight {
		return naive.Add(-std)
	}

	asStd := naive.Add(-std)
	asDST := naive.Add(-(std + time.Hour))
	stdOK := !r.IsDST(asStd)
	dstOK := r.IsDST(asDST)

	switch {
	case stdOK && dstOK:
		if dis == PreferDaylight {
			return asDST
		}
		return asStd
	case stdOK:
		return asStd
	case dstOK:
		return asDST
	default:
		return asStd
	}
}
