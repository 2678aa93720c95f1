// Package civil provides a time-zone independent Gregorian calendar date
// whose year may be unknown.
package civil

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NoYear marks a date whose year is not on record.
const NoYear = 0

// leapReference is used to validate and project year-less dates so Feb 29 stays valid.
const leapReference = 2000

// Date is an immutable calendar date. Year == NoYear means the year is unknown;
// such a date is never treated as a real day, only as a yearly recurrence.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// FormatError reports malformed date input, typically from a user command.
type FormatError struct {
	Input  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid date %q: %s", e.Input, e.Reason)
}

// New validates and builds a Date.
func New(year int, month time.Month, day int) (Date, error) {
	d := Date{Year: year, Month: month, Day: day}
	if reason := d.invalid(); reason != "" {
		return Date{}, &FormatError{Input: d.numeric(), Reason: reason}
	}
	return d, nil
}

// MustNew is New for constants in tests and tables; it panics on invalid input.
func MustNew(year int, month time.Month, day int) Date {
	d, err := New(year, month, day)
	if err != nil {
		panic(err)
	}
	return d
}

// FromTime returns the calendar date of t in t's own location.
func FromTime(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// Parse accepts "mm/dd" or "mm/dd/yyyy".
func Parse(input string) (Date, error) {
	raw := strings.TrimSpace(input)
	parts := strings.Split(raw, "/")
	if len(parts) < 2 || len(parts) > 3 {
		return Date{}, &FormatError{Input: input, Reason: "expected mm/dd or mm/dd/yyyy"}
	}
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Date{}, &FormatError{Input: input, Reason: fmt.Sprintf("%q is not a number", strings.TrimSpace(p))}
		}
		nums[i] = n
	}
	year := NoYear
	if len(nums) == 3 {
		year = nums[2]
		if year < 1 || year > 9999 {
			return Date{}, &FormatError{Input: input, Reason: "year out of range"}
		}
	}
	d := Date{Year: year, Month: time.Month(nums[0]), Day: nums[1]}
	if reason := d.invalid(); reason != "" {
		return Date{}, &FormatError{Input: input, Reason: reason}
	}
	return d, nil
}

func (d Date) invalid() string {
	if d.Month < time.January || d.Month > time.December {
		return "month must be between 1 and 12"
	}
	if d.Day < 1 || d.Day > 31 {
		return "day must be between 1 and 31"
	}
	if d.Day > daysIn(d.Month, d.refYear()) {
		return fmt.Sprintf("%s has no day %d", d.Month, d.Day)
	}
	return ""
}

// HasYear reports whether the birth year is on record.
func (d Date) HasYear() bool { return d.Year != NoYear }

// IsZero reports whether d is the zero Date (not a valid date).
func (d Date) IsZero() bool { return d == Date{} }

func (d Date) refYear() int {
	if d.Year == NoYear {
		return leapReference
	}
	return d.Year
}

// MatchesToday reports whether candidate recurs on today. The year is always ignored.
func MatchesToday(candidate, today Date) bool {
	return candidate.Month == today.Month && candidate.Day == today.Day
}

// OccursOn is MatchesToday plus the leap-day rule: a Feb 29 birthday is
// celebrated on Mar 1 when today's year has no Feb 29.
func (d Date) OccursOn(today Date) bool {
	if MatchesToday(d, today) {
		return true
	}
	if d.Month == time.February && d.Day == 29 && today.Month == time.March && today.Day == 1 {
		return today.HasYear() && !IsLeap(today.Year)
	}
	return false
}

// In projects the recurrence onto year. Feb 29 lands on Mar 1 in non-leap years.
func (d Date) In(year int) Date {
	t := time.Date(year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
	return FromTime(t)
}

// AddDays shifts a dated value. A year-less date is shifted on the leap reference year.
func (d Date) AddDays(n int) Date {
	t := time.Date(d.refYear(), d.Month, d.Day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
	out := FromTime(t)
	if d.Year == NoYear {
		out.Year = NoYear
	}
	return out
}

// Compare orders by year, month, then day. It returns -1, 0 or +1.
func (d Date) Compare(o Date) int {
	switch {
	case d.Year != o.Year:
		return sign(d.Year - o.Year)
	case d.Month != o.Month:
		return sign(int(d.Month) - int(o.Month))
	default:
		return sign(d.Day - o.Day)
	}
}

func (d Date) Before(o Date) bool { return d.Compare(o) < 0 }
func (d Date) After(o Date) bool  { return d.Compare(o) > 0 }

// DaysUntil returns how many days from "from" until the next occurrence, 0 when today.
func (d Date) DaysUntil(from Date) int {
	start := from.Time(time.UTC)
	next := d.In(from.Year)
	if d.OccursOn(from) {
		return 0
	}
	if next.Before(from) {
		next = d.In(from.Year + 1)
	}
	return int(next.Time(time.UTC).Sub(start).Hours() / 24)
}

// Sub returns the number of days from o to d.
func (d Date) Sub(o Date) int {
	return int(d.Time(time.UTC).Sub(o.Time(time.UTC)).Hours() / 24)
}

// Time returns midnight of d in loc. Year-less dates use the leap reference year.
func (d Date) Time(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(d.refYear(), d.Month, d.Day, 0, 0, 0, 0, loc)
}

// String renders "<Month> <day><suffix>[, <year>]", e.g. "July 4th, 1990" or "March 11th".
func (d Date) String() string {
	if d.Month < time.January || d.Month > time.December {
		return d.numeric()
	}
	s := d.Month.String() + " " + strconv.Itoa(d.Day) + Ordinal(d.Day)
	if d.HasYear() {
		s += ", " + strconv.Itoa(d.Year)
	}
	return s
}

// Numeric renders the date in the same shape Parse accepts.
func (d Date) Numeric() string { return d.numeric() }

func (d Date) numeric() string {
	if d.HasYear() {
		return fmt.Sprintf("%02d/%02d/%04d", int(d.Month), d.Day, d.Year)
	}
	return fmt.Sprintf("%02d/%02d", int(d.Month), d.Day)
}

// Ordinal returns the English suffix for a day of month: 1st, 2nd, 3rd, 11th, 12th, 13th, 21st.
func Ordinal(day int) string {
	if n := day % 100; n >= 11 && n <= 13 {
		return "th"
	}
	switch day % 10 {
	case 1:
		return "st"
	case 2:
		return "nd"
	case 3:
		return "rd"
	default:
		return "th"
	}
}

// IsLeap reports whether year has a Feb 29.
func IsLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
