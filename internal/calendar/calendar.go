// Package calendar renders a scope's birthdays as an iCalendar feed.
//
// Every record becomes one all-day VEVENT recurring yearly from the birthday
// (or from the same day in 2000 when the year is unknown). Feb 29 birthdays
// recur on the 60th day of the year, which is Feb 29 in leap years and Mar 1
// otherwise, matching the announcement rule.
package calendar

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/emersion/go-ical"

	"bdaybot/internal/storage"
)

const (
	prodID      = "-//bdaybot//Birthdays//EN"
	uidDomain   = "bdaybot"
	refresh     = 12 * time.Hour
	ruleYearly  = "FREQ=YEARLY"
	ruleLeapDay = "FREQ=YEARLY;BYYEARDAY=60"
)

// Render builds the VCALENDAR of scope. now stamps the events.
func Render(scope string, records []storage.Record, now time.Time) ([]byte, error) {
	name := "Birthdays " + scope

	if len(records) == 0 {
		// An empty VCALENDAR so clients do not flag the feed as broken.
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:%s\r\nX-WR-CALNAME:%s\r\nEND:VCALENDAR\r\n", prodID, name)
		return buf.Bytes(), nil
	}

	cal := ical.NewCalendar()
	cal.Props.SetText("VERSION", "2.0")
	cal.Props.SetText("PRODID", prodID)
	cal.Props.SetText("X-WR-CALNAME", name)
	cal.Props.SetText("CALSCALE", "GREGORIAN")
	cal.Props.SetText("METHOD", "PUBLISH")

	refreshProp := ical.NewProp("REFRESH-INTERVAL")
	refreshProp.SetDuration(refresh)
	cal.Props.Set(refreshProp)

	stamp := ical.NewProp("DTSTAMP")
	stamp.SetDateTime(now.UTC())

	for _, r := range records {
		ev := ical.NewEvent()
		ev.Props.SetText("UID", UID(scope, r.UserID))
		ev.Props.SetText("SUMMARY", summary(r))
		ev.Props.Set(stamp)

		start := ical.NewProp("DTSTART")
		start.SetDate(r.Birthday.Time(time.UTC))
		ev.Props.Set(start)

		// Set manually to avoid a VALUE=TEXT param.
		rule := ical.NewProp("RRULE")
		rule.Value = ruleYearly
		if r.Birthday.Month == time.February && r.Birthday.Day == 29 {
			rule.Value = ruleLeapDay
		}
		ev.Props.Set(rule)

		ev.Props.SetText("TRANSP", "TRANSPARENT")
		cal.Children = append(cal.Children, ev.Component)
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("encode calendar: %w", err)
	}
	return buf.Bytes(), nil
}

// UID is the stable event identifier of a user's birthday in scope.
func UID(scope, userID string) string {
	sum := sha256.Sum256([]byte(scope + "\x00" + userID))
	return hex.EncodeToString(sum[:12]) + "@" + uidDomain
}

func summary(r storage.Record) string {
	name := r.DisplayName
	if name == "" {
		name = r.UserID
	}
	if r.Birthday.HasYear() {
		return fmt.Sprintf("🎂 %s's birthday (born %d)", name, r.Birthday.Year)
	}
	return fmt.Sprintf("🎂 %s's birthday", name)
}
