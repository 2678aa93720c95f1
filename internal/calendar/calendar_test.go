package calendar

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bdaybot/internal/civil"
	"bdaybot/internal/storage"
)

var now = time.Date(2025, time.March, 10, 8, 30, 0, 0, time.UTC)

func TestRenderEvents(t *testing.T) {
	t.Parallel()
	recs := []storage.Record{
		{UserID: "1", DisplayName: "Alice", Birthday: civil.MustNew(1990, time.July, 4)},
		{UserID: "2", DisplayName: "Leap", Birthday: civil.MustNew(0, time.February, 29)},
	}
	out, err := Render("-100", recs, now)
	require.NoError(t, err)

	cal, err := ical.NewDecoder(bytes.NewReader(out)).Decode()
	require.NoError(t, err)

	var events []*ical.Component
	for _, c := range cal.Children {
		if c.Name == "VEVENT" {
			events = append(events, c)
		}
	}
	require.Len(t, events, 2)

	alice := events[0]
	assert.Equal(t, UID("-100", "1"), alice.Props.Get("UID").Value)
	assert.Equal(t, "🎂 Alice's birthday (born 1990)", alice.Props.Get("SUMMARY").Value)
	assert.Equal(t, "19900704", alice.Props.Get("DTSTART").Value)
	assert.Equal(t, "FREQ=YEARLY", alice.Props.Get("RRULE").Value)

	leap := events[1]
	assert.Equal(t, "🎂 Leap's birthday", leap.Props.Get("SUMMARY").Value)
	assert.Equal(t, "20000229", leap.Props.Get("DTSTART").Value)
	assert.Equal(t, "FREQ=YEARLY;BYYEARDAY=60", leap.Props.Get("RRULE").Value)
}

func TestRenderEmpty(t *testing.T) {
	t.Parallel()
	out, err := Render("5", nil, now)
	require.NoError(t, err)
	s := string(out)
	assert.True(t, strings.HasPrefix(s, "BEGIN:VCALENDAR\r\n"))
	assert.Contains(t, s, "X-WR-CALNAME:Birthdays 5")
	assert.NotContains(t, s, "VEVENT")
}

func TestUIDStable(t *testing.T) {
	t.Parallel()
	assert.Equal(t, UID("a", "b"), UID("a", "b"))
	assert.NotEqual(t, UID("a", "b"), UID("ab", ""))
	assert.True(t, strings.HasSuffix(UID("a", "b"), "@bdaybot"))
}
