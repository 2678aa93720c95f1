package civil

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Date
	}{
		{"7/4", Date{Month: time.July, Day: 4}},
		{"07/04/1990", Date{Year: 1990, Month: time.July, Day: 4}},
		{" 2 / 29 ", Date{Month: time.February, Day: 29}},
		{"2/29/2024", Date{Year: 2024, Month: time.February, Day: 29}},
		{"12/31", Date{Month: time.December, Day: 31}},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "7", "1/2/3/4", "13/1", "0/5", "1/0", "1/32", "4/31", "2/30", "2/29/2023", "a/b", "1/1/0"} {
		_, err := Parse(in)
		var fe *FormatError
		require.Error(t, err, in)
		assert.True(t, errors.As(err, &fe), in)
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	t.Parallel()
	for m := time.January; m <= time.December; m++ {
		for day := 1; day <= daysIn(m, leapReference); day++ {
			d := MustNew(NoYear, m, day)
			back, err := Parse(d.Numeric())
			require.NoError(t, err)
			assert.Equal(t, d, back)
			assert.Equal(t, NoYear, back.Year)
		}
	}
}

func TestString(t *testing.T) {
	t.Parallel()
	cases := map[Date]string{
		MustNew(NoYear, time.March, 1):  "March 1st",
		MustNew(NoYear, time.March, 2):  "March 2nd",
		MustNew(NoYear, time.March, 3):  "March 3rd",
		MustNew(NoYear, time.March, 4):  "March 4th",
		MustNew(NoYear, time.March, 11): "March 11th",
		MustNew(NoYear, time.March, 12): "March 12th",
		MustNew(NoYear, time.March, 13): "March 13th",
		MustNew(NoYear, time.March, 21): "March 21st",
		MustNew(NoYear, time.March, 22): "March 22nd",
		MustNew(NoYear, time.March, 23): "March 23rd",
		MustNew(1990, time.July, 4):     "July 4th, 1990",
	}
	for d, want := range cases {
		assert.Equal(t, want, d.String())
	}
}

func TestMatchesTodayIgnoresYear(t *testing.T) {
	t.Parallel()
	today := MustNew(2031, time.March, 15)
	for _, y := range []int{1950, 1999, 2024} {
		assert.True(t, MatchesToday(MustNew(y, time.March, 15), today))
		assert.True(t, MatchesToday(MustNew(y, time.March, 15), MustNew(NoYear, time.March, 15)))
	}
	assert.False(t, MatchesToday(MustNew(1990, time.March, 16), today))
}

func TestOccursOnLeapDay(t *testing.T) {
	t.Parallel()
	leapling := MustNew(NoYear, time.February, 29)

	assert.False(t, leapling.OccursOn(MustNew(2025, time.February, 28)))
	assert.True(t, leapling.OccursOn(MustNew(2025, time.March, 1)))
	assert.True(t, leapling.OccursOn(MustNew(2024, time.February, 29)))
	assert.False(t, leapling.OccursOn(MustNew(2024, time.March, 1)))
}

func TestAddDaysAndCompare(t *testing.T) {
	t.Parallel()
	d := MustNew(2024, time.December, 31)
	assert.Equal(t, MustNew(2025, time.January, 1), d.AddDays(1))
	assert.Equal(t, MustNew(2024, time.February, 29), MustNew(2024, time.March, 1).AddDays(-1))
	assert.True(t, d.Before(d.AddDays(1)))
	assert.True(t, d.After(d.AddDays(-1)))
	assert.Zero(t, d.Compare(d))
}

func TestDaysUntil(t *testing.T) {
	t.Parallel()
	from := MustNew(2025, time.June, 15)
	assert.Equal(t, 0, MustNew(1990, time.June, 15).DaysUntil(from))
	assert.Equal(t, 1, MustNew(NoYear, time.June, 16).DaysUntil(from))
	assert.Equal(t, 364, MustNew(NoYear, time.June, 14).DaysUntil(from))
	assert.Equal(t, 1, MustNew(NoYear, time.February, 29).DaysUntil(MustNew(2025, time.February, 28)))
	assert.Equal(t, 0, MustNew(NoYear, time.February, 29).DaysUntil(MustNew(2025, time.March, 1)))
}
