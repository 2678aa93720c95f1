package zone

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bdaybot/internal/civil"
)

func mustUS(t *testing.T, std int) Rule {
	t.Helper()
	r, err := USDaylight(std)
	require.NoError(t, err)
	return r
}

func TestConstructorsRejectOutOfRange(t *testing.T) {
	t.Parallel()
	for _, h := range []int{-13, 15, 99} {
		_, err := Fixed(h)
		var ce *ConfigError
		require.True(t, errors.As(err, &ce), "fixed %d", h)
		_, err = USDaylight(h)
		require.True(t, errors.As(err, &ce), "us %d", h)
	}
	_, err := Fixed(-12)
	assert.NoError(t, err)
	_, err = Fixed(14)
	assert.NoError(t, err)
}

func TestParseSpec(t *testing.T) {
	t.Parallel()
	s, err := ParseSpec("-5", "dst")
	require.NoError(t, err)
	assert.Equal(t, Spec{Offset: -5, DST: true}, s)

	s, err = ParseSpec("UTC+2", "")
	require.NoError(t, err)
	assert.Equal(t, Spec{Offset: 2}, s)

	for _, bad := range []string{"", "abc", "-5.5", "+20"} {
		_, err := ParseSpec(bad, "")
		var ce *ConfigError
		assert.True(t, errors.As(err, &ce), bad)
	}
	_, err = ParseSpec("1", "sometimes")
	assert.Error(t, err)
}

func TestUSTransitionInstants(t *testing.T) {
	t.Parallel()
	r := mustUS(t, -5)
	start, end, ok := r.Transitions(2025)
	require.True(t, ok)
	// 2025-03-09 02:00 EST and 2025-11-02 02:00 EDT.
	assert.Equal(t, time.Date(2025, 3, 9, 7, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2025, 11, 2, 6, 0, 0, 0, time.UTC), end)

	start, end, _ = r.Transitions(2026)
	assert.Equal(t, time.Date(2026, 3, 8, 7, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 11, 1, 6, 0, 0, 0, time.UTC), end)

	_, _, ok = UTC.Transitions(2025)
	assert.False(t, ok)
}

func TestOffsetAcrossYear(t *testing.T) {
	t.Parallel()
	r := mustUS(t, -5)
	assert.Equal(t, -5*time.Hour, r.Offset(time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, -4*time.Hour, r.Offset(time.Date(2025, 7, 15, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, -4*time.Hour, r.Offset(time.Date(2025, 3, 9, 7, 0, 0, 0, time.UTC)))
	assert.Equal(t, -5*time.Hour, r.Offset(time.Date(2025, 3, 9, 6, 59, 59, 0, time.UTC)))
	assert.Equal(t, -5*time.Hour, r.Offset(time.Date(2025, 11, 2, 6, 0, 0, 0, time.UTC)))
}

func TestRoundTripOutsideTransitions(t *testing.T) {
	t.Parallel()
	rules := []Rule{UTC, mustUS(t, -5), mustUS(t, -8), mustUS(t, 3)}
	fixed, err := Fixed(9)
	require.NoError(t, err)
	rules = append(rules, fixed)

	for _, r := range rules {
		start, end, hasDST := r.Transitions(2025)
		for ts := time.Date(2025, 1, 1, 0, 30, 0, 0, time.UTC); ts.Year() == 2025; ts = ts.Add(7 * time.Hour) {
			if hasDST && (inWindow(ts, start) || inWindow(ts, end)) {
				continue
			}
			w := r.ToWallClock(ts)
			assert.True(t, r.ToAbsolute(w).Equal(ts), "%s at %s", r, ts)
		}
	}
}

// inWindow reports whether the wall-clock hour of ts may fall in a transition hour.
func inWindow(ts, transition time.Time) bool {
	d := ts.Sub(transition)
	return d > -2*time.Hour && d < 2*time.Hour
}

func TestSpringForwardGap(t *testing.T) {
	t.Parallel()
	r := mustUS(t, -5)
	gap := At(civil.MustNew(2025, time.March, 9), 2, 30)
	got := r.ToAbsolute(gap)
	assert.Equal(t, time.Date(2025, 3, 9, 7, 30, 0, 0, time.UTC), got)
	assert.True(t, r.IsDST(got))
	assert.Equal(t, At(civil.MustNew(2025, time.March, 9), 3, 30), r.ToWallClock(got))
}

func TestFallBackAmbiguousHour(t *testing.T) {
	t.Parallel()
	r := mustUS(t, -5)
	amb := At(civil.MustNew(2025, time.November, 2), 1, 30)

	std := r.ToAbsolute(amb)
	assert.Equal(t, time.Date(2025, 11, 2, 6, 30, 0, 0, time.UTC), std)
	assert.False(t, r.IsDST(std))

	dst := r.ToAbsoluteFold(amb, PreferDaylight)
	assert.Equal(t, time.Date(2025, 11, 2, 5, 30, 0, 0, time.UTC), dst)
	assert.True(t, r.IsDST(dst))

	assert.Equal(t, amb, r.ToWallClock(std))
	assert.Equal(t, amb, r.ToWallClock(dst))
}

func TestFixedOffsetLocalDate(t *testing.T) {
	t.Parallel()
	r, err := Fixed(-5)
	require.NoError(t, err)
	now := time.Date(2025, 7, 5, 4, 30, 0, 0, time.UTC)
	w := r.ToWallClock(now)
	assert.Equal(t, civil.MustNew(2025, time.July, 4), w.Date)
	assert.Equal(t, 23, w.Hour)
	assert.Equal(t, 30, w.Minute)
}

func TestStringAndLocation(t *testing.T) {
	t.Parallel()
	r := mustUS(t, -5)
	assert.Equal(t, "UTC-05:00 (US DST)", r.String())
	assert.Equal(t, "UTC+00:00", UTC.String())
	summer := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	_, off := summer.In(r.Location(summer)).Zone()
	assert.Equal(t, -4*3600, off)
	assert.Equal(t, Spec{Offset: -5, DST: true}, r.Spec())
}
