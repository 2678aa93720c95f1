package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"bdaybot/internal/civil"
)

// SortRecords returns the records ordered by (month, day), ties broken by Seq then user ID.
func SortRecords(m map[string]Record) []Record {
	out := make([]Record, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Birthday.Month != b.Birthday.Month {
			return a.Birthday.Month < b.Birthday.Month
		}
		if a.Birthday.Day != b.Birthday.Day {
			return a.Birthday.Day < b.Birthday.Day
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.UserID < b.UserID
	})
	return out
}

// decodeBirthday validates persisted columns.
func decodeBirthday(year, month, day int) (civil.Date, error) {
	d, err := civil.New(year, time.Month(month), day)
	if err != nil {
		return civil.Date{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return d, nil
}

// formatDay encodes a dated value as YYYY-MM-DD; the zero Date encodes as "".
// The encoding sorts lexicographically in date order.
func formatDay(d civil.Date) string {
	if d.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func parseDay(s string) (civil.Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return civil.Date{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return civil.Date{}, fmt.Errorf("%w: last fired %q", ErrCorrupt, s)
	}
	return civil.FromTime(t), nil
}

// scopeLocks hands out one mutex per scope.
type scopeLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *scopeLocks) lock(scope string) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = map[string]*sync.Mutex{}
	}
	mu := l.m[scope]
	if mu == nil {
		mu = &sync.Mutex{}
		l.m[scope] = mu
	}
	l.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// scopeData is the in-memory view of one scope, shared by the memory and file drivers.
type scopeData struct {
	state    ScopeState
	hasState bool
	records  map[string]Record
	nextSeq  int64
}

func newScopeData(scope string) *scopeData {
	return &scopeData{state: ScopeState{Scope: scope}, records: map[string]Record{}, nextSeq: 1}
}

func (d *scopeData) set(userID string, rec Record) Record {
	rec.UserID = userID
	if prev, ok := d.records[userID]; ok {
		rec.Seq = prev.Seq
	} else if rec.Seq <= 0 {
		rec.Seq = d.nextSeq
	}
	if rec.Seq >= d.nextSeq {
		d.nextSeq = rec.Seq + 1
	}
	d.records[userID] = rec
	return rec
}

func (d *scopeData) putState(st ScopeState) {
	// LastFired only moves forward, even through PutScope.
	if d.hasState && d.state.LastFired.After(st.LastFired) {
		st.LastFired = d.state.LastFired
	}
	d.state = st
	d.hasState = true
}

// markFired reports whether the state changed.
func (d *scopeData) markFired(day civil.Date) bool {
	if d.hasState && !day.After(d.state.LastFired) {
		return false
	}
	d.state.LastFired = day
	d.hasState = true
	return true
}

func (d *scopeData) copyRecords() map[string]Record {
	out := make(map[string]Record, len(d.records))
	for k, v := range d.records {
		out[k] = v
	}
	return out
}
