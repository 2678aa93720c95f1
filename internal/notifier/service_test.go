package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bdaybot/internal/civil"
	"bdaybot/internal/eventbus"
	"bdaybot/internal/scheduler"
	"bdaybot/internal/storage"
	kit "bdaybot/internal/transport"
	logx "bdaybot/pkg/logx"
)

type sent struct {
	to   kit.ChatTarget
	text string
}

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []sent
	calls int
	errs  []error // returned in order, then success
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return kit.MessageRef{}, err
	}
	f.sent = append(f.sent, sent{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(f.sent)}, nil
}

func newTestService(t *testing.T, ad *fakeAdapter, withChannel bool) *Service {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	state := storage.ScopeState{Scope: "42"}
	if withChannel {
		state.Channel = storage.Channel{ChatID: -100, ThreadID: 7}
	}
	require.NoError(t, st.PutScope(context.Background(), state))
	return New(Config{RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, ad, st, logx.Nop())
}

func announcement(user string) scheduler.Announcement {
	return scheduler.Announcement{
		Scope:       "42",
		UserID:      user,
		DisplayName: "Alice",
		Birthday:    civil.MustNew(1990, time.July, 4),
		On:          civil.MustNew(2025, time.July, 4),
	}
}

func TestNotifySendsToScopeChannel(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := newTestService(t, ad, true)

	require.NoError(t, s.Notify(context.Background(), announcement("u1")))

	require.Len(t, ad.sent, 1)
	assert.Equal(t, kit.ChatTarget{ChatID: -100, ThreadID: 7}, ad.sent[0].to)
	assert.Equal(t, "🎉 Happy birthday, Alice! Turning 35 today.", ad.sent[0].text)

	h := s.History()
	require.Len(t, h, 1)
	assert.Equal(t, "07/04/2025", h[0].Day)
}

func TestNotifyWithoutChannel(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := newTestService(t, ad, false)

	err := s.Notify(context.Background(), announcement("u1"))
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "42", de.Scope)
	assert.Equal(t, "u1", de.UserID)
	assert.ErrorIs(t, err, ErrNoChannel)
	assert.Zero(t, ad.calls)

	err = s.Notify(context.Background(), scheduler.Announcement{Scope: "unknown", UserID: "u1"})
	assert.ErrorIs(t, err, ErrNoChannel)
}

func TestNotifyRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{errs: []error{errors.New("timeout"), &kit.SendError{Err: errors.New("502")}}}
	s := newTestService(t, ad, true)

	require.NoError(t, s.Notify(context.Background(), announcement("u1")))
	assert.Equal(t, 3, ad.calls)
	assert.Len(t, ad.sent, 1)
}

func TestNotifyGivesUpAfterRetryMax(t *testing.T) {
	t.Parallel()
	boom := errors.New("timeout")
	ad := &fakeAdapter{errs: []error{boom, boom, boom, boom}}
	s := newTestService(t, ad, true)

	err := s.Notify(context.Background(), announcement("u1"))
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, ad.calls)
}

func TestNotifyPermanentFailureIsNotRetried(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{errs: []error{&kit.SendError{Err: errors.New("chat not found"), Permanent: true}}}
	s := newTestService(t, ad, true)

	require.Error(t, s.Notify(context.Background(), announcement("u1")))
	assert.Equal(t, 1, ad.calls)
}

func TestNotifyDedupsRedeliveredDay(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := newTestService(t, ad, true)
	ctx := context.Background()

	require.NoError(t, s.Notify(ctx, announcement("u1")))
	require.NoError(t, s.Notify(ctx, announcement("u1")))
	assert.Len(t, ad.sent, 1)

	next := announcement("u1")
	next.On = civil.MustNew(2026, time.July, 4)
	require.NoError(t, s.Notify(ctx, next))
	assert.Len(t, ad.sent, 2)
}

func TestNotifyPublishesEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	ad := &fakeAdapter{errs: []error{&kit.SendError{Err: errors.New("blocked"), Permanent: true}}}
	s := newTestService(t, ad, true)
	s.SetPublisher(bus)
	ctx := context.Background()

	require.Error(t, s.Notify(ctx, announcement("u1")))
	require.NoError(t, s.Notify(ctx, announcement("u1")))
	require.NoError(t, s.Notify(ctx, announcement("u1")))

	var types []string
	for range 3 {
		e := <-events
		assert.Equal(t, "42", e.Scope)
		assert.Equal(t, "u1", e.UserID)
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{eventbus.AnnouncementFailed, eventbus.AnnouncementSent, eventbus.AnnouncementDuplicate}, types)
}

func TestDedupExpiresAndIsCapped(t *testing.T) {
	t.Parallel()
	s := New(Config{DedupWindow: time.Hour, DedupMaxEntries: 2}, &fakeAdapter{}, storage.NewMemory(), logx.Nop())
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.remember("a")
	now = now.Add(time.Minute)
	s.remember("b")
	now = now.Add(time.Minute)
	s.remember("c")
	assert.False(t, s.seen("a"), "earliest expiry evicted")
	assert.True(t, s.seen("b"))
	assert.True(t, s.seen("c"))

	now = now.Add(2 * time.Hour)
	assert.False(t, s.seen("c"))
}

func TestRender(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		a    scheduler.Announcement
		want string
	}{
		{
			name: "no year",
			a:    scheduler.Announcement{DisplayName: "Bob", Birthday: civil.MustNew(0, time.March, 11), On: civil.MustNew(2025, time.March, 11)},
			want: "🎉 Happy birthday, Bob!",
		},
		{
			name: "belated no year",
			a:    scheduler.Announcement{DisplayName: "Bob", Birthday: civil.MustNew(0, time.March, 11), On: civil.MustNew(2025, time.March, 11), Belated: true},
			want: "🎉 Happy belated birthday, Bob! (March 11th)",
		},
		{
			name: "belated with age",
			a:    scheduler.Announcement{DisplayName: "Cy", Birthday: civil.MustNew(2000, time.February, 29), On: civil.MustNew(2025, time.March, 1), Belated: true},
			want: "🎉 Happy belated birthday, Cy! Turned 25 on March 1st.",
		},
		{
			name: "empty name",
			a:    scheduler.Announcement{Birthday: civil.MustNew(0, time.May, 2), On: civil.MustNew(2025, time.May, 2)},
			want: "🎉 Happy birthday, someone!",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Render(tc.a))
		})
	}
}

func TestRetryDelayBounded(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}.withDefaults()
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, time.Second)
	}
	assert.GreaterOrEqual(t, retryDelay(cfg, 1), 70*time.Millisecond)
}
