package commands

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bdaybot/internal/civil"
	"bdaybot/internal/eventbus"
	"bdaybot/internal/storage"
	kit "bdaybot/internal/transport"
	"bdaybot/internal/zone"
	logx "bdaybot/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	texts []string
	opts  []*kit.SendOptions
	menu  []kit.BotCommand
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	f.opts = append(f.opts, opt)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	f.menu = cmds
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

func (f *fakeAdapter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

type fakeRegistrar struct {
	store storage.Store
	got   []storage.ScopeState
}

func (r *fakeRegistrar) Register(ctx context.Context, st storage.ScopeState) error {
	if _, err := zone.New(st.Zone); err != nil {
		return err
	}
	r.got = append(r.got, st)
	return r.store.PutScope(ctx, st)
}

type fixture struct {
	m     *Manager
	ad    *fakeAdapter
	reg   *fakeRegistrar
	store storage.Store
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	ad := &fakeAdapter{}
	reg := &fakeRegistrar{store: st}
	m := New(cfg, st, reg, ad, logx.Nop())
	m.now = func() time.Time { return time.Date(2025, time.July, 1, 12, 0, 0, 0, time.UTC) }
	return &fixture{m: m, ad: ad, reg: reg, store: st}
}

func (f *fixture) say(text string) string {
	return f.sayAs(7, "Alice Smith", text)
}

func (f *fixture) sayAs(from int64, name, text string) string {
	f.m.Handle(context.Background(), kit.Update{Message: &kit.Message{
		ChatID:   -100,
		ThreadID: 3,
		FromID:   from,
		FromName: name,
		Text:     text,
		IsGroup:  true,
	}})
	return f.ad.last()
}

func TestSet(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	assert.Equal(t, "Your birthday has been set to July 4th, 1990.", f.say("/set 07/04/1990"))

	recs, err := f.store.List(context.Background(), "-100")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "7", recs[0].UserID)
	assert.Equal(t, "Alice Smith", recs[0].DisplayName)
	assert.Equal(t, civil.MustNew(1990, time.July, 4), recs[0].Birthday)

	assert.Equal(t, "Your birthday has been set to March 11th.", f.say("/set 3/11"))
}

func TestSetRejectsBadInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	assert.True(t, strings.HasPrefix(f.say("/set 13/01"), "Invalid birthday format."))
	assert.True(t, strings.HasPrefix(f.say("/set 02/30/2001"), "Invalid birthday format."))
	assert.True(t, strings.HasPrefix(f.say("/set"), "Usage: /set mm/dd[/yyyy]"))

	recs, err := f.store.List(context.Background(), "-100")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestList(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	assert.Equal(t, "No birthdays registered yet.", f.say("/list"))

	f.sayAs(1, "Zed", "/set 12/25")
	f.sayAs(2, "Amy", "/set 01/15/2001")
	f.sayAs(3, "Bea", "/set 12/25/1999")
	assert.Equal(t, "Amy: January 15th, 2001\nZed: December 25th\nBea: December 25th, 1999", f.say("/list"))
}

func TestUntil(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	assert.Contains(t, f.say("/until"), "You have not set your birthday yet")

	f.say("/set 07/04")
	assert.Equal(t, "3 days until your birthday (July 4th).", f.say("/until"))

	f.say("/set 07/01/2000")
	assert.Equal(t, "Your birthday is today! 🎉", f.say("/until"))

	f.say("/set 07/02")
	assert.Equal(t, "Your birthday is tomorrow!", f.say("/until"))

	f.say("/set 06/30")
	assert.Equal(t, "364 days until your birthday (June 30th).", f.say("/until"))
}

func TestUntilUsesScopeZone(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	// 2025-07-01 12:00 UTC is already July 2nd at UTC+14.
	f.say("/timezone +14")
	f.say("/set 07/02")
	assert.Equal(t, "Your birthday is today! 🎉", f.say("/until"))
}

func TestForget(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.say("/set 07/04")
	assert.Equal(t, "Your birthday has been removed.", f.say("/forget"))
	assert.Equal(t, "No birthdays registered yet.", f.say("/list"))
}

func TestSetChannelRegistersScope(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{DefaultZone: zone.Spec{Offset: -5, DST: true}})

	assert.Equal(t, "Birthday announcements will be posted here (timezone UTC-05:00 (US DST)).", f.say("/setchannel"))
	require.Len(t, f.reg.got, 1)
	got := f.reg.got[0]
	assert.Equal(t, "-100", got.Scope)
	assert.Equal(t, storage.Channel{ChatID: -100, ThreadID: 3}, got.Channel)
	assert.Equal(t, zone.Spec{Offset: -5, DST: true}, got.Zone)
}

func TestTimezone(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	assert.Contains(t, f.say("/timezone"), "This chat uses UTC+00:00.")
	assert.Equal(t, "Timezone set to UTC-05:00 (US DST).", f.say("/timezone -5 dst"))
	assert.Equal(t, "Invalid timezone: offset must be between -12 and +14.", f.say("/timezone +40"))
	assert.Equal(t, "Invalid timezone: offset must be a whole number of hours.", f.say("/tz abc"))

	st, ok, err := f.store.Scope(context.Background(), "-100")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, zone.Spec{Offset: -5, DST: true}, st.Zone)

	// Setting the channel afterwards keeps the zone.
	f.say("/setchannel")
	assert.Equal(t, zone.Spec{Offset: -5, DST: true}, f.reg.got[len(f.reg.got)-1].Zone)
}

func TestCalendar(t *testing.T) {
	t.Parallel()
	off := newFixture(t, Config{})
	assert.Equal(t, "The calendar feed is not enabled on this bot.", off.say("/calendar"))

	on := newFixture(t, Config{CalendarURL: "https://bday.example.org/"})
	assert.Equal(t, "Subscribe to this chat's birthdays: https://bday.example.org/scopes/-100/birthdays.ics", on.say("/calendar"))
}

func TestRouting(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	f.say("hello there")
	assert.Zero(t, f.ad.count(), "plain text is ignored")

	assert.Equal(t, "So silly. Do /help for help.", f.say("/"))
	assert.Equal(t, "Unknown command. Try /help.", f.say("/nope"))
	assert.Equal(t, "Your birthday has been set to July 4th.", f.say("/set@bday_bot 07/04"))

	help := f.say("/help")
	assert.Contains(t, help, "<code>/set mm/dd[/yyyy]</code>")
	assert.Equal(t, "HTML", f.ad.opts[len(f.ad.opts)-1].ParseMode)
}

func TestCustomPrefix(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Prefix: "b!d "})
	assert.Equal(t, "Your birthday has been set to July 4th.", f.say("b!d set 07/04"))
	assert.Equal(t, "So silly. Do b!d help for help.", f.say("b!d"))
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.m.setRegistry(append(f.m.builtin(), Command{
		Name: "boom",
		Handle: func(ctx context.Context, req *Request) error {
			panic("kaboom")
		},
	}))

	assert.Equal(t, "Something went wrong, please try again later.", f.say("/boom"))
	assert.Equal(t, "No birthdays registered yet.", f.say("/list"))
}

func TestDispatchLoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Workers: 2})
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 4)
	done := make(chan error, 1)
	go func() { done <- f.m.DispatchLoop(ctx, updates) }()

	updates <- kit.Update{Message: &kit.Message{ChatID: 5, FromID: 9, FromName: "Dee", Text: "/set 02/29"}}
	require.Eventually(t, func() bool {
		return f.ad.last() == "Your birthday has been set to February 29th."
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		f.ad.mu.Lock()
		defer f.ad.mu.Unlock()
		return len(f.ad.menu) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch loop did not stop")
	}
}

func TestRegistryChangesArePublished(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	f.m.SetPublisher(bus)

	f.say("/set 07/04/1990")
	f.say("/setchannel")
	f.say("/forget")
	f.say("/list")

	want := []struct{ typ, detail string }{
		{eventbus.BirthdaySet, "07/04/1990"},
		{eventbus.ScopeRegistered, "UTC+00:00"},
		{eventbus.BirthdayRemoved, ""},
	}
	for _, w := range want {
		e := <-events
		assert.Equal(t, w.typ, e.Type)
		assert.Equal(t, w.detail, e.Detail)
		assert.Equal(t, "-100", e.Scope)
		assert.Equal(t, "7", e.UserID)
	}
	assert.Empty(t, events, "read-only commands publish nothing")
}

func TestBuildMenu(t *testing.T) {
	t.Parallel()
	menu := buildMenu([]Command{
		{Name: "set", Description: "Set your birthday"},
		{Name: "Set-Channel", Description: ""},
		{Name: "set"},
		{Name: "!!!"},
	})
	require.Len(t, menu, 2)
	assert.Equal(t, kit.BotCommand{Command: "set", Description: "Set your birthday"}, menu[0])
	assert.Equal(t, kit.BotCommand{Command: "set_channel", Description: "set_channel"}, menu[1])
}
