package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bdaybot/internal/config"
	"bdaybot/internal/storage"
	kit "bdaybot/internal/transport"
	logx "bdaybot/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	out   chan<- kit.Update
	texts []string
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Stop(ctx context.Context) error { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) push(text string) {
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	out <- kit.Update{Message: &kit.Message{ChatID: -100, FromID: 7, FromName: "Ada", Text: text, IsGroup: true}}
}

func (f *fakeAdapter) saw(sub string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.texts {
		if strings.Contains(t, sub) {
			return true
		}
	}
	return false
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

const memoryConfig = `
logging:
  level: error
storage:
  driver: memory
scheduler:
  default_offset: 2
http:
  enabled: true
  addr: 127.0.0.1:0
`

func TestAppLifecycle(t *testing.T) {
	ad := &fakeAdapter{}
	a, err := New(Options{ConfigPath: writeConfig(t, memoryConfig), Adapter: ad})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	assert.True(t, a.engine.Running())

	ad.push("/setchannel")
	require.Eventually(t, func() bool {
		return ad.saw("Birthday announcements will be posted here (timezone UTC+02:00)")
	}, 3*time.Second, 20*time.Millisecond)

	ad.push("/set 12/10/1815")
	require.Eventually(t, func() bool {
		return ad.saw("Your birthday has been set to December 10th, 1815.")
	}, 3*time.Second, 20*time.Millisecond)

	require.Len(t, a.engine.Snapshot(), 1)

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	require.NoError(t, a.Stop(sctx, StopAppStop))
	assert.False(t, a.engine.Running())
	select {
	case <-a.Done():
	default:
		t.Fatal("app context not canceled")
	}
	assert.NoError(t, a.Err())
}

func TestApplyHotReloadsCommandPrefix(t *testing.T) {
	ad := &fakeAdapter{}
	a, err := New(Options{ConfigPath: writeConfig(t, memoryConfig), Adapter: ad})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.store.Close() })

	oldCfg := a.cfgm.Get()
	newCfg := *oldCfg
	newCfg.Telegram.CommandPrefix = "!"
	a.apply(oldCfg, &newCfg)

	a.cmdm.Handle(context.Background(), kit.Update{Message: &kit.Message{ChatID: -100, FromID: 7, Text: "!list"}})
	assert.True(t, ad.saw("No birthdays registered yet."))
}

func TestNewRejectsInvalidCompactSchedule(t *testing.T) {
	_, err := New(Options{
		ConfigPath: writeConfig(t, "storage:\n  driver: memory\n  compact_schedule: sometimes\n"),
		Adapter:    &fakeAdapter{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schedule")
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Options{ConfigPath: writeConfig(t, "storage:\n  driver: memory\n")})
	require.Error(t, err)
}

func TestMapping(t *testing.T) {
	cfg := &config.Config{}
	cfg.Telegram.CommandTimeout = "3s"
	cfg.HTTP.PublicURL = "https://bday.example.org"
	cfg.Scheduler.DefaultOffset = -5
	cfg.Scheduler.DefaultDST = true
	cfg.Notifier.RetryBase = "250ms"

	cc, err := mapCommandsConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cc.Timeout)
	assert.Empty(t, cc.CalendarURL, "calendar link needs the http api")
	assert.Equal(t, -5, cc.DefaultZone.Offset)

	cfg.HTTP.Enabled = true
	cc, err = mapCommandsConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "https://bday.example.org", cc.CalendarURL)

	nc, err := mapNotifierConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, nc.RetryBase)

	sched, err := compactSchedule(cfg)
	require.NoError(t, err)
	assert.Equal(t, "@hourly", sched)
	cfg.Storage.CompactSchedule = "off"
	sched, err = compactSchedule(cfg)
	require.NoError(t, err)
	assert.Empty(t, sched)

	cfg.Notifier.SendTimeout = "soon"
	assert.ErrorContains(t, validate(cfg), "notifier.send_timeout")
}

func TestRunImport(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, "logging:\n  level: error\nstorage:\n  driver: file\n  path: "+dir+"\n")
	vcf := "BEGIN:VCARD\r\nVERSION:4.0\r\nUID:u1\r\nFN:Ada Lovelace\r\nBDAY:18151210\r\nEND:VCARD\r\n" +
		"BEGIN:VCARD\r\nVERSION:4.0\r\nFN:No Birthday\r\nEND:VCARD\r\n"

	res, err := RunImport(context.Background(), ImportOptions{ConfigPath: cfgPath, Scope: "-100", File: "-"}, strings.NewReader(vcf))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Cards)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 1, res.Skipped)

	st, err := storage.Open(context.Background(), storage.Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	recs, err := st.List(context.Background(), "-100")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Ada Lovelace", recs[0].DisplayName)

	_, err = RunImport(context.Background(), ImportOptions{ConfigPath: cfgPath, File: "-"}, strings.NewReader(vcf))
	assert.ErrorContains(t, err, "scope is required")
}

func TestStopBudget(t *testing.T) {
	t.Parallel()
	assert.Zero(t, stopBudget(context.Background(), stopReserve), "no deadline means no extra limit")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	got := stopBudget(ctx, stopReserve)
	assert.Greater(t, got, 50*time.Second)
	assert.LessOrEqual(t, got, time.Minute-stopReserve)

	short, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	assert.Equal(t, minStepTime, stopBudget(short, stopReserve))
}
