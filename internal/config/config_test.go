package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bdaybot/internal/zone"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestParseJSON(t *testing.T) {
	p := writeFile(t, "config.json", `{
		"telegram": {"token": "abc", "poll_timeout": "20s"},
		"logging": {"level": "debug", "console": true},
		"storage": {"driver": "sqlite", "path": "./bday.db", "compact_schedule": "@daily"},
		"scheduler": {"catch_up_days": 3, "fire_at": "09:00", "default_offset": -5, "default_dst": true},
		"http": {"enabled": true, "addr": ":8080"}
	}`)
	cfg, err := NewConfigManager(p).Parse()
	require.NoError(t, err)
	assert.Equal(t, "abc", cfg.Telegram.Token)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 3, cfg.Scheduler.CatchUpDays)
	assert.Equal(t, zone.Spec{Offset: -5, DST: true}, cfg.DefaultZone())
	assert.True(t, cfg.HTTP.Enabled)
}

func TestParseYAML(t *testing.T) {
	p := writeFile(t, "config.yaml", `
telegram:
  token: abc
  command_prefix: "b!d "
storage:
  driver: file
  path: ./data
scheduler:
  default_offset: 2
`)
	cfg, err := NewConfigManager(p).Parse()
	require.NoError(t, err)
	assert.Equal(t, "b!d ", cfg.Telegram.CommandPrefix)
	assert.Equal(t, "./data", cfg.Storage.Path)
	assert.Equal(t, 2, cfg.Scheduler.DefaultOffset)
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	_, err := NewConfigManager(writeFile(t, "c.json", `{"telegram": {"tokn": "x"}}`)).Parse()
	assert.ErrorContains(t, err, "unknown field")

	_, err = NewConfigManager(writeFile(t, "c.json", `{} {}`)).Parse()
	assert.ErrorContains(t, err, "trailing data")

	_, err = NewConfigManager(writeFile(t, "c.yml", "storage:\n  drvier: file\n")).Parse()
	assert.ErrorContains(t, err, "unknown field")
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Storage:   StorageConfig{Driver: "postgres"},
		Scheduler: SchedulerConfig{FireAt: "25:00", RetryDelay: "soon", DefaultOffset: 15, CatchUpDays: -1},
		Notifier:  NotifierConfig{RetryBase: "-1s"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"storage.dsn is required",
		"scheduler.fire_at",
		"scheduler.retry_delay",
		"scheduler.default_offset",
		"scheduler.catch_up_days: must be >= 0",
		"notifier.retry_base: duration must be >= 0",
	} {
		assert.ErrorContains(t, err, want)
	}

	assert.ErrorContains(t, (&Config{Storage: StorageConfig{Driver: "mongo"}}).Validate(), "unknown storage.driver")
	assert.NoError(t, (&Config{}).Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BDAYBOT_TELEGRAM_TOKEN", "from-env")
	t.Setenv("BDAYBOT_STORAGE_DRIVER", "memory")
	t.Setenv("BDAYBOT_SCHEDULER_CATCH_UP_DAYS", "2")
	t.Setenv("BDAYBOT_SCHEDULER_DEFAULT_DST", "true")
	t.Setenv("BDAYBOT_LOGGING_TELEGRAM_CHAT_ID", "-1001")
	t.Setenv("BDAYBOT_HTTP_PUBLIC_URL", "https://bday.example.org")

	p := writeFile(t, "config.json", `{"telegram": {"token": "file", "poll_timeout": "5s"}, "storage": {"driver": "file"}}`)
	cfg, err := NewConfigManager(p).Parse()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Telegram.Token)
	assert.Equal(t, "5s", cfg.Telegram.PollTimeout, "unset variables keep the file value")
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 2, cfg.Scheduler.CatchUpDays)
	assert.True(t, cfg.Scheduler.DefaultDST)
	assert.EqualValues(t, -1001, cfg.Logging.Telegram.ChatID)
	assert.Equal(t, "https://bday.example.org", cfg.HTTP.PublicURL)

	envOnly, err := NewConfigManager("").Parse()
	require.NoError(t, err)
	assert.Equal(t, "from-env", envOnly.Telegram.Token)
}

func TestLoadDotEnv(t *testing.T) {
	p := writeFile(t, ".env", "BDAYBOT_TEST_DOTENV=loaded\n")
	t.Setenv("BDAYBOT_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("BDAYBOT_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(p, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "loaded", os.Getenv("BDAYBOT_TEST_DOTENV"))
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseDurationOrDefault("x", " 90s ", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDurationOrDefault("x.y", "abc", time.Minute)
	assert.ErrorContains(t, err, `x.y: invalid duration "abc"`)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Telegram: TelegramConfig{Token: "a"}, Logging: LoggingConfig{Level: "info"}}
	b := *a
	b.Telegram.Token = "b"
	b.Logging.Level = "debug"

	changed, attrs := SummarizeConfigChange(a, &b)
	assert.Equal(t, []string{"telegram", "logging"}, changed)
	assert.NotEmpty(t, attrs)

	assert.Equal(t, []string{"telegram"}, RestartRequired(a, &b))

	c := *a
	c.Scheduler.DefaultOffset = 3
	assert.Empty(t, RestartRequired(a, &c), "default zone applies live")
}

func TestWatchPublishesReload(t *testing.T) {
	p := writeFile(t, "config.json", `{"logging": {"level": "info"}}`)
	m := NewConfigManager(p)
	m.debounce = 10 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(p, []byte(`{"logging": {"level": "debug"}}`), 0o600))

	select {
	case cfg := <-ch:
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "debug", m.Get().Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("reload not published")
	}
}

func TestReloadRejectedByValidator(t *testing.T) {
	p := writeFile(t, "config.json", `{"logging": {"level": "info"}}`)
	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return assert.AnError })

	require.NoError(t, os.WriteFile(p, []byte(`{"logging": {"level": "debug"}}`), 0o600))
	assert.False(t, m.reload(context.Background()))
	assert.Equal(t, "info", m.Get().Logging.Level)

	m.SetValidator(nil)
	assert.True(t, m.reload(context.Background()))
	assert.False(t, m.reload(context.Background()), "unchanged content is not republished")
}
