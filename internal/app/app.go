// Package app wires configuration, storage, the Telegram adapter, the
// announcement scheduler and the command dispatcher into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"bdaybot/internal/commands"
	"bdaybot/internal/config"
	"bdaybot/internal/eventbus"
	"bdaybot/internal/httpapi"
	"bdaybot/internal/maintenance"
	"bdaybot/internal/notifier"
	"bdaybot/internal/runtime/supervisor"
	"bdaybot/internal/scheduler"
	"bdaybot/internal/storage"
	kit "bdaybot/internal/transport"
	telegram "bdaybot/internal/transport/telegram/adapter"
	logx "bdaybot/pkg/logx"
)

const (
	storageOpenTimeout = 15 * time.Second
	compactTimeout     = 2 * time.Minute

	// stopReserve covers the shutdown steps after the scheduler.
	stopReserve = 5 * time.Second
	minStepTime = time.Second
)

type Options struct {
	ConfigPath string
	// Adapter replaces the Telegram adapter built from telegram.token.
	Adapter kit.Adapter
}

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	adapter kit.Adapter
	bus     *eventbus.Bus

	engine *scheduler.Engine
	notif  *notifier.Service
	cmdm   *commands.Manager
	maint  *maintenance.Service
	http   *httpapi.Server

	updates chan kit.Update
}

func New(opts Options) (*App, error) {
	cfgm := config.NewConfigManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	ad := opts.Adapter
	if ad == nil {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
		}, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		ad = tg
	}

	logSvc, log := logx.New(mapLogConfig(cfg), ad)
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	octx, cancel := context.WithTimeout(context.Background(), storageOpenTimeout)
	store, err := storage.Open(octx, sc, log)
	cancel()
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a, err := build(cfg, cfgm, ad, store, logSvc, log)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func build(cfg *config.Config, cfgm *config.ConfigManager, ad kit.Adapter, store storage.Store, logSvc *logx.Service, log logx.Logger) (*App, error) {
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	bus := eventbus.New()
	notif := notifier.New(ncfg, ad, store, log.With(logx.String("comp", "notifier")))
	notif.SetPublisher(bus)

	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	engine, err := scheduler.New(scfg, store, notif, log.With(logx.String("comp", "scheduler")))
	if err != nil {
		return nil, err
	}

	ccfg, err := mapCommandsConfig(cfg)
	if err != nil {
		return nil, err
	}
	cmdm := commands.New(ccfg, store, engine, ad, log.With(logx.String("comp", "commands")))
	cmdm.SetPublisher(bus)

	maint := maintenance.New(log.With(logx.String("comp", "maintenance")))
	schedule, err := compactSchedule(cfg)
	if err != nil {
		return nil, err
	}
	if job := maintenance.CompactStore(store); job != nil && schedule != "" {
		if err := maint.Add("storage.compact", schedule, compactTimeout, job); err != nil {
			return nil, err
		}
	}

	var srv *httpapi.Server
	if cfg.HTTP.Enabled {
		hcfg, err := mapHTTPConfig(cfg)
		if err != nil {
			return nil, err
		}
		srv = httpapi.New(hcfg, httpapi.Deps{
			Store:    store,
			Engine:   engine,
			Notifier: notif,
			Jobs:     maint,
		}, log)
	}

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		adapter: ad,
		bus:     bus,
		engine:  engine,
		notif:   notif,
		cmdm:    cmdm,
		maint:   maint,
		http:    srv,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return fmt.Errorf("start adapter: %w", err)
	}
	if err := a.engine.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := a.maint.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start maintenance: %w", err)
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})
	if a.http != nil {
		a.sup.Go("http.api", a.http.Run)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		a.logEvents(c, events)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", a.watchdog)

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

// logEvents keeps an audit trail of deliveries and registry changes.
func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			fields := []logx.Field{
				logx.String("type", e.Type),
				logx.String("scope", e.Scope),
				logx.String("user_id", e.UserID),
				logx.String("detail", e.Detail),
			}
			if e.Type == eventbus.AnnouncementFailed {
				a.log.Info("event", fields...)
				continue
			}
			a.log.Debug("event", fields...)
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	// Track last applied config to generate a safe diff summary.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			newCfg = latest(sub, newCfg)
			a.apply(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// latest drains sub so a burst of reloads is applied once.
func latest(sub chan *config.Config, cfg *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cfg = newer
			}
		default:
			return cfg
		}
	}
}

// apply pushes the live-reloadable sections to their components.
func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}
	if ccfg, err := mapCommandsConfig(newCfg); err != nil {
		a.log.Warn("invalid command config; keeping previous", logx.Err(err))
	} else {
		a.cmdm.Apply(ccfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	// Cancel the run context first so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs []error
	// step runs one shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithCancel(ctx)
		if limit > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, limit)
		}
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// fn must honor stepCtx; log the leak and move on.
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Stop triggers before their dependencies: scheduler and cron first, the store last.
	// An in-flight tick may be retrying sends, so the scheduler gets whatever the
	// caller's budget leaves after the remaining steps.
	step("scheduler", stopBudget(ctx, stopReserve), a.engine.Stop)
	step("maintenance", 3*time.Second, a.maint.Stop)
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// stopBudget is the time a stop step may use while leaving reserve for the
// steps after it. Zero means no limit beyond ctx.
func stopBudget(ctx context.Context, reserve time.Duration) time.Duration {
	dl, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	return max(time.Until(dl)-reserve, minStepTime)
}
