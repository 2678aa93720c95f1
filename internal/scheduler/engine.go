package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"bdaybot/internal/civil"
	"bdaybot/internal/storage"
	"bdaybot/internal/zone"
	logx "bdaybot/pkg/logx"
)

type Engine struct {
	cfg   Config
	store storage.Store
	sink  Sink
	clock Clock
	log   logx.Logger

	fireHour, fireMin int

	mu      sync.Mutex
	scopes  map[string]*entry
	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// entry is the in-memory schedule of one armed scope.
type entry struct {
	state    storage.ScopeState
	rule     zone.Rule
	next     time.Time
	lastTick time.Time
	lastErr  string
	firing   bool
}

type Option func(*Engine)

// WithClock replaces the wall clock, for tests.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

func New(cfg Config, store storage.Store, sink Sink, log logx.Logger, opts ...Option) (*Engine, error) {
	if store == nil || sink == nil {
		return nil, errors.New("scheduler: store and sink are required")
	}
	cfg = cfg.withDefaults()
	h, m, err := parseHHMM(cfg.FireAt)
	if err != nil {
		return nil, fmt.Errorf("scheduler.fire_at: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		cfg:      cfg,
		store:    store,
		sink:     sink,
		clock:    systemClock{},
		log:      log,
		fireHour: h,
		fireMin:  m,
		scopes:   map[string]*entry{},
		wake:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Load arms every persisted scope without starting the loop.
func (e *Engine) Load(ctx context.Context) error {
	states, err := e.store.Scopes(ctx)
	if err != nil {
		return fmt.Errorf("load scopes: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range states {
		if err := e.armLocked(st); err != nil {
			e.log.Error("scope not armed", logx.String("scope", st.Scope), logx.Err(err))
		}
	}
	e.log.Info("scopes loaded", logx.Int("persisted", len(states)), logx.Int("armed", len(e.scopes)))
	return nil
}

// Start loads persisted scopes and runs the loop until Stop or ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := e.Load(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	lctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true
	go e.loop(lctx, e.done)
	e.log.Info("scheduler started",
		logx.Int("workers", e.cfg.Workers),
		logx.Int("catch_up_days", e.cfg.CatchUpDays),
		logx.String("fire_at", e.cfg.FireAt),
	)
	return nil
}

// Stop cancels the loop and waits for in-flight ticks or ctx.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	cancel, done := e.cancel, e.done
	e.running = false
	e.cancel = nil
	e.mu.Unlock()

	cancel()
	select {
	case <-done:
		e.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register persists st and (re)arms the scope. A scope without a channel is persisted but not armed.
func (e *Engine) Register(ctx context.Context, st storage.ScopeState) error {
	if _, err := zone.New(st.Zone); err != nil {
		return err
	}
	if err := e.store.PutScope(ctx, st); err != nil {
		return err
	}
	// The store keeps the later LastFired; re-read so arming sees it.
	if cur, ok, err := e.store.Scope(ctx, st.Scope); err == nil && ok {
		st = cur
	}
	e.mu.Lock()
	err := e.armLocked(st)
	e.mu.Unlock()
	e.signal()
	return err
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// armLocked computes the next fire of st. Caller holds e.mu.
func (e *Engine) armLocked(st storage.ScopeState) error {
	if !st.HasChannel() {
		delete(e.scopes, st.Scope)
		return nil
	}
	rule, err := zone.New(st.Zone)
	if err != nil {
		delete(e.scopes, st.Scope)
		return err
	}
	ent := e.scopes[st.Scope]
	if ent == nil {
		ent = &entry{}
		e.scopes[st.Scope] = ent
	}
	ent.state = st
	ent.rule = rule

	now := e.clock.Now()
	day := e.dueDay(rule, now)
	if !st.LastFired.IsZero() && !st.LastFired.Before(day) {
		ent.next = e.fireInstant(rule, st.LastFired.AddDays(1))
	} else {
		ent.next = now
	}
	return nil
}

// dueDay is the latest local day whose fire time has passed at now.
func (e *Engine) dueDay(rule zone.Rule, now time.Time) civil.Date {
	w := rule.ToWallClock(now)
	if w.Hour < e.fireHour || (w.Hour == e.fireHour && w.Minute < e.fireMin) {
		return w.Date.AddDays(-1)
	}
	return w.Date
}

// fireInstant is the absolute instant of day's fire time in rule.
func (e *Engine) fireInstant(rule zone.Rule, day civil.Date) time.Time {
	return rule.ToAbsolute(zone.At(day, e.fireHour, e.fireMin))
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		e.Poll(ctx)

		wait := e.untilNext()
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-e.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// untilNext is the sleep before the earliest next fire, capped by MaxSleep so
// wall clock jumps and suspends are noticed.
func (e *Engine) untilNext() time.Duration {
	now := e.clock.Now()
	wait := e.cfg.MaxSleep
	e.mu.Lock()
	for _, ent := range e.scopes {
		if ent.firing {
			continue
		}
		if d := ent.next.Sub(now); d < wait {
			wait = d
		}
	}
	e.mu.Unlock()
	if wait < 0 {
		wait = 0
	}
	return wait
}

// Poll ticks every due scope and returns how many ran. Ticks are not cancelled by ctx
// so an announcement day is never left half done.
func (e *Engine) Poll(ctx context.Context) int {
	now := e.clock.Now()
	e.mu.Lock()
	var due []string
	for name, ent := range e.scopes {
		if !ent.firing && !ent.next.After(now) {
			ent.firing = true
			due = append(due, name)
		}
	}
	e.mu.Unlock()
	if len(due) == 0 {
		return 0
	}
	sort.Strings(due)

	tctx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for _, name := range due {
		g.Go(func() error {
			e.tick(tctx, name)
			return nil
		})
	}
	_ = g.Wait()
	return len(due)
}

func (e *Engine) tick(ctx context.Context, scope string) {
	log := e.log.With(logx.String("scope", scope), logx.String("tick_id", uuid.NewString()))

	e.mu.Lock()
	ent := e.scopes[scope]
	var (
		rule zone.Rule
		st   storage.ScopeState
	)
	if ent != nil {
		rule, st = ent.rule, ent.state
	}
	e.mu.Unlock()
	if ent == nil {
		return
	}

	fired, err := e.safeFire(ctx, scope, rule, st, log)

	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.scopes[scope]
	if cur == nil {
		return
	}
	cur.firing = false
	cur.lastTick = now
	if err != nil {
		cur.lastErr = err.Error()
		cur.next = now.Add(e.cfg.RetryDelay)
		log.Warn("tick failed, will retry", logx.Err(err), logx.Duration("retry_in", e.cfg.RetryDelay))
		return
	}
	cur.lastErr = ""
	if fired.After(cur.state.LastFired) {
		cur.state.LastFired = fired
	}
	cur.next = e.fireInstant(cur.rule, fired.AddDays(1))
	if !cur.next.After(now) {
		// The zone changed under the tick; go again right away.
		cur.next = now
	}
	log.Debug("scope armed", logx.Stringer("zone", cur.rule), logx.Time("next_fire", cur.next))
}

// safeFire runs fire and turns a panic into a tick error so the scope is
// retried and other scopes keep ticking.
func (e *Engine) safeFire(ctx context.Context, scope string, rule zone.Rule, st storage.ScopeState, log logx.Logger) (fired civil.Date, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in scope tick", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()
	return e.fire(ctx, scope, rule, st, log)
}

// notify delivers one announcement. A panicking sink counts as a failed delivery.
func (e *Engine) notify(ctx context.Context, a Announcement, log logx.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in announcement sink", logx.String("user_id", a.UserID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return e.sink.Notify(ctx, a)
}

// fire announces every day after the stored LastFired up to the due day and
// returns the last day marked fired.
func (e *Engine) fire(ctx context.Context, scope string, rule zone.Rule, st storage.ScopeState, log logx.Logger) (civil.Date, error) {
	last := st.LastFired
	if cur, ok, err := e.store.Scope(ctx, scope); err != nil {
		return civil.Date{}, err
	} else if ok && cur.LastFired.After(last) {
		last = cur.LastFired
	}

	target := e.dueDay(rule, e.clock.Now())
	start := target
	if !last.IsZero() {
		start = last.AddDays(1)
	}
	if start.After(target) {
		return last, nil
	}
	if earliest := target.AddDays(-e.cfg.CatchUpDays); start.Before(earliest) {
		log.Warn("missed days beyond catch-up window are skipped",
			logx.Int("skipped", earliest.Sub(start)),
			logx.String("from", start.Numeric()),
			logx.String("to", earliest.AddDays(-1).Numeric()),
		)
		start = earliest
	}

	records, err := e.store.List(ctx, scope)
	if err != nil {
		return civil.Date{}, err
	}

	for day := start; !day.After(target); day = day.AddDays(1) {
		belated := day.Before(target)
		sent := 0
		for _, r := range records {
			if !r.Birthday.OccursOn(day) {
				continue
			}
			a := Announcement{
				Scope:       scope,
				UserID:      r.UserID,
				DisplayName: r.DisplayName,
				Birthday:    r.Birthday,
				On:          day,
				Belated:     belated,
			}
			if err := e.notify(ctx, a, log); err != nil {
				log.Warn("announcement failed", logx.String("user_id", r.UserID), logx.String("day", day.Numeric()), logx.Err(err))
				continue
			}
			sent++
		}
		if err := e.store.MarkFired(ctx, scope, day); err != nil {
			return last, err
		}
		last = day
		log.Info("day fired", logx.String("day", day.Numeric()), logx.Int("announced", sent), logx.Bool("belated", belated))
	}
	return last, nil
}

// Snapshot returns the armed scopes sorted by name.
func (e *Engine) Snapshot() []ScopeStatus {
	e.mu.Lock()
	out := make([]ScopeStatus, 0, len(e.scopes))
	for name, ent := range e.scopes {
		s := ScopeStatus{
			Scope:     name,
			Zone:      ent.rule.String(),
			NextFire:  ent.next,
			LastFired: ent.state.LastFired,
			LastTick:  ent.lastTick,
			LastErr:   ent.lastErr,
		}
		if !ent.state.LastFired.IsZero() {
			s.LastDay = ent.state.LastFired.Numeric()
		}
		out = append(out, s)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}

// Running reports whether the loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}
