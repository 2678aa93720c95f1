package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bdaybot/internal/civil"
	"bdaybot/internal/eventbus"
	"bdaybot/internal/scheduler"
	"bdaybot/internal/storage"
	kit "bdaybot/internal/transport"
	logx "bdaybot/pkg/logx"
)

type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	adapter kit.Adapter
	store   storage.Store
	log     logx.Logger
	bus     eventbus.Publisher

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	now func() time.Time
}

var _ scheduler.Sink = (*Service)(nil)

func New(cfg Config, adapter kit.Adapter, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		adapter: adapter,
		store:   store,
		log:     log,
		bus:     eventbus.Nop{},
		dedup:   map[string]time.Time{},
		now:     time.Now,
	}
}

// Apply swaps the delivery config; in-flight sends keep the old one.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.RatePerSec != s.cfg.RatePerSec {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	s.cfg = cfg
}

func (s *Service) SetAdapter(a kit.Adapter) {
	s.mu.Lock()
	s.adapter = a
	s.mu.Unlock()
}

// SetPublisher routes delivery events to p.
func (s *Service) SetPublisher(p eventbus.Publisher) {
	if p == nil {
		p = eventbus.Nop{}
	}
	s.mu.Lock()
	s.bus = p
	s.mu.Unlock()
}

func (s *Service) publish(typ string, a scheduler.Announcement, detail string) {
	s.mu.Lock()
	bus := s.bus
	s.mu.Unlock()
	bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Scope: a.Scope, UserID: a.UserID, Detail: detail})
}

// Notify delivers one announcement to its scope's channel.
func (s *Service) Notify(ctx context.Context, a scheduler.Announcement) error {
	fail := func(err error) error {
		s.publish(eventbus.AnnouncementFailed, a, err.Error())
		return &DeliveryError{Scope: a.Scope, UserID: a.UserID, Err: err}
	}

	st, ok, err := s.store.Scope(ctx, a.Scope)
	if err != nil {
		return fail(err)
	}
	if !ok || !st.HasChannel() {
		return fail(ErrNoChannel)
	}

	key := dedupKey(a)
	if s.seen(key) {
		s.log.Debug("announcement already delivered", logx.String("scope", a.Scope), logx.String("user_id", a.UserID), logx.String("day", a.On.Numeric()))
		s.publish(eventbus.AnnouncementDuplicate, a, a.On.Numeric())
		return nil
	}

	text := Render(a)
	to := kit.ChatTarget{ChatID: st.Channel.ChatID, ThreadID: st.Channel.ThreadID}
	if err := s.sendWithRetry(ctx, to, text); err != nil {
		return fail(err)
	}

	s.remember(key)
	s.appendHistory(HistoryItem{At: s.now(), Scope: a.Scope, UserID: a.UserID, Day: a.On.Numeric(), Text: text})
	s.publish(eventbus.AnnouncementSent, a, a.On.Numeric())
	return nil
}

func (s *Service) sendWithRetry(ctx context.Context, to kit.ChatTarget, text string) error {
	// config snapshot for this send
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ad := s.adapter
	s.mu.Unlock()

	if ad == nil {
		return errors.New("no transport adapter")
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := ad.SendText(callCtx, to, text, &kit.SendOptions{DisablePreview: true})
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Debug("announcement send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		var se *kit.SendError
		if errors.As(err, &se) && se.Permanent {
			return err
		}
		if attempt >= maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}

// Render formats the greeting for a.
func Render(a scheduler.Announcement) string {
	name := a.DisplayName
	if name == "" {
		name = "someone"
	}
	age := a.Age()
	if !a.Belated {
		if age > 0 {
			return fmt.Sprintf("🎉 Happy birthday, %s! Turning %d today.", name, age)
		}
		return fmt.Sprintf("🎉 Happy birthday, %s!", name)
	}
	on := civil.Date{Month: a.On.Month, Day: a.On.Day}.String()
	if age > 0 {
		return fmt.Sprintf("🎉 Happy belated birthday, %s! Turned %d on %s.", name, age, on)
	}
	return fmt.Sprintf("🎉 Happy belated birthday, %s! (%s)", name, on)
}

func dedupKey(a scheduler.Announcement) string {
	return a.Scope + "|" + a.UserID + "|" + a.On.Numeric()
}

func (s *Service) seen(key string) bool {
	now := s.now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	until, ok := s.dedup[key]
	return ok && now.Before(until)
}

func (s *Service) remember(key string) {
	s.mu.Lock()
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.mu.Unlock()

	now := s.now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	// Remove entries with earliest expiry until within cap.
	for len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
}

func (s *Service) appendHistory(it HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, it)
	if over := len(s.history) - size; over > 0 {
		s.history = append([]HistoryItem(nil), s.history[over:]...)
	}
}

// History returns recent deliveries, newest last.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
