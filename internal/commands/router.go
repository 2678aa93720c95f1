package commands

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bdaybot/internal/eventbus"
	"bdaybot/internal/runtime/supervisor"
	"bdaybot/internal/storage"
	kit "bdaybot/internal/transport"
	"bdaybot/internal/zone"
	logx "bdaybot/pkg/logx"
)

// Registrar persists and arms a scope's schedule. *scheduler.Engine implements it.
type Registrar interface {
	Register(ctx context.Context, st storage.ScopeState) error
}

type Config struct {
	Prefix      string        // command prefix, default "/"
	Workers     int           // concurrent handlers, default 4
	Timeout     time.Duration // per-command timeout, default 10s
	CalendarURL string        // public base URL of the HTTP API; empty disables /calendar
	DefaultZone zone.Spec     // zone of scopes that never ran /timezone
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = "/"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	c.CalendarURL = strings.TrimRight(strings.TrimSpace(c.CalendarURL), "/")
	return c
}

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Msg     *kit.Message
	Chat    kit.ChatTarget
	Scope   string // chat ID; birthdays and schedules are kept per chat
	UserID  string
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger
}

type Manager struct {
	mu    sync.RWMutex
	cfg   Config
	cmds  []Command
	index map[string]int // name or alias -> cmds index

	store   storage.Store
	engine  Registrar
	adapter kit.Adapter
	log     logx.Logger
	bus     eventbus.Publisher
	now     func() time.Time

	jobs chan func()
}

func New(cfg Config, store storage.Store, engine Registrar, adapter kit.Adapter, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		cfg:     cfg.withDefaults(),
		store:   store,
		engine:  engine,
		adapter: adapter,
		log:     log,
		bus:     eventbus.Nop{},
		now:     time.Now,
		jobs:    make(chan func(), 256),
	}
	m.setRegistry(m.builtin())
	return m
}

// Apply swaps the config; the registry is unchanged.
func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

func (m *Manager) config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) setRegistry(cmds []Command) {
	index := map[string]int{}
	for i, c := range cmds {
		index[c.Name] = i
		for _, a := range c.Aliases {
			a = strings.TrimSpace(a)
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			if _, exists := index[a]; !exists {
				index[a] = i
			}
		}
	}
	m.mu.Lock()
	m.cmds = cmds
	m.index = index
	m.mu.Unlock()
}

// SetPublisher routes registry change events to p.
func (m *Manager) SetPublisher(p eventbus.Publisher) {
	if p == nil {
		p = eventbus.Nop{}
	}
	m.mu.Lock()
	m.bus = p
	m.mu.Unlock()
}

func (m *Manager) publish(typ string, req *Request, detail string) {
	m.mu.RLock()
	bus := m.bus
	m.mu.RUnlock()
	bus.Publish(eventbus.Event{Type: typ, Time: m.now(), Scope: req.Scope, UserID: req.UserID, Detail: detail})
}

// Commands returns the registered commands in help order.
func (m *Manager) Commands() []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Command(nil), m.cmds...)
}

// DispatchLoop routes updates to a bounded, supervised worker pool until ctx
// is done or updates is closed.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	cfg := m.config()
	sup := supervisor.New(ctx,
		supervisor.WithLogger(m.log.With(logx.String("comp", "commands"))),
		supervisor.WithCancelOnError(false),
	)

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					// Middleware already recovers; keep the worker alive regardless.
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		menu := buildMenu(m.Commands())
		sup.Go("commands.menu", func(c context.Context) error {
			cctx, cancel := context.WithTimeout(c, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(cctx, menu); err != nil {
				m.log.Warn("command menu update failed", logx.Err(err))
			}
			return nil
		})
	}

	m.log.Info("command dispatcher started", logx.Int("workers", cfg.Workers), logx.Int("job_queue_cap", cap(m.jobs)))
	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			job := m.prepare(ctx, up)
			if job == nil {
				continue
			}
			select {
			case m.jobs <- func() { job(ctx) }:
			default:
				if up.Message != nil {
					m.send(ctx, chatOf(up.Message), "Busy, try again in a moment.")
				}
			}
		}
	}
}

// Handle routes one update and runs its handler synchronously.
func (m *Manager) Handle(ctx context.Context, up kit.Update) {
	if job := m.prepare(ctx, up); job != nil {
		job(ctx)
	}
}

// prepare resolves up to a runnable job, or nil when it is not a command.
func (m *Manager) prepare(ctx context.Context, up kit.Update) func(context.Context) {
	msg := up.Message
	if msg == nil {
		return nil
	}
	cfg := m.config()
	text := strings.TrimSpace(msg.Text)
	if text == strings.TrimSpace(cfg.Prefix) {
		m.send(ctx, chatOf(msg), "So silly. Do "+cfg.Prefix+"help for help.")
		return nil
	}
	if !strings.HasPrefix(text, cfg.Prefix) {
		return nil
	}
	parts := strings.Fields(strings.TrimPrefix(text, cfg.Prefix))
	if len(parts) == 0 {
		return nil
	}
	word := strings.ToLower(parts[0])
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}

	m.mu.RLock()
	i, ok := m.index[word]
	var cmd Command
	if ok {
		cmd = m.cmds[i]
	}
	m.mu.RUnlock()
	if !ok {
		m.send(ctx, chatOf(msg), "Unknown command. Try "+cfg.Prefix+"help.")
		return nil
	}

	rid := uuid.NewString()
	req := &Request{
		Msg:     msg,
		Chat:    chatOf(msg),
		Scope:   strconv.FormatInt(msg.ChatID, 10),
		UserID:  strconv.FormatInt(msg.FromID, 10),
		Command: cmd.Name,
		Args:    parts[1:],
		ReqID:   rid,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.String("cmd", cmd.Name),
		),
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = cfg.Timeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)
	return func(ctx context.Context) {
		if err := final(ctx, req); err != nil {
			m.send(ctx, req.Chat, "Something went wrong, please try again later.")
		}
	}
}

func chatOf(msg *kit.Message) kit.ChatTarget {
	return kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
}

func (m *Manager) send(ctx context.Context, to kit.ChatTarget, text string) {
	m.sendOpt(ctx, to, text, &kit.SendOptions{DisablePreview: true})
}

func (m *Manager) sendOpt(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) {
	if m.adapter == nil {
		return
	}
	if _, err := m.adapter.SendText(ctx, to, text, opt); err != nil {
		m.log.Warn("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}
