// Package httpapi serves health probes, read-only scope views and the
// per-scope iCalendar feed over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"bdaybot/internal/maintenance"
	"bdaybot/internal/notifier"
	"bdaybot/internal/observability/pprof"
	"bdaybot/internal/scheduler"
	"bdaybot/internal/storage"
	logx "bdaybot/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8080"

type Config struct {
	Addr            string // default DefaultAddr
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// RequestLog logs every request at info; errors are always logged.
	RequestLog bool
	Pprof      pprof.Config
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// ScheduleView is the scheduler state the API reports. *scheduler.Engine implements it.
type ScheduleView interface {
	Snapshot() []scheduler.ScopeStatus
	Running() bool
}

type HistoryView interface {
	History() []notifier.HistoryItem
}

type JobsView interface {
	Snapshot() []maintenance.JobInfo
}

// Deps are the components the handlers read. Nil views hide their routes.
type Deps struct {
	Store    storage.Store
	Engine   ScheduleView
	Notifier HistoryView
	Jobs     JobsView
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	now  func() time.Time

	router *gin.Engine
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		log:    log.With(logx.String("comp", "http")),
		now:    time.Now,
		router: gin.New(),
	}
	s.router.Use(recoveryLogger(s.log), requestLogger(s.log, s.cfg.RequestLog))
	s.routes()
	if s.cfg.Pprof.Enabled {
		pprof.Mount(s.router, s.cfg.Pprof)
		s.log.Info("pprof mounted", logx.String("prefix", pprof.Prefix), logx.Bool("token_set", s.cfg.Pprof.Token != ""))
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	<-errCh
	s.log.Info("http api stopped")
	return nil
}
