package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"bdaybot/internal/calendar"
	"bdaybot/internal/storage"
	logx "bdaybot/pkg/logx"
)

const readyPingTimeout = 2 * time.Second

type birthdayDTO struct {
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	Month    int    `json:"month"`
	Day      int    `json:"day"`
	Year     int    `json:"year,omitempty"`
	Birthday string `json:"birthday"`
}

func (s *Server) routes() {
	r := s.router
	r.GET("/health", s.health)
	r.GET("/ready", s.ready)

	if s.deps.Engine != nil {
		r.GET("/scopes", s.scopes)
	}
	if s.deps.Store != nil {
		r.GET("/scopes/:scope/birthdays", s.birthdays)
		r.GET("/scopes/:scope/birthdays.ics", s.birthdaysICS)
	}
	if s.deps.Notifier != nil {
		r.GET("/notifier/history", s.history)
	}
	if s.deps.Jobs != nil {
		r.GET("/maintenance/jobs", s.jobs)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "bdaybot"})
}

// ready fails while the scheduler is down or the store is unreachable.
// Scopes whose last tick failed are reported but do not fail the probe.
func (s *Server) ready(c *gin.Context) {
	if s.deps.Engine != nil && !s.deps.Engine.Running() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": "scheduler not running"})
		return
	}
	if p, ok := s.deps.Store.(storage.Pinger); ok {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readyPingTimeout)
		err := p.Ping(ctx)
		cancel()
		if err != nil {
			s.log.Warn("store not ready", logx.Err(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": "storage unavailable"})
			return
		}
	}

	var degraded []string
	if s.deps.Engine != nil {
		for _, st := range s.deps.Engine.Snapshot() {
			if st.LastErr != "" {
				degraded = append(degraded, st.Scope)
			}
		}
	}
	body := gin.H{"status": "ready"}
	if len(degraded) > 0 {
		body["degraded_scopes"] = degraded
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) scopes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"scopes": s.deps.Engine.Snapshot()})
}

func (s *Server) listScope(c *gin.Context) (string, []storage.Record, bool) {
	scope := c.Param("scope")
	recs, err := s.deps.Store.List(c.Request.Context(), scope)
	if err != nil {
		s.log.Error("list birthdays failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage error"})
		return "", nil, false
	}
	return scope, recs, true
}

func (s *Server) birthdays(c *gin.Context) {
	scope, recs, ok := s.listScope(c)
	if !ok {
		return
	}
	out := make([]birthdayDTO, 0, len(recs))
	for _, r := range recs {
		out = append(out, birthdayDTO{
			UserID:   r.UserID,
			Name:     r.DisplayName,
			Month:    int(r.Birthday.Month),
			Day:      r.Birthday.Day,
			Year:     r.Birthday.Year,
			Birthday: r.Birthday.String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"scope": scope, "birthdays": out})
}

func (s *Server) birthdaysICS(c *gin.Context) {
	scope, recs, ok := s.listScope(c)
	if !ok {
		return
	}
	body, err := calendar.Render(scope, recs, s.now())
	if err != nil {
		s.log.Error("render calendar failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "calendar error"})
		return
	}
	c.Header("Content-Disposition", `inline; filename="birthdays.ics"`)
	c.Data(http.StatusOK, "text/calendar; charset=utf-8", body)
}

func (s *Server) history(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": s.deps.Notifier.History()})
}

func (s *Server) jobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.deps.Jobs.Snapshot()})
}
