// Package pprof mounts the net/http/pprof handlers on the HTTP API router
// under /debug/pprof/, guarded by a bearer token.
package pprof

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"

	"github.com/gin-gonic/gin"
)

const Prefix = "/debug/pprof"

type Config struct {
	Enabled bool
	// Token is required as "Authorization: Bearer <token>" or ?token=.
	Token string
	// AllowInsecure permits a tokenless mount on a non-loopback address.
	AllowInsecure bool

	// Runtime sampling rates; negative leaves the runtime default.
	MutexProfileFraction int
	BlockProfileRate     int
}

// Check rejects a tokenless mount on a public listener unless explicitly allowed.
func (c Config) Check(addr string) error {
	if !c.Enabled || c.Token != "" || c.AllowInsecure || isLoopbackAddr(addr) {
		return nil
	}
	return errors.New("http.pprof: non-loopback addr requires token or allow_insecure")
}

// Mount registers the profiling routes on r and applies the sampling rates.
func Mount(r gin.IRouter, cfg Config) {
	applyRuntimeRates(cfg)
	g := r.Group(Prefix, withAuth(cfg.Token))
	g.GET("/", gin.WrapF(hpprof.Index))
	g.GET("/:name", handle)
	g.POST("/symbol", gin.WrapF(hpprof.Symbol))
}

func handle(c *gin.Context) {
	switch c.Param("name") {
	case "cmdline":
		hpprof.Cmdline(c.Writer, c.Request)
	case "profile":
		hpprof.Profile(c.Writer, c.Request)
	case "symbol":
		hpprof.Symbol(c.Writer, c.Request)
	case "trace":
		hpprof.Trace(c.Writer, c.Request)
	default:
		// Index serves named profiles (heap, goroutine, ...) from the path.
		hpprof.Index(c.Writer, c.Request)
	}
}

func applyRuntimeRates(cfg Config) {
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

func withAuth(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) == 1 {
			c.Next()
			return
		}
		c.Header("WWW-Authenticate", "Bearer")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
