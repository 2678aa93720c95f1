package pprof

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func router(cfg Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	Mount(r, cfg)
	return r
}

func get(r http.Handler, path, auth string) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	r.ServeHTTP(w, req)
	return w.Code
}

func TestMountRequiresToken(t *testing.T) {
	r := router(Config{Enabled: true, Token: "s3cret", MutexProfileFraction: -1, BlockProfileRate: -1})

	assert.Equal(t, http.StatusUnauthorized, get(r, "/debug/pprof/", ""))
	assert.Equal(t, http.StatusUnauthorized, get(r, "/debug/pprof/", "Bearer nope"))
	assert.Equal(t, http.StatusOK, get(r, "/debug/pprof/", "Bearer s3cret"))
	assert.Equal(t, http.StatusOK, get(r, "/debug/pprof/goroutine?debug=1&token=s3cret", ""))
	assert.Equal(t, http.StatusOK, get(r, "/debug/pprof/cmdline", "Bearer s3cret"))
}

func TestMountWithoutToken(t *testing.T) {
	r := router(Config{Enabled: true, MutexProfileFraction: -1, BlockProfileRate: -1})
	assert.Equal(t, http.StatusOK, get(r, "/debug/pprof/heap?debug=1", ""))
}

func TestCheck(t *testing.T) {
	assert.NoError(t, Config{}.Check("0.0.0.0:8080"))
	assert.NoError(t, Config{Enabled: true}.Check("127.0.0.1:8080"))
	assert.NoError(t, Config{Enabled: true}.Check("localhost:8080"))
	assert.NoError(t, Config{Enabled: true, Token: "t"}.Check(":8080"))
	assert.NoError(t, Config{Enabled: true, AllowInsecure: true}.Check(":8080"))
	assert.Error(t, Config{Enabled: true}.Check(":8080"))
	assert.Error(t, Config{Enabled: true}.Check("10.0.0.5:8080"))
}
