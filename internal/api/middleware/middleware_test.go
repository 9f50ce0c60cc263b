package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newEngine(h ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(h...)
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func do(r http.Handler, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAPIKeyAuth(t *testing.T) {
	cfg := AuthConfig{Enabled: true, APIKeys: []string{"kiosk-secret-key"}}
	r := newEngine(APIKeyAuth(cfg, zap.NewNop()))

	assert.Equal(t, http.StatusUnauthorized, do(r, nil).Code)
	assert.Equal(t, http.StatusForbidden, do(r, map[string]string{"X-API-Key": "wrong"}).Code)
	assert.Equal(t, http.StatusOK, do(r, map[string]string{"X-API-Key": "kiosk-secret-key"}).Code)
	assert.Equal(t, http.StatusOK, do(r, map[string]string{"Authorization": "Bearer kiosk-secret-key"}).Code)
}

func TestAPIKeyAuthDisabled(t *testing.T) {
	r := newEngine(APIKeyAuth(AuthConfig{}, zap.NewNop()))
	assert.Equal(t, http.StatusOK, do(r, nil).Code)
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "****", maskAPIKey("short"))
	assert.Equal(t, "kios****-key", maskAPIKey("kiosk-secret-key"))
}

func TestRateLimit(t *testing.T) {
	r := newEngine(RateLimit(RateLimitConfig{Enabled: true, PerSecond: 1, Burst: 2}, zap.NewNop()))

	assert.Equal(t, http.StatusOK, do(r, nil).Code)
	assert.Equal(t, http.StatusOK, do(r, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, nil).Code)
}

func TestRequestTracing(t *testing.T) {
	r := newEngine(RequestTracing())

	w := do(r, map[string]string{"X-Request-ID": "abc"})
	assert.Equal(t, "abc", w.Header().Get("X-Request-ID"))

	w = do(r, nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)
}

func TestCORSPreflight(t *testing.T) {
	r := newEngine(CORS())
	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
