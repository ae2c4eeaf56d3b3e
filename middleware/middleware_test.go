package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(handlers...)
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func get(r *gin.Engine, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_DisabledWithoutSecret(t *testing.T) {
	w := get(newEngine(Auth("")), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_ValidatesBearerToken(t *testing.T) {
	r := newEngine(Auth("s3cret"))

	assert.Equal(t, http.StatusUnauthorized, get(r, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, http.Header{"Authorization": {"Token abc"}}).Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, http.Header{"Authorization": {"Bearer abc"}}).Code)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "admin",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, get(r, http.Header{"Authorization": {"Bearer " + signed}}).Code)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(r, http.Header{"Authorization": {"Bearer " + expired}}).Code)
}

func TestLogger_SetsRequestID(t *testing.T) {
	r := newEngine(Logger())

	w := get(r, nil)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	h := http.Header{}
	h.Set(RequestIDHeader, "abc-123")
	w = get(r, h)
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
}

func TestRateLimiter(t *testing.T) {
	now := time.Now()
	limiter := NewRateLimiter(2)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("1.1.1.1"))
	assert.True(t, limiter.Allow("1.1.1.1"))
	assert.False(t, limiter.Allow("1.1.1.1"))
	assert.True(t, limiter.Allow("2.2.2.2"))

	now = now.Add(time.Minute)
	assert.True(t, limiter.Allow("1.1.1.1"))

	r := newEngine(NewRateLimiter(1).Middleware())
	assert.Equal(t, http.StatusOK, get(r, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(r, nil).Code)
}
