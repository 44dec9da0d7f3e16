package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers = append(handlers, func(c *gin.Context) {
		c.String(http.StatusOK, UserIDFrom(c.Request.Context()))
	})
	r.GET("/me", handlers...)
	return r
}

func do(r http.Handler, url, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth(t *testing.T) {
	r := newEngine(Auth(secret))

	token, err := SignToken(secret, "u1", time.Minute)
	require.NoError(t, err)
	w := do(r, "/me", token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", w.Body.String())

	w = do(r, "/me?access_token="+token, "")
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusUnauthorized, do(r, "/me", "").Code)

	forged, err := SignToken("other-secret", "u1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/me", forged).Code)

	expired, err := SignToken(secret, "u1", -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/me", expired).Code)
}

func TestRateLimitPerUser(t *testing.T) {
	r := newEngine(Auth(secret), RateLimit(0.001, 2))
	alice, _ := SignToken(secret, "alice", time.Minute)
	bob, _ := SignToken(secret, "bob", time.Minute)

	assert.Equal(t, http.StatusOK, do(r, "/me", alice).Code)
	assert.Equal(t, http.StatusOK, do(r, "/me", alice).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, "/me", alice).Code)
	assert.Equal(t, http.StatusOK, do(r, "/me", bob).Code)
}
