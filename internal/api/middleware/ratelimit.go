package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/d60-Lab/social-pipeline/pkg/response"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiterSet struct {
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
	visitors map[string]*visitor
	lastGC   time.Time
}

func (s *limiterSet) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	// 顺带清理长时间不活跃的用户
	if now.Sub(s.lastGC) > time.Minute {
		for k, v := range s.visitors {
			if now.Sub(v.lastSeen) > 10*time.Minute {
				delete(s.visitors, k)
			}
		}
		s.lastGC = now
	}
	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(s.rps, s.burst)}
		s.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

// RateLimit 按用户（未认证时按 IP）限制写请求
func RateLimit(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst < 1 {
		burst = 1
	}
	set := &limiterSet{rps: rate.Limit(rps), burst: burst, visitors: make(map[string]*visitor)}
	return func(c *gin.Context) {
		key := UserIDFrom(c.Request.Context())
		if key == "" {
			key = c.ClientIP()
		}
		if !set.get(key, time.Now()).Allow() {
			response.TooManyRequests(c)
			return
		}
		c.Next()
	}
}
