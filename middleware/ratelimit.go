package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type visitor struct {
	windowStart time.Time
	count       int
}

// RateLimiter 按客户端 IP 的固定窗口限流
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewRateLimiter 每个 IP 每分钟最多 requestsPerMinute 次
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	return &RateLimiter{
		limit:    requestsPerMinute,
		window:   time.Minute,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Allow 记录一次请求并返回是否放行
func (l *RateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	// 清理过期访问者
	for key, v := range l.visitors {
		if now.Sub(v.windowStart) > 3*l.window {
			delete(l.visitors, key)
		}
	}

	v, exists := l.visitors[ip]
	if !exists || now.Sub(v.windowStart) >= l.window {
		l.visitors[ip] = &visitor{windowStart: now, count: 1}
		return true
	}
	if v.count >= l.limit {
		return false
	}
	v.count++
	return true
}

// Middleware 速率限制中间件
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "请求过于频繁，请稍后再试"})
			return
		}
		c.Next()
	}
}
