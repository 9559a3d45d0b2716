package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// TokenBucket 令牌桶，按纳秒精度补充
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	rate       float64 // 每秒
	lastRefill time.Time
}

func NewTokenBucket(capacity, rate int64) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		rate:       float64(rate),
		lastRefill: time.Now(),
	}
}

func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) idleSince(t time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastRefill.Before(t)
}

// RateLimiterConfig 握手和 API 共用
type RateLimiterConfig struct {
	IPQPS   int64 `mapstructure:"ip_qps"`
	UserQPS int64 `mapstructure:"user_qps"`
	Burst   int64 `mapstructure:"burst"`
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{IPQPS: 20, UserQPS: 10, Burst: 10}
}

// RateLimiter 先按 IP，再按已认证用户
type RateLimiter struct {
	cfg   RateLimiterConfig
	ips   sync.Map // ip -> *TokenBucket
	users sync.Map // userID -> *TokenBucket
}

func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	d := DefaultRateLimiterConfig()
	if cfg.IPQPS <= 0 {
		cfg.IPQPS = d.IPQPS
	}
	if cfg.UserQPS <= 0 {
		cfg.UserQPS = d.UserQPS
	}
	if cfg.Burst < 0 {
		cfg.Burst = 0
	}
	return &RateLimiter{cfg: cfg}
}

func (rl *RateLimiter) bucket(m *sync.Map, key string, qps int64) *TokenBucket {
	if b, ok := m.Load(key); ok {
		return b.(*TokenBucket)
	}
	b, _ := m.LoadOrStore(key, NewTokenBucket(qps+rl.cfg.Burst, qps))
	return b.(*TokenBucket)
}

func (rl *RateLimiter) AllowIP(ip string) bool {
	return rl.bucket(&rl.ips, ip, rl.cfg.IPQPS).Allow()
}

func (rl *RateLimiter) AllowUser(userID string) bool {
	return userID == "" || rl.bucket(&rl.users, userID, rl.cfg.UserQPS).Allow()
}

func (rl *RateLimiter) Allow(ip, userID string) bool {
	return rl.AllowIP(ip) && rl.AllowUser(userID)
}

func tooMany(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
}

// IPMiddleware 放在认证之前，无效 token 也会消耗 IP 配额
func (rl *RateLimiter) IPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.AllowIP(c.ClientIP()) {
			tooMany(c)
			return
		}
		c.Next()
	}
}

// UserMiddleware 放在认证之后
func (rl *RateLimiter) UserMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.AllowUser(c.GetString(ContextUserID)) {
			tooMany(c)
			return
		}
		c.Next()
	}
}

// Run 定期清理一小时没用过的桶
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup(time.Now().Add(-time.Hour))
		}
	}
}

func (rl *RateLimiter) Cleanup(before time.Time) {
	for _, m := range []*sync.Map{&rl.ips, &rl.users} {
		m.Range(func(key, value interface{}) bool {
			if value.(*TokenBucket).idleSince(before) {
				m.Delete(key)
			}
			return true
		})
	}
}
