package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/aiot-gateway/internal/config"
)

// Decision 一次准入判定的结果
type Decision struct {
	Allowed      bool  // 是否放行
	Remaining    int   // 当前窗口剩余额度
	RetryAfterMs int64 // 被拒绝时距窗口结束的毫秒数
}

// bucket 单个key的固定窗口计数
type bucket struct {
	windowStart time.Time
	count       int
	lastAccess  time.Time
}

// Limiter 按key做固定窗口限流
// 窗口滚动采用惰性检查，访问时判断是否过期，并发滚动只有一个胜者重置窗口
type Limiter struct {
	limit  int
	window time.Duration
	logger config.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLimiter 创建限流器
func NewLimiter(limit int, window time.Duration, logger config.Logger) *Limiter {
	return &Limiter{
		limit:   limit,
		window:  window,
		logger:  logger,
		buckets: make(map[string]*bucket),
	}
}

// Allow 对指定key做一次准入判定
// 同一key的并发调用在锁内串行，计数永远不会超过limit
func (l *Limiter) Allow(key string) Decision {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{windowStart: now}
		l.buckets[key] = b
	}
	b.lastAccess = now

	// 惰性窗口滚动：锁内判断保证并发下只重置一次
	if now.Sub(b.windowStart) >= l.window {
		b.windowStart = now
		b.count = 0
	}

	if b.count >= l.limit {
		retryAfter := l.window - now.Sub(b.windowStart)
		l.logger.Debug("请求被限流",
			zap.String("key", key),
			zap.Int("limit", l.limit),
			zap.Int64("retry_after_ms", retryAfter.Milliseconds()))
		return Decision{
			Allowed:      false,
			RetryAfterMs: retryAfter.Milliseconds(),
		}
	}

	b.count++
	return Decision{
		Allowed:   true,
		Remaining: l.limit - b.count,
	}
}

// Run 周期清理长期未访问的桶，避免key集合无限增长
func (l *Limiter) Run(ctx context.Context) {
	interval := l.window * 10
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(interval)
		}
	}
}

// sweep 删除超过idle时长未访问的桶
func (l *Limiter) sweep(idle time.Duration) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastAccess) > idle {
			delete(l.buckets, key)
			removed++
		}
	}

	if removed > 0 {
		l.logger.Debug("清理空闲限流桶",
			zap.Int("removed", removed),
			zap.Int("remaining", len(l.buckets)))
	}
}
