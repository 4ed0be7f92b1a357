package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/aiot-gateway/internal/config"
)

func TestLimiterRejectsOverLimit(t *testing.T) {
	limiter := NewLimiter(5, time.Second, config.NewNopLogger())

	// 窗口内前5个请求放行
	for i := 0; i < 5; i++ {
		decision := limiter.Allow("192.168.1.10")
		assert.True(t, decision.Allowed, "第%d个请求应放行", i+1)
		assert.Equal(t, 4-i, decision.Remaining)
	}

	// 同窗口第6个请求被拒绝并携带重试提示
	decision := limiter.Allow("192.168.1.10")
	assert.False(t, decision.Allowed, "第6个请求应被拒绝")
	assert.Greater(t, decision.RetryAfterMs, int64(0))
	assert.LessOrEqual(t, decision.RetryAfterMs, int64(1000))
}

func TestLimiterWindowReset(t *testing.T) {
	limiter := NewLimiter(2, 50*time.Millisecond, config.NewNopLogger())

	limiter.Allow("key")
	limiter.Allow("key")
	require.False(t, limiter.Allow("key").Allowed)

	// 窗口过期后计数重置，下一个请求放行且计数从1开始
	time.Sleep(60 * time.Millisecond)
	decision := limiter.Allow("key")
	assert.True(t, decision.Allowed, "窗口过期后请求应放行")
	assert.Equal(t, 1, decision.Remaining, "重置后计数应为1")
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	limiter := NewLimiter(1, time.Second, config.NewNopLogger())

	assert.True(t, limiter.Allow("ip-a").Allowed)
	assert.False(t, limiter.Allow("ip-a").Allowed)

	// 其他key不受影响
	assert.True(t, limiter.Allow("ip-b").Allowed)
	assert.True(t, limiter.Allow("subject-1").Allowed)
}

func TestLimiterConcurrentNeverExceedsLimit(t *testing.T) {
	const limit = 50
	limiter := NewLimiter(limit, time.Minute, config.NewNopLogger())

	// 200个并发请求共享一个key，放行数恰好等于limit
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow("shared").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, allowed, "并发下放行数不应超过limit")
}

func TestLimiterConcurrentRollover(t *testing.T) {
	limiter := NewLimiter(1000, 20*time.Millisecond, config.NewNopLogger())

	// 并发跨窗口访问不应panic，且每个窗口的计数都有效
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				limiter.Allow("rollover")
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()
}

func TestLimiterSweep(t *testing.T) {
	limiter := NewLimiter(10, time.Millisecond, config.NewNopLogger())

	for i := 0; i < 20; i++ {
		limiter.Allow(fmt.Sprintf("key-%d", i))
	}
	require.Len(t, limiter.buckets, 20)

	// 空闲超过清理阈值的桶被删除
	time.Sleep(5 * time.Millisecond)
	limiter.sweep(2 * time.Millisecond)
	assert.Empty(t, limiter.buckets)
}
