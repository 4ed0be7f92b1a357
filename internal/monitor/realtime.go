package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// sample 实时窗口中的一条请求样本
type sample struct {
	at        time.Time
	latencyMs float64
}

// realtimeWindow 短滚动窗口，过期样本在访问时惰性丢弃
type realtimeWindow struct {
	mu       sync.Mutex
	duration time.Duration
	samples  []sample
}

func newRealtimeWindow(duration time.Duration) *realtimeWindow {
	return &realtimeWindow{duration: duration}
}

// add 追加一条样本并顺带丢弃过期样本
func (w *realtimeWindow) add(at time.Time, latencyMs float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(at)
	w.samples = append(w.samples, sample{at: at, latencyMs: latencyMs})
}

// pruneLocked 丢弃窗口之外的样本，调用方必须持有锁
func (w *realtimeWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.duration)
	idx := 0
	for idx < len(w.samples) && w.samples[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		w.samples = append(w.samples[:0], w.samples[idx:]...)
	}
}

// stats 返回窗口内的请求速率与平均响应时间
func (w *realtimeWindow) stats(now time.Time) (rps float64, avgLatencyMs float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(now)
	if len(w.samples) == 0 {
		return 0, 0
	}

	var total float64
	for _, s := range w.samples {
		total += s.latencyMs
	}

	rps = float64(len(w.samples)) / w.duration.Seconds()
	avgLatencyMs = total / float64(len(w.samples))
	return rps, avgLatencyMs
}

// RealtimeMetrics 实时指标快照
type RealtimeMetrics struct {
	CurrentRPS               float64   `json:"current_rps"`                  // 窗口内平均每秒请求数
	ActiveConnections        int64     `json:"active_connections"`           // 当前活跃上游连接数
	CurrentAvgResponseTimeMs float64   `json:"current_avg_response_time_ms"` // 窗口内平均响应时间
	MemoryAllocBytes         uint64    `json:"memory_alloc_bytes"`           // 已分配内存
	MemorySysBytes           uint64    `json:"memory_sys_bytes"`             // 系统保留内存
	NumGoroutine             int       `json:"num_goroutine"`                // 协程数
	GCCPUFraction            float64   `json:"gc_cpu_fraction"`              // GC占用CPU比例
	Timestamp                time.Time `json:"timestamp"`                    // 采样时间
}

// GetRealtimeMetrics 计算当前实时指标
func (c *Collector) GetRealtimeMetrics() RealtimeMetrics {
	now := time.Now()
	rps, avgLatency := c.window.stats(now)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return RealtimeMetrics{
		CurrentRPS:               rps,
		ActiveConnections:        c.activeConns(),
		CurrentAvgResponseTimeMs: avgLatency,
		MemoryAllocBytes:         memStats.Alloc,
		MemorySysBytes:           memStats.Sys,
		NumGoroutine:             runtime.NumGoroutine(),
		GCCPUFraction:            memStats.GCCPUFraction,
		Timestamp:                now,
	}
}

// Stream 按固定间隔推送实时指标快照
// 返回的channel在ctx取消后关闭，定时器随之释放
func (c *Collector) Stream(ctx context.Context, interval time.Duration) <-chan RealtimeMetrics {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	updates := make(chan RealtimeMetrics, 1)

	go func() {
		defer close(updates)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case updates <- c.GetRealtimeMetrics():
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return updates
}
