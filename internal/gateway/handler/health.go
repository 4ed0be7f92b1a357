package handler

import (
	"fmt"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"
)

// 应用启动时间
var startTime = time.Now()

// HealthHandler 网关自身的存活检查处理器
type HealthHandler struct{}

// NewHealthHandler 创建存活检查处理器
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

// HealthCheck 存活检查，返回运行时资源概况
func (h *HealthHandler) HealthCheck(c echo.Context) error {
	return respondOK(c, map[string]any{
		"status":     "healthy",
		"timestamp":  time.Now(),
		"uptime":     time.Since(startTime).String(),
		"resources":  getResourceUsage(),
		"goroutines": runtime.NumGoroutine(),
	})
}

// getResourceUsage 获取资源使用情况
func getResourceUsage() map[string]any {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]any{
		"memory_alloc":   formatBytes(memStats.Alloc),
		"memory_sys":     formatBytes(memStats.Sys),
		"memory_heap":    formatBytes(memStats.HeapAlloc),
		"num_gc":         memStats.NumGC,
		"num_goroutines": runtime.NumGoroutine(),
	}
}

// formatBytes 将字节数格式化为可读形式
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
