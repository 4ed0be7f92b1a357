package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/aiot-gateway/internal/config"
	"github.com/hewenyu/aiot-gateway/internal/monitor"
)

// 报表默认返回的主体数量
const defaultTopUsers = 10

// MonitoringHandler 处理监控统计相关API
type MonitoringHandler struct {
	collector      *monitor.Collector
	streamInterval time.Duration
	logger         config.Logger
}

// NewMonitoringHandler 创建监控处理器
func NewMonitoringHandler(collector *monitor.Collector, streamInterval time.Duration, logger config.Logger) *MonitoringHandler {
	if streamInterval <= 0 {
		streamInterval = 5 * time.Second
	}

	return &MonitoringHandler{
		collector:      collector,
		streamInterval: streamInterval,
		logger:         logger,
	}
}

// Stats 累计统计 + 实时窗口摘要 + 端点与主体报表
func (h *MonitoringHandler) Stats(c echo.Context) error {
	return respondOK(c, map[string]any{
		"aggregate": h.collector.GetStats(),
		"realtime":  h.collector.GetRealtimeMetrics(),
		"endpoints": h.collector.GetEndpointPerformanceReport(),
		"top_users": h.collector.GetTopUsersReport(defaultTopUsers),
	})
}

// Realtime 以SSE推送实时指标，客户端断开后停止
func (h *MonitoringHandler) Realtime(c echo.Context) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	// 订阅生命周期与请求上下文绑定，断开即取消
	ctx := c.Request().Context()
	updates := h.collector.Stream(ctx, h.streamInterval)

	// 连接建立后立即推送一次当前状态
	if err := writeEvent(c, h.collector.GetRealtimeMetrics()); err != nil {
		return nil
	}

	for metrics := range updates {
		if err := writeEvent(c, metrics); err != nil {
			return nil
		}
	}
	return nil
}

// writeEvent 写入一条SSE事件并刷新
func writeEvent(c echo.Context, metrics monitor.RealtimeMetrics) error {
	payload, err := json.Marshal(metrics)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", payload); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

// Reset 原子清零累计统计，返回重置时间与操作者
func (h *MonitoringHandler) Reset(c echo.Context) error {
	actor := c.Request().Header.Get("X-Subject-Id")
	if actor == "" {
		actor = c.RealIP()
	}

	resetAt := h.collector.Reset(actor)

	return respondOK(c, map[string]any{
		"reset_at": resetAt,
		"actor":    actor,
	})
}
