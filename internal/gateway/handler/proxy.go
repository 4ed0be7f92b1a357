package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hewenyu/aiot-gateway/internal/balancer"
	"github.com/hewenyu/aiot-gateway/internal/config"
	"github.com/hewenyu/aiot-gateway/internal/executor"
	"github.com/hewenyu/aiot-gateway/internal/monitor"
	"github.com/hewenyu/aiot-gateway/internal/ratelimit"
	"github.com/hewenyu/aiot-gateway/pkg/model"
)

// 不向上游转发的逐跳头
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// ProxyHandler 代理入口，按 准入 → 选择 → 分发 → 记录 的流水线处理请求
type ProxyHandler struct {
	limiter   *ratelimit.Limiter // 为nil时关闭限流
	executor  *executor.Executor
	collector *monitor.Collector
	logger    config.Logger
}

// NewProxyHandler 创建代理处理器
func NewProxyHandler(limiter *ratelimit.Limiter, exec *executor.Executor, collector *monitor.Collector, logger config.Logger) *ProxyHandler {
	return &ProxyHandler{
		limiter:   limiter,
		executor:  exec,
		collector: collector,
		logger:    logger,
	}
}

// recordRejection 将网关侧拒绝的请求计入统计
// 上游分发未发生，实例ID为空，但失败必须在聚合指标中可见
func (h *ProxyHandler) recordRejection(c echo.Context, serviceName, subject string, statusCode int) {
	h.collector.Record(model.DispatchOutcome{
		ServiceName: serviceName,
		Method:      c.Request().Method,
		Path:        "/" + c.Param("*"),
		StatusCode:  statusCode,
		Success:     false,
		ClientIP:    c.RealIP(),
		Subject:     subject,
		Timestamp:   time.Now(),
	})
}

// admissionKey 限流与统计使用的key：有认证主体用主体ID，否则退回客户端IP
func admissionKey(c echo.Context) (subject, key string) {
	subject = c.Request().Header.Get("X-Subject-Id")
	if subject != "" {
		return subject, subject
	}
	return "", c.RealIP()
}

// Handle 处理一个待转发请求
func (h *ProxyHandler) Handle(c echo.Context) error {
	serviceName := c.Param("serviceName")
	subject, key := admissionKey(c)

	// 准入控制
	if h.limiter != nil {
		decision := h.limiter.Allow(key)
		if !decision.Allowed {
			h.recordRejection(c, serviceName, subject, http.StatusTooManyRequests)
			c.Response().Header().Set("Retry-After",
				fmt.Sprintf("%d", (decision.RetryAfterMs+999)/1000))
			return respondError(c, http.StatusTooManyRequests,
				fmt.Sprintf("请求过于频繁，%dms后重试", decision.RetryAfterMs))
		}
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		h.recordRejection(c, serviceName, subject, http.StatusBadRequest)
		return respondError(c, http.StatusBadRequest, "读取请求体失败: "+err.Error())
	}

	// 复制请求头，剔除逐跳头并附加转发信息
	header := make(http.Header, len(c.Request().Header))
	for name, values := range c.Request().Header {
		if _, skip := hopByHopHeaders[name]; skip {
			continue
		}
		header[name] = values
	}
	header.Set("X-Forwarded-For", c.RealIP())

	req := &executor.ProxyRequest{
		Method:   c.Request().Method,
		Path:     "/" + c.Param("*"),
		RawQuery: c.Request().URL.RawQuery,
		Header:   header,
		Body:     body,
		ClientIP: c.RealIP(),
		Subject:  subject,
	}

	resp, err := h.executor.Dispatch(c.Request().Context(), serviceName, req)
	if err != nil {
		// 无健康实例与重试耗尽都映射为503
		var noHealthy *balancer.NoHealthyInstanceError
		if errors.As(err, &noHealthy) {
			h.recordRejection(c, serviceName, subject, http.StatusServiceUnavailable)
			return respondError(c, http.StatusServiceUnavailable,
				fmt.Sprintf("服务 %s 暂无可用实例", serviceName))
		}

		// 重试耗尽的每次失败尝试已由分发器逐一计入统计，这里不再重复记录
		var upstreamErr *executor.UpstreamError
		if errors.As(err, &upstreamErr) {
			h.logger.Error("上游调用重试耗尽",
				zap.String("service", serviceName),
				zap.Error(err))
			return respondError(c, http.StatusServiceUnavailable,
				fmt.Sprintf("服务 %s 暂时不可用", serviceName))
		}

		h.recordRejection(c, serviceName, subject, http.StatusInternalServerError)
		return respondError(c, http.StatusInternalServerError, "网关内部错误")
	}

	// 透传上游响应
	for name, values := range resp.Header {
		if _, skip := hopByHopHeaders[name]; skip {
			continue
		}
		for _, value := range values {
			c.Response().Header().Add(name, value)
		}
	}
	return c.Blob(resp.StatusCode, resp.Header.Get(echo.HeaderContentType), resp.Body)
}
