package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/aiot-gateway/internal/balancer"
	"github.com/hewenyu/aiot-gateway/internal/config"
	"github.com/hewenyu/aiot-gateway/internal/monitor"
	"github.com/hewenyu/aiot-gateway/pkg/model"
)

// UpstreamError 表示对上游服务的所有尝试都已失败
type UpstreamError struct {
	ServiceName string
	LastErr     error
}

// Error 实现error接口
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("服务 %s 上游调用失败: %v", e.ServiceName, e.LastErr)
}

// Unwrap 返回最后一次失败的底层错误
func (e *UpstreamError) Unwrap() error {
	return e.LastErr
}

// ProxyRequest 待转发的请求
type ProxyRequest struct {
	Method   string
	Path     string // 上游路径（不含服务前缀）
	RawQuery string
	Header   http.Header
	Body     []byte
	ClientIP string
	Subject  string
}

// ProxyResponse 上游返回的响应
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	InstanceID string
}

// Executor 将请求分发到负载均衡选出的实例
// 每次尝试受独立超时约束；超时或连接失败时换一个实例重试，
// 收到响应（无论状态码）即视为本次分发完成，不再重试
type Executor struct {
	balancer    *balancer.LoadBalancer
	collector   *monitor.Collector
	client      *http.Client
	timeout     time.Duration
	maxAttempts int
	logger      config.Logger
}

// NewExecutor 创建请求分发器
func NewExecutor(lb *balancer.LoadBalancer, collector *monitor.Collector, timeout time.Duration, maxAttempts int, logger config.Logger) *Executor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 2
	}

	return &Executor{
		balancer:    lb,
		collector:   collector,
		client:      &http.Client{},
		timeout:     timeout,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Dispatch 选择实例并转发请求
// 候选耗尽且从未成功时返回UpstreamError；一个健康实例都没有时返回NoHealthyInstanceError
func (e *Executor) Dispatch(ctx context.Context, serviceName string, req *ProxyRequest) (*ProxyResponse, error) {
	exclude := make(map[string]struct{})
	var lastErr error

	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		instance, err := e.balancer.Select(ctx, serviceName, req.ClientIP, exclude)
		if err != nil {
			// 第一次选择就无健康实例时原样返回，让调用方区分错误类型
			if lastErr == nil {
				return nil, err
			}
			break
		}

		resp, latencyMs, err := e.attempt(ctx, instance, req)
		if err != nil {
			lastErr = err
			exclude[instance.InstanceID] = struct{}{}

			e.balancer.Health().ReportFailure(serviceName, instance.InstanceID)
			e.collector.Record(model.DispatchOutcome{
				ServiceName: serviceName,
				InstanceID:  instance.InstanceID,
				Method:      req.Method,
				Path:        req.Path,
				StatusCode:  failureStatusCode(err),
				Success:     false,
				LatencyMs:   latencyMs,
				ClientIP:    req.ClientIP,
				Subject:     req.Subject,
				Timestamp:   time.Now(),
			})

			e.logger.Warn("上游调用失败，尝试其他实例",
				zap.String("service", serviceName),
				zap.String("instance", instance.InstanceID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		// 收到响应即重置失败计数并更新响应时间EMA；
		// HTTP错误不触发重试，但与监控同口径计入失败，拉低成功率
		success := resp.StatusCode < 400
		if success {
			e.balancer.Health().ReportSuccess(serviceName, instance.InstanceID, latencyMs)
		} else {
			e.balancer.Health().ReportErrorResponse(serviceName, instance.InstanceID, latencyMs)
		}
		e.collector.Record(model.DispatchOutcome{
			ServiceName: serviceName,
			InstanceID:  instance.InstanceID,
			Method:      req.Method,
			Path:        req.Path,
			StatusCode:  resp.StatusCode,
			Success:     success,
			LatencyMs:   latencyMs,
			ClientIP:    req.ClientIP,
			Subject:     req.Subject,
			Timestamp:   time.Now(),
		})

		return resp, nil
	}

	return nil, &UpstreamError{ServiceName: serviceName, LastErr: lastErr}
}

// attempt 对单个实例执行一次带超时的调用
// 连接计数在调用前增加，函数返回时无条件释放
func (e *Executor) attempt(ctx context.Context, instance *model.ServiceInstance, req *ProxyRequest) (*ProxyResponse, float64, error) {
	health := e.balancer.Health()
	health.IncConnections(instance.ServiceName, instance.InstanceID)
	defer health.DecConnections(instance.ServiceName, instance.InstanceID)

	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	upstreamURL := fmt.Sprintf("http://%s%s", instance.Address(), req.Path)
	if req.RawQuery != "" {
		upstreamURL += "?" + req.RawQuery
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, upstreamURL, body)
	if err != nil {
		return nil, 0, fmt.Errorf("构造上游请求失败: %w", err)
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	start := time.Now()
	httpResp, err := e.client.Do(httpReq)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		return nil, latencyMs, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, latencyMs, fmt.Errorf("读取上游响应失败: %w", err)
	}

	return &ProxyResponse{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       respBody,
		InstanceID: instance.InstanceID,
	}, latencyMs, nil
}

// failureStatusCode 将传输层错误映射到统计用状态码
// 超时记为504，连接类错误记为502
func failureStatusCode(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
