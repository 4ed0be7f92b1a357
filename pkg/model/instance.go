package model

import (
	"fmt"
	"time"
)

// ServiceInstance 表示服务发现返回的一个后端服务实例
// 发现刷新时整体替换，发现后不再修改
type ServiceInstance struct {
	ServiceName string            `json:"service_name"`       // 服务名称
	InstanceID  string            `json:"instance_id"`        // 实例ID（UUID）
	IPAddress   string            `json:"ip_address"`         // IP地址
	Port        int               `json:"port"`               // 端口
	Weight      int               `json:"weight"`             // 静态权重（加权轮询使用，默认1）
	Tags        []string          `json:"tags,omitempty"`     // 服务标签
	Metadata    map[string]string `json:"metadata,omitempty"` // 可选元数据（版本、区域等）
}

// Address 返回实例的网络地址（host:port格式）
func (s *ServiceInstance) Address() string {
	return fmt.Sprintf("%s:%d", s.IPAddress, s.Port)
}

// EffectiveWeight 返回实例的有效权重，未设置时为1
func (s *ServiceInstance) EffectiveWeight() int {
	if s.Weight <= 0 {
		return 1
	}
	return s.Weight
}

// DispatchOutcome 表示一次请求分发的结果记录
// 健康表更新与监控统计统一消费该结构
type DispatchOutcome struct {
	ServiceName string    `json:"service_name"` // 目标服务名称
	InstanceID  string    `json:"instance_id"`  // 实际处理请求的实例ID
	Method      string    `json:"method"`       // HTTP方法
	Path        string    `json:"path"`         // 请求路径模板
	StatusCode  int       `json:"status_code"`  // 响应状态码（连接失败时为0）
	Success     bool      `json:"success"`      // 请求是否成功
	LatencyMs   float64   `json:"latency_ms"`   // 响应耗时（毫秒）
	ClientIP    string    `json:"client_ip"`    // 客户端IP
	Subject     string    `json:"subject"`      // 认证主体ID（未认证时为空）
	Timestamp   time.Time `json:"timestamp"`    // 完成时间
}

// Endpoint 返回用于按端点聚合的key（方法+路径模板）
func (o *DispatchOutcome) Endpoint() string {
	return o.Method + " " + o.Path
}

// InstanceHealthSnapshot 表示单个实例健康状态的只读快照
type InstanceHealthSnapshot struct {
	InstanceID          string    `json:"instance_id"`           // 实例ID
	Address             string    `json:"address"`               // 实例地址
	Weight              int       `json:"weight"`                // 静态权重
	Healthy             bool      `json:"healthy"`               // 健康标志
	CurrentConnections  int64     `json:"current_connections"`   // 当前连接数
	AvgResponseTimeMs   float64   `json:"avg_response_time_ms"`  // 响应时间指数移动平均
	TotalRequests       int64     `json:"total_requests"`        // 累计请求数
	SuccessfulRequests  int64     `json:"successful_requests"`   // 成功请求数
	SuccessRate         float64   `json:"success_rate"`          // 成功率
	ConsecutiveFailures int64     `json:"consecutive_failures"`  // 连续失败次数
	LoadScore           float64   `json:"load_score"`            // 综合负载评分
	LastHealthCheckAt   time.Time `json:"last_health_check_at"`  // 最后健康检查时间
}
