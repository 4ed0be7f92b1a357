package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/aiot-gateway/internal/balancer"
	"github.com/hewenyu/aiot-gateway/internal/registry"
	"github.com/hewenyu/aiot-gateway/pkg/model"
)

// ServiceStatus 单个服务的实例健康概况
type ServiceStatus struct {
	ServiceName      string `json:"service_name"`
	TotalInstances   int    `json:"total_instances"`
	HealthyInstances int    `json:"healthy_instances"`
}

// GatewayHandler 处理网关状态与负载均衡管理API
type GatewayHandler struct {
	registry *registry.Registry
	balancer *balancer.LoadBalancer
}

// NewGatewayHandler 创建网关管理处理器
func NewGatewayHandler(reg *registry.Registry, lb *balancer.LoadBalancer) *GatewayHandler {
	return &GatewayHandler{
		registry: reg,
		balancer: lb,
	}
}

// Status 网关整体状态：算法与每个服务的健康/总实例数
func (h *GatewayHandler) Status(c echo.Context) error {
	ctx := c.Request().Context()
	health := h.balancer.Health()

	names := h.registry.ServiceNames(ctx)
	services := make([]ServiceStatus, 0, len(names))
	overall := "healthy"

	for _, name := range names {
		instances := h.registry.GetInstances(ctx, name)
		healthy := health.HealthyCount(name, instances)
		services = append(services, ServiceStatus{
			ServiceName:      name,
			TotalInstances:   len(instances),
			HealthyInstances: healthy,
		})
		if healthy == 0 && len(instances) > 0 {
			overall = "degraded"
		}
	}

	return respondOK(c, map[string]any{
		"status":    overall,
		"algorithm": h.balancer.Algorithm(),
		"services":  services,
	})
}

// ListAllInstances 所有已知服务的实例健康快照
func (h *GatewayHandler) ListAllInstances(c echo.Context) error {
	ctx := c.Request().Context()
	health := h.balancer.Health()

	result := make(map[string][]model.InstanceHealthSnapshot)
	for _, name := range h.registry.ServiceNames(ctx) {
		instances := h.registry.GetInstances(ctx, name)
		result[name] = health.Snapshot(name, instances)
	}

	return respondOK(c, result)
}

// ListInstances 指定服务的实例健康快照
func (h *GatewayHandler) ListInstances(c echo.Context) error {
	serviceName := c.Param("serviceName")
	instances := h.registry.GetInstances(c.Request().Context(), serviceName)
	snapshots := h.balancer.Health().Snapshot(serviceName, instances)

	return respondOK(c, map[string]any{
		"service_name": serviceName,
		"instances":    snapshots,
	})
}

// HealthOverrideRequest 手动健康覆盖请求
type HealthOverrideRequest struct {
	Healthy *bool `json:"healthy" validate:"required"`
}

// SetInstanceHealth 手动覆盖实例健康标志
func (h *GatewayHandler) SetInstanceHealth(c echo.Context) error {
	serviceName := c.Param("serviceName")
	instanceID := c.Param("instanceId")

	var req HealthOverrideRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, "请求参数无效: "+err.Error())
	}
	// healthy必须是明确的布尔值
	if err := c.Validate(&req); err != nil {
		return respondError(c, http.StatusBadRequest, "healthy字段必须为布尔值")
	}

	h.balancer.SetInstanceHealth(serviceName, instanceID, *req.Healthy)

	return respondOK(c, map[string]any{
		"service_name": serviceName,
		"instance_id":  instanceID,
		"healthy":      *req.Healthy,
	})
}
