package executor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/aiot-gateway/internal/balancer"
	"github.com/hewenyu/aiot-gateway/internal/config"
	"github.com/hewenyu/aiot-gateway/internal/registry"
)

// 单次探测请求的超时时间
const probeTimeout = 3 * time.Second

// Prober 对不健康实例做周期健康探测，并清理已从发现消失的健康记录
// 独立于请求路径运行，负载高时允许跳过或延迟
type Prober struct {
	health   *balancer.HealthTable
	registry *registry.Registry
	client   *http.Client
	interval time.Duration
	grace    time.Duration
	logger   config.Logger
}

// NewProber 创建健康探测任务
func NewProber(health *balancer.HealthTable, reg *registry.Registry, interval, grace time.Duration, logger config.Logger) *Prober {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	return &Prober{
		health:   health,
		registry: reg,
		client:   &http.Client{Timeout: probeTimeout},
		interval: interval,
		grace:    grace,
		logger:   logger,
	}
}

// Run 启动探测循环，ctx取消后退出
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeUnhealthy(ctx)
			p.sweepRecords()
		}
	}
}

// probeUnhealthy 对所有不健康实例发起健康检查
func (p *Prober) probeUnhealthy(ctx context.Context) {
	for serviceName, instanceIDs := range p.health.UnhealthyInstances() {
		instances := p.registry.GetInstances(ctx, serviceName)
		addresses := make(map[string]string, len(instances))
		for _, instance := range instances {
			addresses[instance.InstanceID] = instance.Address()
		}

		for _, instanceID := range instanceIDs {
			address, ok := addresses[instanceID]
			if !ok {
				// 实例已不在发现结果中，留给sweepRecords清理
				continue
			}

			if p.probe(ctx, address) {
				p.health.ReportProbeSuccess(serviceName, instanceID)
			} else {
				p.logger.Debug("实例探测仍然失败",
					zap.String("service", serviceName),
					zap.String("instance", instanceID),
					zap.String("address", address))
			}
		}
	}
}

// probe 对单个实例执行一次健康检查，2xx视为成功
func (p *Prober) probe(ctx context.Context, address string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet,
		fmt.Sprintf("http://%s/health", address), nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// sweepRecords 按发现缓存同步健康表，清理消失超过宽限期的实例记录
func (p *Prober) sweepRecords() {
	for serviceName, instanceIDs := range p.registry.CachedServices() {
		p.health.SyncDiscovered(serviceName, instanceIDs, p.grace)
	}
}
