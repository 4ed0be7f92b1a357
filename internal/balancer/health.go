package balancer

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/aiot-gateway/internal/config"
	"github.com/hewenyu/aiot-gateway/pkg/model"
)

// 响应时间指数移动平均的平滑系数
const emaAlpha = 0.2

// instanceHealth 单个实例的运行时健康记录
type instanceHealth struct {
	healthy             bool
	currentConnections  int64
	avgResponseTimeMs   float64
	totalRequests       int64
	successfulRequests  int64
	consecutiveFailures int64
	lastHealthCheckAt   time.Time
	lastDiscoveredAt    time.Time
	loadScore           float64
}

// successRate 成功率，无流量的实例按完全成功计
func (h *instanceHealth) successRate() float64 {
	if h.totalRequests == 0 {
		return 1.0
	}
	return float64(h.successfulRequests) / float64(h.totalRequests)
}

// updateScore 重新计算综合负载评分
// 公式: successRate*100 - avgResponseTimeMs*0.1 - currentConnections*2 - consecutiveFailures*15
// 下限为0；成功率越高分越高，延迟、连接数、连续失败越多分越低
func (h *instanceHealth) updateScore() {
	score := h.successRate()*100 -
		h.avgResponseTimeMs*0.1 -
		float64(h.currentConnections)*2 -
		float64(h.consecutiveFailures)*15
	if score < 0 {
		score = 0
	}
	h.loadScore = score
}

// HealthTable 维护每个(服务,实例)的健康记录
// 所有修改都通过本类型的方法进行，对外只返回快照副本
type HealthTable struct {
	mu               sync.RWMutex
	records          map[string]map[string]*instanceHealth
	failureThreshold int64
	logger           config.Logger
}

// NewHealthTable 创建实例健康表
func NewHealthTable(failureThreshold int, logger config.Logger) *HealthTable {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}

	return &HealthTable{
		records:          make(map[string]map[string]*instanceHealth),
		failureThreshold: int64(failureThreshold),
		logger:           logger,
	}
}

// ensureLocked 获取或创建健康记录，调用方必须持有写锁
func (t *HealthTable) ensureLocked(serviceName, instanceID string) *instanceHealth {
	service, ok := t.records[serviceName]
	if !ok {
		service = make(map[string]*instanceHealth)
		t.records[serviceName] = service
	}

	record, ok := service[instanceID]
	if !ok {
		// 新发现的实例在第一次失败前默认为健康
		record = &instanceHealth{
			healthy:          true,
			lastDiscoveredAt: time.Now(),
		}
		record.updateScore()
		service[instanceID] = record
	}
	return record
}

// IsHealthy 查询实例健康标志，未知实例默认为健康
func (t *HealthTable) IsHealthy(serviceName, instanceID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if service, ok := t.records[serviceName]; ok {
		if record, ok := service[instanceID]; ok {
			return record.healthy
		}
	}
	return true
}

// ReportSuccess 记录一次成功的请求结果
// 重置连续失败计数并更新响应时间EMA；不会自动恢复健康标志，
// 恢复只能通过探测成功或手动覆盖，避免实例状态抖动
func (t *HealthTable) ReportSuccess(serviceName, instanceID string, latencyMs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record := t.ensureLocked(serviceName, instanceID)
	record.totalRequests++
	record.successfulRequests++
	record.consecutiveFailures = 0

	if record.avgResponseTimeMs == 0 {
		record.avgResponseTimeMs = latencyMs
	} else {
		record.avgResponseTimeMs = emaAlpha*latencyMs + (1-emaAlpha)*record.avgResponseTimeMs
	}

	record.updateScore()
}

// ReportErrorResponse 记录一次收到HTTP错误响应(>=400)的请求结果
// 实例在传输层仍然可达，重置连续失败计数并更新响应时间EMA，
// 但请求计入失败，拉低成功率与综合评分，与监控统计保持同一口径
func (t *HealthTable) ReportErrorResponse(serviceName, instanceID string, latencyMs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record := t.ensureLocked(serviceName, instanceID)
	record.totalRequests++
	record.consecutiveFailures = 0

	if record.avgResponseTimeMs == 0 {
		record.avgResponseTimeMs = latencyMs
	} else {
		record.avgResponseTimeMs = emaAlpha*latencyMs + (1-emaAlpha)*record.avgResponseTimeMs
	}

	record.updateScore()
}

// ReportFailure 记录一次失败的请求结果
// 连续失败达到阈值时将实例标记为不健康
func (t *HealthTable) ReportFailure(serviceName, instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record := t.ensureLocked(serviceName, instanceID)
	record.totalRequests++
	record.consecutiveFailures++

	if record.healthy && record.consecutiveFailures >= t.failureThreshold {
		record.healthy = false
		t.logger.Warn("实例连续失败达到阈值，标记为不健康",
			zap.String("service", serviceName),
			zap.String("instance", instanceID),
			zap.Int64("consecutive_failures", record.consecutiveFailures))
	}

	record.updateScore()
}

// ReportProbeSuccess 记录一次健康探测成功，恢复实例健康标志
func (t *HealthTable) ReportProbeSuccess(serviceName, instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record := t.ensureLocked(serviceName, instanceID)
	if !record.healthy {
		t.logger.Info("实例探测成功，恢复健康",
			zap.String("service", serviceName),
			zap.String("instance", instanceID))
	}
	record.healthy = true
	record.consecutiveFailures = 0
	record.lastHealthCheckAt = time.Now()
	record.updateScore()
}

// SetHealthy 手动覆盖实例健康标志
// 置为健康时同时重置连续失败计数，绕过自动恢复规则
func (t *HealthTable) SetHealthy(serviceName, instanceID string, healthy bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record := t.ensureLocked(serviceName, instanceID)
	record.healthy = healthy
	if healthy {
		record.consecutiveFailures = 0
	}
	record.lastHealthCheckAt = time.Now()
	record.updateScore()

	t.logger.Info("手动设置实例健康状态",
		zap.String("service", serviceName),
		zap.String("instance", instanceID),
		zap.Bool("healthy", healthy))
}

// IncConnections 增加实例当前连接数
func (t *HealthTable) IncConnections(serviceName, instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record := t.ensureLocked(serviceName, instanceID)
	record.currentConnections++
	record.updateScore()
}

// DecConnections 减少实例当前连接数，不会低于0
func (t *HealthTable) DecConnections(serviceName, instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record := t.ensureLocked(serviceName, instanceID)
	if record.currentConnections > 0 {
		record.currentConnections--
	}
	record.updateScore()
}

// connectionCount 查询实例当前连接数
func (t *HealthTable) connectionCount(serviceName, instanceID string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if service, ok := t.records[serviceName]; ok {
		if record, ok := service[instanceID]; ok {
			return record.currentConnections
		}
	}
	return 0
}

// avgResponseTime 查询实例响应时间EMA
func (t *HealthTable) avgResponseTime(serviceName, instanceID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if service, ok := t.records[serviceName]; ok {
		if record, ok := service[instanceID]; ok {
			return record.avgResponseTimeMs
		}
	}
	return 0
}

// loadScore 查询实例综合负载评分，未知实例返回满分
func (t *HealthTable) loadScore(serviceName, instanceID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if service, ok := t.records[serviceName]; ok {
		if record, ok := service[instanceID]; ok {
			return record.loadScore
		}
	}
	return 100
}

// ActiveConnections 所有实例的当前连接数总和
func (t *HealthTable) ActiveConnections() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total int64
	for _, service := range t.records {
		for _, record := range service {
			total += record.currentConnections
		}
	}
	return total
}

// Snapshot 返回服务所有实例健康状态的只读快照
func (t *HealthTable) Snapshot(serviceName string, instances []*model.ServiceInstance) []model.InstanceHealthSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snapshots := make([]model.InstanceHealthSnapshot, 0, len(instances))
	for _, instance := range instances {
		snapshot := model.InstanceHealthSnapshot{
			InstanceID:  instance.InstanceID,
			Address:     instance.Address(),
			Weight:      instance.EffectiveWeight(),
			Healthy:     true,
			SuccessRate: 1.0,
			LoadScore:   100,
		}

		if service, ok := t.records[serviceName]; ok {
			if record, ok := service[instance.InstanceID]; ok {
				snapshot.Healthy = record.healthy
				snapshot.CurrentConnections = record.currentConnections
				snapshot.AvgResponseTimeMs = record.avgResponseTimeMs
				snapshot.TotalRequests = record.totalRequests
				snapshot.SuccessfulRequests = record.successfulRequests
				snapshot.SuccessRate = record.successRate()
				snapshot.ConsecutiveFailures = record.consecutiveFailures
				snapshot.LoadScore = record.loadScore
				snapshot.LastHealthCheckAt = record.lastHealthCheckAt
			}
		}

		snapshots = append(snapshots, snapshot)
	}
	return snapshots
}

// HealthyCount 统计服务的健康实例数
func (t *HealthTable) HealthyCount(serviceName string, instances []*model.ServiceInstance) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for _, instance := range instances {
		healthy := true
		if service, ok := t.records[serviceName]; ok {
			if record, ok := service[instance.InstanceID]; ok {
				healthy = record.healthy
			}
		}
		if healthy {
			count++
		}
	}
	return count
}

// UnhealthyInstances 返回当前标记为不健康的实例，按服务分组，供探测任务使用
func (t *HealthTable) UnhealthyInstances() map[string][]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string][]string)
	for serviceName, service := range t.records {
		for instanceID, record := range service {
			if !record.healthy {
				result[serviceName] = append(result[serviceName], instanceID)
			}
		}
	}
	return result
}

// SyncDiscovered 同步服务发现结果
// 刷新仍然存在的实例的发现时间，清理从发现中消失超过宽限期的记录
func (t *HealthTable) SyncDiscovered(serviceName string, instanceIDs []string, grace time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	present := make(map[string]struct{}, len(instanceIDs))
	for _, id := range instanceIDs {
		present[id] = struct{}{}
	}

	service, ok := t.records[serviceName]
	if !ok {
		return
	}

	now := time.Now()
	for instanceID, record := range service {
		if _, ok := present[instanceID]; ok {
			record.lastDiscoveredAt = now
			continue
		}
		if now.Sub(record.lastDiscoveredAt) > grace {
			delete(service, instanceID)
			t.logger.Info("清理已从发现消失的实例记录",
				zap.String("service", serviceName),
				zap.String("instance", instanceID))
		}
	}
}
