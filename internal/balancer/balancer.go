package balancer

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hewenyu/aiot-gateway/internal/config"
	"github.com/hewenyu/aiot-gateway/pkg/model"
)

// Algorithm 负载均衡算法
type Algorithm string

const (
	// AlgorithmRoundRobin 轮询
	AlgorithmRoundRobin Algorithm = "round-robin"
	// AlgorithmWeightedRoundRobin 加权轮询
	AlgorithmWeightedRoundRobin Algorithm = "weighted-round-robin"
	// AlgorithmLeastConnections 最少连接
	AlgorithmLeastConnections Algorithm = "least-connections"
	// AlgorithmRandom 随机
	AlgorithmRandom Algorithm = "random"
	// AlgorithmIPHash 客户端IP哈希，池不变时保证会话亲和
	AlgorithmIPHash Algorithm = "ip-hash"
	// AlgorithmResponseTime 最短响应时间
	AlgorithmResponseTime Algorithm = "response-time"
	// AlgorithmHealthAware 综合健康评分
	AlgorithmHealthAware Algorithm = "health-aware"
)

// ParseAlgorithm 解析算法名称，未知名称返回错误
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case AlgorithmRoundRobin, AlgorithmWeightedRoundRobin, AlgorithmLeastConnections,
		AlgorithmRandom, AlgorithmIPHash, AlgorithmResponseTime, AlgorithmHealthAware:
		return Algorithm(name), nil
	default:
		return "", fmt.Errorf("无效的负载均衡算法: %q", name)
	}
}

// NoHealthyInstanceError 表示服务没有可用的健康实例
type NoHealthyInstanceError struct {
	ServiceName string
}

// Error 实现error接口
func (e *NoHealthyInstanceError) Error() string {
	return fmt.Sprintf("服务 %s 没有可用的健康实例", e.ServiceName)
}

// InstanceLister 定义实例来源接口，由服务注册表实现
type InstanceLister interface {
	GetInstances(ctx context.Context, serviceName string) []*model.ServiceInstance
}

// LoadBalancer 在服务的健康实例中选择目标
// 选择本身不修改健康状态，只有请求结果上报才会
type LoadBalancer struct {
	registry  InstanceLister
	health    *HealthTable
	algorithm Algorithm
	logger    config.Logger

	// 游标按服务独立，原子递增保证并发选择下的分布正确性
	cursorMu   sync.Mutex
	rrCursors  map[string]*uint64
	wrrCursors map[string]*uint64
	tieCursors map[string]*uint64
}

// NewLoadBalancer 创建负载均衡器
func NewLoadBalancer(registry InstanceLister, health *HealthTable, algorithm string, logger config.Logger) (*LoadBalancer, error) {
	parsed, err := ParseAlgorithm(algorithm)
	if err != nil {
		return nil, err
	}

	return &LoadBalancer{
		registry:   registry,
		health:     health,
		algorithm:  parsed,
		logger:     logger,
		rrCursors:  make(map[string]*uint64),
		wrrCursors: make(map[string]*uint64),
		tieCursors: make(map[string]*uint64),
	}, nil
}

// Algorithm 返回当前使用的算法
func (lb *LoadBalancer) Algorithm() Algorithm {
	return lb.algorithm
}

// Health 返回底层健康表
func (lb *LoadBalancer) Health() *HealthTable {
	return lb.health
}

// nextCursor 取出并推进服务的游标值
func (lb *LoadBalancer) nextCursor(cursors map[string]*uint64, serviceName string) uint64 {
	lb.cursorMu.Lock()
	cursor, ok := cursors[serviceName]
	if !ok {
		cursor = new(uint64)
		cursors[serviceName] = cursor
	}
	lb.cursorMu.Unlock()

	return atomic.AddUint64(cursor, 1) - 1
}

// Select 为服务选择一个健康实例
// exclude中的实例ID被排除（重试时跳过已失败的实例）；
// 候选池为空时返回NoHealthyInstanceError
func (lb *LoadBalancer) Select(ctx context.Context, serviceName, clientIP string, exclude map[string]struct{}) (*model.ServiceInstance, error) {
	instances := lb.registry.GetInstances(ctx, serviceName)

	// 过滤出健康且未被排除的候选实例
	pool := make([]*model.ServiceInstance, 0, len(instances))
	for _, instance := range instances {
		if _, skip := exclude[instance.InstanceID]; skip {
			continue
		}
		if !lb.health.IsHealthy(serviceName, instance.InstanceID) {
			continue
		}
		pool = append(pool, instance)
	}

	if len(pool) == 0 {
		return nil, &NoHealthyInstanceError{ServiceName: serviceName}
	}

	// 发现结果来源于map，固定排序保证游标类算法的确定性
	sort.Slice(pool, func(i, j int) bool {
		return pool[i].InstanceID < pool[j].InstanceID
	})

	switch lb.algorithm {
	case AlgorithmRoundRobin:
		return lb.selectRoundRobin(serviceName, pool), nil
	case AlgorithmWeightedRoundRobin:
		return lb.selectWeightedRoundRobin(serviceName, pool), nil
	case AlgorithmLeastConnections:
		return lb.selectLeastConnections(serviceName, pool), nil
	case AlgorithmRandom:
		return pool[rand.Intn(len(pool))], nil
	case AlgorithmIPHash:
		return lb.selectIPHash(clientIP, pool), nil
	case AlgorithmResponseTime:
		return lb.selectResponseTime(serviceName, pool), nil
	case AlgorithmHealthAware:
		return lb.selectHealthAware(serviceName, pool), nil
	default:
		// ParseAlgorithm保证不会到达这里
		return pool[0], nil
	}
}

// selectRoundRobin 按游标轮询
func (lb *LoadBalancer) selectRoundRobin(serviceName string, pool []*model.ServiceInstance) *model.ServiceInstance {
	cursor := lb.nextCursor(lb.rrCursors, serviceName)
	return pool[cursor%uint64(len(pool))]
}

// selectWeightedRoundRobin 按累计权重游标选择
// 连续Σweights次选择中每个实例恰好出现weight次
func (lb *LoadBalancer) selectWeightedRoundRobin(serviceName string, pool []*model.ServiceInstance) *model.ServiceInstance {
	totalWeight := 0
	for _, instance := range pool {
		totalWeight += instance.EffectiveWeight()
	}

	cursor := lb.nextCursor(lb.wrrCursors, serviceName)
	position := int(cursor % uint64(totalWeight))

	for _, instance := range pool {
		position -= instance.EffectiveWeight()
		if position < 0 {
			return instance
		}
	}

	// totalWeight计算保证循环内必然返回
	return pool[len(pool)-1]
}

// selectLeastConnections 选择当前连接数最少的实例，并列时按轮询顺序
func (lb *LoadBalancer) selectLeastConnections(serviceName string, pool []*model.ServiceInstance) *model.ServiceInstance {
	var minima []*model.ServiceInstance
	minConns := int64(-1)

	for _, instance := range pool {
		conns := lb.health.connectionCount(serviceName, instance.InstanceID)
		switch {
		case minConns < 0 || conns < minConns:
			minConns = conns
			minima = minima[:0]
			minima = append(minima, instance)
		case conns == minConns:
			minima = append(minima, instance)
		}
	}

	if len(minima) == 1 {
		return minima[0]
	}
	cursor := lb.nextCursor(lb.tieCursors, serviceName)
	return minima[cursor%uint64(len(minima))]
}

// selectIPHash 客户端IP哈希取模，池大小不变时同一IP固定命中同一实例
func (lb *LoadBalancer) selectIPHash(clientIP string, pool []*model.ServiceInstance) *model.ServiceInstance {
	hasher := fnv.New32a()
	hasher.Write([]byte(clientIP))
	return pool[hasher.Sum32()%uint32(len(pool))]
}

// selectResponseTime 选择响应时间EMA最小的实例
func (lb *LoadBalancer) selectResponseTime(serviceName string, pool []*model.ServiceInstance) *model.ServiceInstance {
	best := pool[0]
	bestTime := lb.health.avgResponseTime(serviceName, best.InstanceID)

	for _, instance := range pool[1:] {
		avgTime := lb.health.avgResponseTime(serviceName, instance.InstanceID)
		if avgTime < bestTime {
			best = instance
			bestTime = avgTime
		}
	}
	return best
}

// selectHealthAware 选择综合负载评分最高的实例
func (lb *LoadBalancer) selectHealthAware(serviceName string, pool []*model.ServiceInstance) *model.ServiceInstance {
	best := pool[0]
	bestScore := lb.health.loadScore(serviceName, best.InstanceID)

	for _, instance := range pool[1:] {
		score := lb.health.loadScore(serviceName, instance.InstanceID)
		if score > bestScore {
			best = instance
			bestScore = score
		}
	}
	return best
}

// SetInstanceHealth 手动覆盖实例健康标志
func (lb *LoadBalancer) SetInstanceHealth(serviceName, instanceID string, healthy bool) {
	lb.health.SetHealthy(serviceName, instanceID, healthy)
}
