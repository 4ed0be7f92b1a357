package monitor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/aiot-gateway/internal/config"
	"github.com/hewenyu/aiot-gateway/pkg/model"
)

// clientCounter 单个客户端IP的累计计数
type clientCounter struct {
	requests int64
	lastSeen time.Time
}

// subjectCounter 单个认证主体的累计计数
type subjectCounter struct {
	requests       int64
	successes      int64
	totalLatencyMs float64
	lastSeen       time.Time
}

// endpointCounter 单个端点的响应时间统计
type endpointCounter struct {
	count   int64
	minMs   float64
	maxMs   float64
	totalMs float64
}

// ClientStat 客户端IP统计快照
type ClientStat struct {
	Requests int64     `json:"requests"`
	LastSeen time.Time `json:"last_seen"`
}

// SubjectStat 认证主体统计快照
type SubjectStat struct {
	Requests          int64     `json:"requests"`
	Successes         int64     `json:"successes"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	LastSeen          time.Time `json:"last_seen"`
}

// EndpointStat 端点统计快照
type EndpointStat struct {
	Requests          int64   `json:"requests"`
	MinResponseTimeMs float64 `json:"min_response_time_ms"`
	MaxResponseTimeMs float64 `json:"max_response_time_ms"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
}

// StatsSnapshot 累计统计的只读快照，自上次重置以来单调增长
type StatsSnapshot struct {
	TotalRequests   int64                   `json:"total_requests"`
	SuccessRequests int64                   `json:"success_requests"`
	ErrorRequests   int64                   `json:"error_requests"`
	StatusCodes     map[int]int64           `json:"status_codes"`
	Clients         map[string]ClientStat   `json:"clients"`
	Subjects        map[string]SubjectStat  `json:"subjects"`
	Endpoints       map[string]EndpointStat `json:"endpoints"`
	LastResetAt     time.Time               `json:"last_reset_at"`
}

// Collector 记录每个完成的请求，维护累计统计与实时滚动窗口
// Record在请求路径上调用，只做内存更新，不做任何同步I/O
type Collector struct {
	logger config.Logger

	mu          sync.RWMutex
	total       int64
	successes   int64
	errors      int64
	statusCodes map[int]int64
	clients     map[string]*clientCounter
	subjects    map[string]*subjectCounter
	endpoints   map[string]*endpointCounter
	lastResetAt time.Time

	window *realtimeWindow

	// 活跃连接数由健康表提供，避免重复计数
	activeConns func() int64
}

// NewCollector 创建监控收集器
func NewCollector(windowDuration time.Duration, logger config.Logger) *Collector {
	if windowDuration <= 0 {
		windowDuration = time.Minute
	}

	return &Collector{
		logger:      logger,
		statusCodes: make(map[int]int64),
		clients:     make(map[string]*clientCounter),
		subjects:    make(map[string]*subjectCounter),
		endpoints:   make(map[string]*endpointCounter),
		lastResetAt: time.Now(),
		window:      newRealtimeWindow(windowDuration),
		activeConns: func() int64 { return 0 },
	}
}

// SetActiveConnectionsFunc 注入活跃连接数的提供函数
func (c *Collector) SetActiveConnectionsFunc(fn func() int64) {
	if fn != nil {
		c.activeConns = fn
	}
}

// Record 记录一次请求结果
func (c *Collector) Record(outcome model.DispatchOutcome) {
	if outcome.Timestamp.IsZero() {
		outcome.Timestamp = time.Now()
	}

	c.window.add(outcome.Timestamp, outcome.LatencyMs)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	if outcome.Success {
		c.successes++
	} else {
		c.errors++
	}
	c.statusCodes[outcome.StatusCode]++

	if outcome.ClientIP != "" {
		client, ok := c.clients[outcome.ClientIP]
		if !ok {
			client = &clientCounter{}
			c.clients[outcome.ClientIP] = client
		}
		client.requests++
		client.lastSeen = outcome.Timestamp
	}

	if outcome.Subject != "" {
		subject, ok := c.subjects[outcome.Subject]
		if !ok {
			subject = &subjectCounter{}
			c.subjects[outcome.Subject] = subject
		}
		subject.requests++
		if outcome.Success {
			subject.successes++
		}
		subject.totalLatencyMs += outcome.LatencyMs
		subject.lastSeen = outcome.Timestamp
	}

	endpoint := outcome.Endpoint()
	ep, ok := c.endpoints[endpoint]
	if !ok {
		ep = &endpointCounter{minMs: outcome.LatencyMs, maxMs: outcome.LatencyMs}
		c.endpoints[endpoint] = ep
	}
	ep.count++
	ep.totalMs += outcome.LatencyMs
	if outcome.LatencyMs < ep.minMs {
		ep.minMs = outcome.LatencyMs
	}
	if outcome.LatencyMs > ep.maxMs {
		ep.maxMs = outcome.LatencyMs
	}
}

// GetStats 返回累计统计的快照副本
func (c *Collector) GetStats() StatsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := StatsSnapshot{
		TotalRequests:   c.total,
		SuccessRequests: c.successes,
		ErrorRequests:   c.errors,
		StatusCodes:     make(map[int]int64, len(c.statusCodes)),
		Clients:         make(map[string]ClientStat, len(c.clients)),
		Subjects:        make(map[string]SubjectStat, len(c.subjects)),
		Endpoints:       make(map[string]EndpointStat, len(c.endpoints)),
		LastResetAt:     c.lastResetAt,
	}

	for code, count := range c.statusCodes {
		snapshot.StatusCodes[code] = count
	}
	for ip, client := range c.clients {
		snapshot.Clients[ip] = ClientStat{
			Requests: client.requests,
			LastSeen: client.lastSeen,
		}
	}
	for id, subject := range c.subjects {
		stat := SubjectStat{
			Requests:  subject.requests,
			Successes: subject.successes,
			LastSeen:  subject.lastSeen,
		}
		if subject.requests > 0 {
			stat.AvgResponseTimeMs = subject.totalLatencyMs / float64(subject.requests)
		}
		snapshot.Subjects[id] = stat
	}
	for name, ep := range c.endpoints {
		snapshot.Endpoints[name] = EndpointStat{
			Requests:          ep.count,
			MinResponseTimeMs: ep.minMs,
			MaxResponseTimeMs: ep.maxMs,
			AvgResponseTimeMs: ep.totalMs / float64(ep.count),
		}
	}

	return snapshot
}

// Reset 原子清零所有累计统计并返回重置时间
// 实时窗口不受影响，窗口内样本按时间自行过期
func (c *Collector) Reset(actor string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total = 0
	c.successes = 0
	c.errors = 0
	c.statusCodes = make(map[int]int64)
	c.clients = make(map[string]*clientCounter)
	c.subjects = make(map[string]*subjectCounter)
	c.endpoints = make(map[string]*endpointCounter)
	c.lastResetAt = time.Now()

	c.logger.Info("累计统计已重置", zap.String("actor", actor))
	return c.lastResetAt
}
