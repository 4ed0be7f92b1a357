package monitor

import (
	"sort"
	"time"
)

// 端点性能分级阈值（毫秒）
const (
	classExcellentBelowMs = 100
	classGoodBelowMs      = 300
	classPoorBelowMs      = 1000
)

// EndpointPerformance 单个端点的性能报告条目
type EndpointPerformance struct {
	Endpoint          string  `json:"endpoint"`
	Requests          int64   `json:"requests"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	MinResponseTimeMs float64 `json:"min_response_time_ms"`
	MaxResponseTimeMs float64 `json:"max_response_time_ms"`
	Classification    string  `json:"classification"`
}

// classify 按固定阈值划分性能等级
func classify(avgMs float64) string {
	switch {
	case avgMs < classExcellentBelowMs:
		return "excellent"
	case avgMs < classGoodBelowMs:
		return "good"
	case avgMs < classPoorBelowMs:
		return "poor"
	default:
		return "critical"
	}
}

// GetEndpointPerformanceReport 返回按平均响应时间降序的端点性能报告
func (c *Collector) GetEndpointPerformanceReport() []EndpointPerformance {
	c.mu.RLock()
	defer c.mu.RUnlock()

	report := make([]EndpointPerformance, 0, len(c.endpoints))
	for name, ep := range c.endpoints {
		avg := ep.totalMs / float64(ep.count)
		report = append(report, EndpointPerformance{
			Endpoint:          name,
			Requests:          ep.count,
			AvgResponseTimeMs: avg,
			MinResponseTimeMs: ep.minMs,
			MaxResponseTimeMs: ep.maxMs,
			Classification:    classify(avg),
		})
	}

	sort.Slice(report, func(i, j int) bool {
		return report[i].AvgResponseTimeMs > report[j].AvgResponseTimeMs
	})
	return report
}

// TopUser 单个主体的使用报告条目
type TopUser struct {
	Subject           string    `json:"subject"`
	Requests          int64     `json:"requests"`
	SuccessRate       float64   `json:"success_rate"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	LastSeen          time.Time `json:"last_seen"`
}

// GetTopUsersReport 返回请求量最高的前N个主体
func (c *Collector) GetTopUsersReport(limit int) []TopUser {
	if limit <= 0 {
		limit = 10
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	users := make([]TopUser, 0, len(c.subjects))
	for id, subject := range c.subjects {
		user := TopUser{
			Subject:  id,
			Requests: subject.requests,
			LastSeen: subject.lastSeen,
		}
		if subject.requests > 0 {
			user.SuccessRate = float64(subject.successes) / float64(subject.requests)
			user.AvgResponseTimeMs = subject.totalLatencyMs / float64(subject.requests)
		}
		users = append(users, user)
	}

	sort.Slice(users, func(i, j int) bool {
		if users[i].Requests != users[j].Requests {
			return users[i].Requests > users[j].Requests
		}
		return users[i].Subject < users[j].Subject
	})

	if len(users) > limit {
		users = users[:limit]
	}
	return users
}
