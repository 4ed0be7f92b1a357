package balancer

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/aiot-gateway/internal/config"
	"github.com/hewenyu/aiot-gateway/pkg/model"
)

// staticLister 固定实例列表的InstanceLister实现
type staticLister struct {
	instances map[string][]*model.ServiceInstance
}

func (s *staticLister) GetInstances(ctx context.Context, serviceName string) []*model.ServiceInstance {
	return s.instances[serviceName]
}

func makeInstances(service string, weights ...int) []*model.ServiceInstance {
	instances := make([]*model.ServiceInstance, 0, len(weights))
	for i, w := range weights {
		instances = append(instances, &model.ServiceInstance{
			ServiceName: service,
			InstanceID:  fmt.Sprintf("inst-%c", 'a'+i),
			IPAddress:   fmt.Sprintf("10.0.0.%d", i+1),
			Port:        8080,
			Weight:      w,
		})
	}
	return instances
}

func newTestBalancer(t *testing.T, algorithm string, instances map[string][]*model.ServiceInstance) *LoadBalancer {
	t.Helper()
	health := NewHealthTable(5, config.NewNopLogger())
	lb, err := NewLoadBalancer(&staticLister{instances: instances}, health, algorithm, config.NewNopLogger())
	require.NoError(t, err)
	return lb
}

func TestParseAlgorithm(t *testing.T) {
	for _, name := range []string{
		"round-robin", "weighted-round-robin", "least-connections",
		"random", "ip-hash", "response-time", "health-aware",
	} {
		_, err := ParseAlgorithm(name)
		assert.NoError(t, err, "算法 %s 应合法", name)
	}

	_, err := ParseAlgorithm("fastest-first")
	assert.Error(t, err, "未知算法应返回错误")
}

func TestRoundRobinVisitsEachInstanceOnce(t *testing.T) {
	instances := makeInstances("drone-service", 1, 1, 1)
	lb := newTestBalancer(t, "round-robin", map[string][]*model.ServiceInstance{
		"drone-service": instances,
	})

	// N次连续选择应按游标顺序恰好访问每个实例一次
	seen := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		instance, err := lb.Select(context.Background(), "drone-service", "", nil)
		require.NoError(t, err)
		seen = append(seen, instance.InstanceID)
	}
	assert.Equal(t, []string{"inst-a", "inst-b", "inst-c"}, seen)

	// 游标跨调用持续推进
	instance, err := lb.Select(context.Background(), "drone-service", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "inst-a", instance.InstanceID)
}

func TestWeightedRoundRobinDistribution(t *testing.T) {
	// 权重 {a:1, b:1, c:2}，4次选择中c恰好出现2次
	instances := makeInstances("drone-service", 1, 1, 2)
	lb := newTestBalancer(t, "weighted-round-robin", map[string][]*model.ServiceInstance{
		"drone-service": instances,
	})

	counts := make(map[string]int)
	for i := 0; i < 4; i++ {
		instance, err := lb.Select(context.Background(), "drone-service", "", nil)
		require.NoError(t, err)
		counts[instance.InstanceID]++
	}

	assert.Equal(t, map[string]int{"inst-a": 1, "inst-b": 1, "inst-c": 2}, counts)
}

func TestLeastConnectionsPicksMinimum(t *testing.T) {
	instances := makeInstances("drone-service", 1, 1, 1)
	lb := newTestBalancer(t, "least-connections", map[string][]*model.ServiceInstance{
		"drone-service": instances,
	})

	// 连接数 {a:2, b:0, c:1}，必须选中b
	lb.Health().IncConnections("drone-service", "inst-a")
	lb.Health().IncConnections("drone-service", "inst-a")
	lb.Health().IncConnections("drone-service", "inst-c")

	for i := 0; i < 5; i++ {
		instance, err := lb.Select(context.Background(), "drone-service", "", nil)
		require.NoError(t, err)
		assert.Equal(t, "inst-b", instance.InstanceID)
	}
}

func TestIPHashAffinity(t *testing.T) {
	instances := makeInstances("drone-service", 1, 1, 1)
	lb := newTestBalancer(t, "ip-hash", map[string][]*model.ServiceInstance{
		"drone-service": instances,
	})

	// 池不变时同一客户端IP固定命中同一实例
	first, err := lb.Select(context.Background(), "drone-service", "203.0.113.9", nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		instance, err := lb.Select(context.Background(), "drone-service", "203.0.113.9", nil)
		require.NoError(t, err)
		assert.Equal(t, first.InstanceID, instance.InstanceID)
	}
}

func TestResponseTimePicksFastest(t *testing.T) {
	instances := makeInstances("drone-service", 1, 1, 1)
	lb := newTestBalancer(t, "response-time", map[string][]*model.ServiceInstance{
		"drone-service": instances,
	})

	lb.Health().ReportSuccess("drone-service", "inst-a", 200)
	lb.Health().ReportSuccess("drone-service", "inst-b", 50)
	lb.Health().ReportSuccess("drone-service", "inst-c", 120)

	instance, err := lb.Select(context.Background(), "drone-service", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "inst-b", instance.InstanceID)
}

func TestHealthAwarePicksHighestScore(t *testing.T) {
	instances := makeInstances("drone-service", 1, 1, 1)
	lb := newTestBalancer(t, "health-aware", map[string][]*model.ServiceInstance{
		"drone-service": instances,
	})

	// a延迟高、b延迟低、c有失败记录，b的评分应最高
	lb.Health().ReportSuccess("drone-service", "inst-a", 800)
	lb.Health().ReportSuccess("drone-service", "inst-b", 20)
	lb.Health().ReportSuccess("drone-service", "inst-c", 20)
	lb.Health().ReportFailure("drone-service", "inst-c")
	lb.Health().ReportFailure("drone-service", "inst-c")

	instance, err := lb.Select(context.Background(), "drone-service", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "inst-b", instance.InstanceID)
}

func TestHealthAwarePrefersSuccessfulOverErrorProne(t *testing.T) {
	instances := makeInstances("drone-service", 1, 1)
	lb := newTestBalancer(t, "health-aware", map[string][]*model.ServiceInstance{
		"drone-service": instances,
	})

	// a只返回成功，b只返回HTTP错误；b成功率归零后评分应远低于a
	lb.Health().ReportSuccess("drone-service", "inst-a", 20)
	lb.Health().ReportErrorResponse("drone-service", "inst-b", 20)

	for i := 0; i < 10; i++ {
		instance, err := lb.Select(context.Background(), "drone-service", "", nil)
		require.NoError(t, err)
		assert.Equal(t, "inst-a", instance.InstanceID)
	}
}

func TestFailureThresholdExcludesInstance(t *testing.T) {
	instances := makeInstances("drone-service", 1, 1, 1)
	health := NewHealthTable(3, config.NewNopLogger())
	lister := &staticLister{instances: map[string][]*model.ServiceInstance{
		"drone-service": instances,
	}}

	// 阈值为3，连续3次失败后实例a从所有算法的候选池中消失
	health.ReportFailure("drone-service", "inst-a")
	health.ReportFailure("drone-service", "inst-a")
	assert.True(t, health.IsHealthy("drone-service", "inst-a"), "低于阈值时应仍为健康")
	health.ReportFailure("drone-service", "inst-a")
	assert.False(t, health.IsHealthy("drone-service", "inst-a"))

	for _, algorithm := range []string{
		"round-robin", "weighted-round-robin", "least-connections",
		"random", "ip-hash", "response-time", "health-aware",
	} {
		lb, err := NewLoadBalancer(lister, health, algorithm, config.NewNopLogger())
		require.NoError(t, err)
		for i := 0; i < 10; i++ {
			instance, err := lb.Select(context.Background(), "drone-service", "198.51.100.7", nil)
			require.NoError(t, err)
			assert.NotEqual(t, "inst-a", instance.InstanceID,
				"算法 %s 不应选中不健康实例", algorithm)
		}
	}

	// 手动覆盖后实例恢复参与选择
	health.SetHealthy("drone-service", "inst-a", true)
	assert.True(t, health.IsHealthy("drone-service", "inst-a"))
}

func TestRegularSuccessDoesNotRestoreHealth(t *testing.T) {
	health := NewHealthTable(2, config.NewNopLogger())

	health.ReportFailure("drone-service", "inst-a")
	health.ReportFailure("drone-service", "inst-a")
	require.False(t, health.IsHealthy("drone-service", "inst-a"))

	// 普通请求成功重置失败计数，但不恢复健康标志
	health.ReportSuccess("drone-service", "inst-a", 10)
	assert.False(t, health.IsHealthy("drone-service", "inst-a"), "普通成功不应自动恢复健康")

	// 探测成功才恢复
	health.ReportProbeSuccess("drone-service", "inst-a")
	assert.True(t, health.IsHealthy("drone-service", "inst-a"))
}

func TestNoHealthyInstanceError(t *testing.T) {
	instances := makeInstances("drone-service", 1, 1)
	health := NewHealthTable(1, config.NewNopLogger())
	lister := &staticLister{instances: map[string][]*model.ServiceInstance{
		"drone-service": instances,
	}}
	lb, err := NewLoadBalancer(lister, health, "round-robin", config.NewNopLogger())
	require.NoError(t, err)

	// 全部实例不健康时返回NoHealthyInstanceError而非panic
	health.ReportFailure("drone-service", "inst-a")
	health.ReportFailure("drone-service", "inst-b")

	_, err = lb.Select(context.Background(), "drone-service", "", nil)
	require.Error(t, err)
	var noHealthy *NoHealthyInstanceError
	require.ErrorAs(t, err, &noHealthy)
	assert.Equal(t, "drone-service", noHealthy.ServiceName)

	// 不存在的服务同样返回NoHealthyInstanceError
	_, err = lb.Select(context.Background(), "ghost-service", "", nil)
	require.ErrorAs(t, err, &noHealthy)
}

func TestSelectRespectsExclusion(t *testing.T) {
	instances := makeInstances("drone-service", 1, 1)
	lb := newTestBalancer(t, "round-robin", map[string][]*model.ServiceInstance{
		"drone-service": instances,
	})

	exclude := map[string]struct{}{"inst-a": {}}
	for i := 0; i < 4; i++ {
		instance, err := lb.Select(context.Background(), "drone-service", "", exclude)
		require.NoError(t, err)
		assert.Equal(t, "inst-b", instance.InstanceID)
	}
}

func TestConcurrentHealthAwareNeverSelectsUnhealthy(t *testing.T) {
	instances := makeInstances("drone-service", 1, 1, 1)
	health := NewHealthTable(1, config.NewNopLogger())
	lister := &staticLister{instances: map[string][]*model.ServiceInstance{
		"drone-service": instances,
	}}
	lb, err := NewLoadBalancer(lister, health, "health-aware", config.NewNopLogger())
	require.NoError(t, err)

	// 实例b不健康，100个并发选择都不应命中它
	health.ReportFailure("drone-service", "inst-b")
	require.False(t, health.IsHealthy("drone-service", "inst-b"))

	var wg sync.WaitGroup
	selected := make(chan string, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			instance, err := lb.Select(context.Background(), "drone-service", "", nil)
			if err == nil {
				selected <- instance.InstanceID
			}
		}()
	}
	wg.Wait()
	close(selected)

	count := 0
	for id := range selected {
		count++
		assert.NotEqual(t, "inst-b", id, "并发选择不应命中不健康实例")
	}
	assert.Equal(t, 100, count)
}

func TestConcurrentRoundRobinDistribution(t *testing.T) {
	instances := makeInstances("drone-service", 1, 1, 1, 1)
	lb := newTestBalancer(t, "round-robin", map[string][]*model.ServiceInstance{
		"drone-service": instances,
	})

	// 100次并发选择，游标原子推进，总分布不偏离轮询保证
	// 断言只在主goroutine执行，子goroutine仅收集结果
	var wg sync.WaitGroup
	selected := make(chan string, 100)
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			instance, err := lb.Select(context.Background(), "drone-service", "", nil)
			if err != nil {
				errs <- err
				return
			}
			selected <- instance.InstanceID
		}()
	}
	wg.Wait()
	close(selected)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	total := 0
	counts := make(map[string]int)
	for id := range selected {
		total++
		counts[id]++
	}
	require.Equal(t, 100, total)
	for id, count := range counts {
		assert.Equal(t, 25, count, "实例 %s 的选择次数应均匀", id)
	}
}
