package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/aiot-gateway/internal/config"
	"github.com/hewenyu/aiot-gateway/pkg/model"
)

// fakeBackend 模拟服务发现后端
type fakeBackend struct {
	mu        sync.Mutex
	instances map[string][]*model.ServiceInstance
	failing   bool
	calls     int
}

func (f *fakeBackend) ListInstances(ctx context.Context, serviceName string) ([]*model.ServiceInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failing {
		return nil, fmt.Errorf("发现后端不可用")
	}
	return f.instances[serviceName], nil
}

func (f *fakeBackend) ListServiceNames(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, fmt.Errorf("发现后端不可用")
	}
	names := make([]string, 0, len(f.instances))
	for name := range f.instances {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeBackend) setFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = failing
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestInstances(service string, count int) []*model.ServiceInstance {
	instances := make([]*model.ServiceInstance, 0, count)
	for i := 0; i < count; i++ {
		instances = append(instances, &model.ServiceInstance{
			ServiceName: service,
			InstanceID:  fmt.Sprintf("%s-%d", service, i),
			IPAddress:   fmt.Sprintf("10.0.0.%d", i+1),
			Port:        8080,
			Weight:      1,
		})
	}
	return instances
}

func TestRegistryGetInstances(t *testing.T) {
	backend := &fakeBackend{
		instances: map[string][]*model.ServiceInstance{
			"drone-service": newTestInstances("drone-service", 3),
		},
	}
	r := NewRegistry(backend, 30*time.Second, config.NewNopLogger())

	instances := r.GetInstances(context.Background(), "drone-service")
	require.Len(t, instances, 3)
	assert.Equal(t, "drone-service-0", instances[0].InstanceID)
}

func TestRegistryCachesWithinTTL(t *testing.T) {
	backend := &fakeBackend{
		instances: map[string][]*model.ServiceInstance{
			"rbac-service": newTestInstances("rbac-service", 2),
		},
	}
	r := NewRegistry(backend, time.Minute, config.NewNopLogger())

	// 第一次访问查询后端，TTL内的后续访问命中缓存
	r.GetInstances(context.Background(), "rbac-service")
	r.GetInstances(context.Background(), "rbac-service")
	r.GetInstances(context.Background(), "rbac-service")
	assert.Equal(t, 1, backend.callCount(), "TTL内应只查询一次后端")
}

func TestRegistryDegradesToStaleCache(t *testing.T) {
	backend := &fakeBackend{
		instances: map[string][]*model.ServiceInstance{
			"drone-service": newTestInstances("drone-service", 2),
		},
	}
	// TTL为0时每次访问都尝试查询后端
	r := NewRegistry(backend, time.Nanosecond, config.NewNopLogger())

	instances := r.GetInstances(context.Background(), "drone-service")
	require.Len(t, instances, 2)

	// 后端故障后返回缓存结果，不返回错误
	backend.setFailing(true)
	time.Sleep(time.Millisecond)
	stale := r.GetInstances(context.Background(), "drone-service")
	assert.Len(t, stale, 2, "后端故障时应返回缓存的实例列表")
}

func TestRegistryStaleRetryCooldown(t *testing.T) {
	backend := &fakeBackend{
		instances: map[string][]*model.ServiceInstance{
			"drone-service": newTestInstances("drone-service", 2),
		},
	}
	// cacheTTL 300ms，故障后的重查冷却为其1/6（50ms）
	r := NewRegistry(backend, 300*time.Millisecond, config.NewNopLogger())

	r.GetInstances(context.Background(), "drone-service")
	require.Equal(t, 1, backend.callCount())

	// 后端故障，失效缓存强制重查并进入降级
	backend.setFailing(true)
	r.Invalidate("drone-service")
	stale := r.GetInstances(context.Background(), "drone-service")
	assert.Len(t, stale, 2)
	require.Equal(t, 2, backend.callCount())

	// 冷却期内的请求直接走缓存，不会逐个等待后端超时
	for i := 0; i < 5; i++ {
		cached := r.GetInstances(context.Background(), "drone-service")
		assert.Len(t, cached, 2)
	}
	assert.Equal(t, 2, backend.callCount(), "冷却期内不应重查后端")

	// 冷却过后重查一次，后端已恢复则缓存转为新鲜
	backend.setFailing(false)
	time.Sleep(80 * time.Millisecond)
	fresh := r.GetInstances(context.Background(), "drone-service")
	assert.Len(t, fresh, 2)
	assert.Equal(t, 3, backend.callCount())
}

func TestRegistryEmptyWhenNeverCached(t *testing.T) {
	backend := &fakeBackend{failing: true}
	r := NewRegistry(backend, time.Minute, config.NewNopLogger())

	// 从未缓存且后端不可用，返回空列表而非错误
	instances := r.GetInstances(context.Background(), "unknown-service")
	assert.Empty(t, instances)
}

func TestRegistryInvalidate(t *testing.T) {
	backend := &fakeBackend{
		instances: map[string][]*model.ServiceInstance{
			"drone-service": newTestInstances("drone-service", 1),
		},
	}
	r := NewRegistry(backend, time.Minute, config.NewNopLogger())

	r.GetInstances(context.Background(), "drone-service")
	require.Equal(t, 1, backend.callCount())

	// 失效后下次访问重新查询后端
	r.Invalidate("drone-service")
	r.GetInstances(context.Background(), "drone-service")
	assert.Equal(t, 2, backend.callCount())
}

func TestRegistryServiceNames(t *testing.T) {
	backend := &fakeBackend{
		instances: map[string][]*model.ServiceInstance{
			"drone-service": newTestInstances("drone-service", 1),
			"rbac-service":  newTestInstances("rbac-service", 1),
		},
	}
	r := NewRegistry(backend, time.Minute, config.NewNopLogger())

	names := r.ServiceNames(context.Background())
	assert.ElementsMatch(t, []string{"drone-service", "rbac-service"}, names)
}

func TestRegistryCachedServices(t *testing.T) {
	backend := &fakeBackend{
		instances: map[string][]*model.ServiceInstance{
			"drone-service": newTestInstances("drone-service", 2),
		},
	}
	r := NewRegistry(backend, time.Minute, config.NewNopLogger())

	r.GetInstances(context.Background(), "drone-service")
	cached := r.CachedServices()
	require.Contains(t, cached, "drone-service")
	assert.ElementsMatch(t, []string{"drone-service-0", "drone-service-1"}, cached["drone-service"])
}
