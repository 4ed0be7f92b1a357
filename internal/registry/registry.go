package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/aiot-gateway/internal/config"
	"github.com/hewenyu/aiot-gateway/pkg/model"
)

// Backend 定义服务发现后端接口
type Backend interface {
	// ListInstances 获取指定服务的所有实例
	ListInstances(ctx context.Context, serviceName string) ([]*model.ServiceInstance, error)

	// ListServiceNames 获取所有已注册服务的名称列表
	ListServiceNames(ctx context.Context) ([]string, error)
}

// Watcher 可选接口，后端支持变更推送时注册缓存失效回调
type Watcher interface {
	Watch(ctx context.Context, onChange func(serviceName string)) error
}

// cacheEntry 单个服务的实例缓存
type cacheEntry struct {
	instances []*model.ServiceInstance
	fetchedAt time.Time
	stale     bool
}

// Registry 包装服务发现后端，维护短期缓存
// 发现后端故障时降级返回缓存结果，可用性优先于新鲜度
type Registry struct {
	backend  Backend
	logger   config.Logger
	cacheTTL time.Duration

	// 后端故障后重查前的冷却时间，故障期间请求直接走缓存，
	// 避免每个请求都排队等待后端超时
	staleCooldown time.Duration

	mu      sync.RWMutex
	cache   map[string]*cacheEntry
	names   []string
	namesAt time.Time
}

// NewRegistry 创建服务注册表
func NewRegistry(backend Backend, cacheTTL time.Duration, logger config.Logger) *Registry {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}

	cooldown := cacheTTL / 6
	if cooldown > 5*time.Second {
		cooldown = 5 * time.Second
	}

	return &Registry{
		backend:       backend,
		logger:        logger,
		cacheTTL:      cacheTTL,
		staleCooldown: cooldown,
		cache:         make(map[string]*cacheEntry),
	}
}

// GetInstances 获取指定服务的当前实例列表
// 缓存未过期时直接返回缓存；后端故障时返回最后一次成功的结果并记录日志，
// 从未缓存过的服务返回空列表，由调用方按无健康实例处理
func (r *Registry) GetInstances(ctx context.Context, serviceName string) []*model.ServiceInstance {
	r.mu.RLock()
	entry, ok := r.cache[serviceName]
	if ok {
		// 过期缓存按冷却时间短路重查，新鲜缓存按TTL
		maxAge := r.cacheTTL
		if entry.stale {
			maxAge = r.staleCooldown
		}
		if time.Since(entry.fetchedAt) < maxAge {
			instances := entry.instances
			r.mu.RUnlock()
			return instances
		}
	}
	r.mu.RUnlock()

	instances, err := r.backend.ListInstances(ctx, serviceName)
	if err != nil {
		// 发现后端不可用，降级到缓存，不向调用方暴露错误
		r.mu.Lock()
		defer r.mu.Unlock()
		if entry, ok := r.cache[serviceName]; ok {
			entry.stale = true
			entry.fetchedAt = time.Now()
			r.logger.Warn("服务发现后端不可用，使用过期缓存",
				zap.String("service", serviceName),
				zap.Int("cached_instances", len(entry.instances)),
				zap.Error(err))
			return entry.instances
		}
		r.logger.Warn("服务发现后端不可用且无缓存",
			zap.String("service", serviceName),
			zap.Error(err))
		return nil
	}

	r.mu.Lock()
	r.cache[serviceName] = &cacheEntry{
		instances: instances,
		fetchedAt: time.Now(),
	}
	r.mu.Unlock()

	return instances
}

// Invalidate 使指定服务的缓存失效，下次访问时重新查询后端
func (r *Registry) Invalidate(serviceName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.cache[serviceName]; ok {
		entry.fetchedAt = time.Time{}
	}
}

// ServiceNames 获取所有已知服务名称
// 后端查询失败时合并返回缓存中出现过的服务名
func (r *Registry) ServiceNames(ctx context.Context) []string {
	r.mu.RLock()
	if len(r.names) > 0 && time.Since(r.namesAt) < r.cacheTTL {
		names := r.names
		r.mu.RUnlock()
		return names
	}
	r.mu.RUnlock()

	names, err := r.backend.ListServiceNames(ctx)
	if err != nil {
		r.logger.Warn("获取服务名称列表失败，使用缓存", zap.Error(err))
		names = nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// 合并缓存中的服务名，保证降级时仍能看到已知服务
	nameSet := make(map[string]struct{}, len(names)+len(r.cache))
	for _, name := range names {
		nameSet[name] = struct{}{}
	}
	for name := range r.cache {
		nameSet[name] = struct{}{}
	}

	merged := make([]string, 0, len(nameSet))
	for name := range nameSet {
		merged = append(merged, name)
	}

	if err == nil {
		r.names = merged
		r.namesAt = time.Now()
	}

	return merged
}

// CachedServices 返回当前缓存的服务到实例ID集合的映射，供健康表清理使用
func (r *Registry) CachedServices() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string][]string, len(r.cache))
	for name, entry := range r.cache {
		ids := make([]string, 0, len(entry.instances))
		for _, instance := range entry.instances {
			ids = append(ids, instance.InstanceID)
		}
		result[name] = ids
	}
	return result
}

// Run 启动后台缓存维护：后端支持监听时注册缓存失效回调，
// 同时周期性刷新已缓存服务，保证发现数据在无请求时也不过度陈旧
func (r *Registry) Run(ctx context.Context) {
	if watcher, ok := r.backend.(Watcher); ok {
		if err := watcher.Watch(ctx, r.Invalidate); err != nil {
			r.logger.Warn("注册服务变更监听失败，仅依赖周期刷新", zap.Error(err))
		}
	}

	ticker := time.NewTicker(r.cacheTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshAll(ctx)
		}
	}
}

// refreshAll 刷新所有已缓存服务的实例列表
func (r *Registry) refreshAll(ctx context.Context) {
	r.mu.RLock()
	names := make([]string, 0, len(r.cache))
	for name := range r.cache {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		instances, err := r.backend.ListInstances(ctx, name)
		if err != nil {
			r.logger.Warn("周期刷新服务实例失败",
				zap.String("service", name),
				zap.Error(err))
			continue
		}

		r.mu.Lock()
		r.cache[name] = &cacheEntry{
			instances: instances,
			fetchedAt: time.Now(),
		}
		r.mu.Unlock()
	}
}
