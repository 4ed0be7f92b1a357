package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/hewenyu/aiot-gateway/internal/config"
	"github.com/hewenyu/aiot-gateway/pkg/model"
)

// etcd操作的超时时间
const etcdTimeout = 5 * time.Second

// 服务实例在etcd中的键前缀，键格式: /services/{serviceName}/{instanceID}
const servicePrefix = "/services/"

// EtcdBackend 基于etcd的服务发现后端
type EtcdBackend struct {
	client *clientv3.Client
	cfg    *config.Config
	logger config.Logger
}

// NewEtcdBackend 创建etcd服务发现后端
func NewEtcdBackend(cfg *config.Config, logger config.Logger) *EtcdBackend {
	return &EtcdBackend{
		cfg:    cfg,
		logger: logger,
	}
}

// Connect 连接到etcd集群
func (e *EtcdBackend) Connect() error {
	var err error
	e.logger.Info("连接到etcd集群", zap.Strings("endpoints", e.cfg.Etcd.Endpoints))

	e.client, err = clientv3.New(clientv3.Config{
		Endpoints:   e.cfg.Etcd.Endpoints,
		DialTimeout: 5 * time.Second,
		Username:    e.cfg.Etcd.Username,
		Password:    e.cfg.Etcd.Password,
	})

	if err != nil {
		e.logger.Error("连接etcd失败", zap.Error(err))
		return fmt.Errorf("连接etcd失败: %w", err)
	}

	return nil
}

// Close 关闭连接
func (e *EtcdBackend) Close() error {
	if e.client != nil {
		e.logger.Info("关闭etcd连接")
		return e.client.Close()
	}
	return nil
}

// Ping 检查etcd集群状态
func (e *EtcdBackend) Ping(ctx context.Context) error {
	if e.client == nil {
		return fmt.Errorf("etcd客户端未连接")
	}

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	_, err := e.client.Status(ctx, e.cfg.Etcd.Endpoints[0])
	if err != nil {
		e.logger.Error("etcd健康检查失败", zap.Error(err))
		return fmt.Errorf("etcd健康检查失败: %w", err)
	}

	return nil
}

// getServiceKey 生成服务实例前缀键
func getServiceKey(serviceName string) string {
	return servicePrefix + serviceName + "/"
}

// ListInstances 获取指定服务的所有实例
func (e *EtcdBackend) ListInstances(ctx context.Context, serviceName string) ([]*model.ServiceInstance, error) {
	if e.client == nil {
		return nil, fmt.Errorf("etcd客户端未连接")
	}

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	resp, err := e.client.Get(ctx, getServiceKey(serviceName), clientv3.WithPrefix())
	if err != nil {
		e.logger.Error("从etcd获取服务实例失败",
			zap.String("service", serviceName),
			zap.Error(err))
		return nil, fmt.Errorf("从etcd获取服务实例失败: %w", err)
	}

	instances := make([]*model.ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance model.ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			e.logger.Warn("解析服务实例失败，跳过",
				zap.String("key", string(kv.Key)),
				zap.Error(err))
			continue
		}

		// 注册数据缺失时从key补齐身份信息
		if instance.ServiceName == "" {
			instance.ServiceName = serviceName
		}
		if instance.InstanceID == "" {
			parts := strings.Split(string(kv.Key), "/")
			instance.InstanceID = parts[len(parts)-1]
		}

		instances = append(instances, &instance)
	}

	return instances, nil
}

// ListServiceNames 获取所有已注册服务的名称列表
func (e *EtcdBackend) ListServiceNames(ctx context.Context) ([]string, error) {
	if e.client == nil {
		return nil, fmt.Errorf("etcd客户端未连接")
	}

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	resp, err := e.client.Get(ctx, servicePrefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		e.logger.Error("获取服务名称列表失败", zap.Error(err))
		return nil, fmt.Errorf("获取服务名称列表失败: %w", err)
	}

	// 服务名集合，用于去重
	nameSet := make(map[string]struct{})
	for _, kv := range resp.Kvs {
		// key格式: /services/{serviceName}/{instanceID}
		parts := strings.Split(string(kv.Key), "/")
		if len(parts) >= 4 {
			nameSet[parts[2]] = struct{}{}
		}
	}

	names := make([]string, 0, len(nameSet))
	for name := range nameSet {
		names = append(names, name)
	}

	return names, nil
}

// Watch 监听服务实例变化，每次变化回调受影响的服务名
func (e *EtcdBackend) Watch(ctx context.Context, onChange func(serviceName string)) error {
	if e.client == nil {
		return fmt.Errorf("etcd客户端未连接")
	}

	e.logger.Info("开始监听服务实例变化", zap.String("prefix", servicePrefix))

	watchChan := e.client.Watch(ctx, servicePrefix, clientv3.WithPrefix())

	// 在后台协程中处理监听事件
	go func() {
		for watchResp := range watchChan {
			if watchResp.Canceled {
				e.logger.Warn("etcd监听被取消", zap.Error(watchResp.Err()))
				return
			}

			for _, event := range watchResp.Events {
				// key格式: /services/{serviceName}/{instanceID}
				parts := strings.Split(string(event.Kv.Key), "/")
				if len(parts) < 4 {
					continue
				}
				serviceName := parts[2]

				e.logger.Debug("服务实例发生变化",
					zap.String("service", serviceName),
					zap.String("key", string(event.Kv.Key)),
					zap.String("type", event.Type.String()))

				onChange(serviceName)
			}
		}
	}()

	return nil
}
