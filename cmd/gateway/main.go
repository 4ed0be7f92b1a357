package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/aiot-gateway/internal/balancer"
	"github.com/hewenyu/aiot-gateway/internal/config"
	"github.com/hewenyu/aiot-gateway/internal/executor"
	"github.com/hewenyu/aiot-gateway/internal/gateway"
	"github.com/hewenyu/aiot-gateway/internal/monitor"
	"github.com/hewenyu/aiot-gateway/internal/ratelimit"
	"github.com/hewenyu/aiot-gateway/internal/registry"
)

var (
	logger     config.Logger
	configFile string
	appConfig  *config.Config
)

func init() {
	// 解析命令行参数
	flag.StringVar(&configFile, "config", "", "配置文件路径")
}

func main() {
	flag.Parse()

	// 加载配置
	var err error
	appConfig, err = config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger, err = config.NewLogger(appConfig.Log.Level, appConfig.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	// 打印启动信息
	logger.Info("AIOT Gateway Starting...",
		zap.String("version", "0.1.0"),
		zap.String("discovery_backend", appConfig.Discovery.Backend),
		zap.String("balancer_algorithm", appConfig.Balancer.Algorithm),
		zap.Int("gateway_port", appConfig.Server.Port),
		zap.Bool("ratelimit_enabled", appConfig.RateLimit.Enabled),
	)

	// 后台任务统一由该上下文控制生命周期
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化服务发现后端
	var backend registry.Backend
	switch appConfig.Discovery.Backend {
	case "dns":
		backend = registry.NewDNSBackend(appConfig.Discovery.DNSServer, logger)
		logger.Info("使用DNS服务发现后端", zap.String("dns_server", appConfig.Discovery.DNSServer))
	default:
		etcdBackend := registry.NewEtcdBackend(appConfig, logger)
		if err := etcdBackend.Connect(); err != nil {
			logger.Error("连接etcd失败", zap.Error(err))
			os.Exit(1)
		}
		defer etcdBackend.Close()

		// 检查etcd连接状态
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := etcdBackend.Ping(pingCtx); err != nil {
			pingCancel()
			logger.Error("etcd健康检查失败", zap.Error(err))
			os.Exit(1)
		}
		pingCancel()
		logger.Info("etcd连接成功并通过健康检查",
			zap.Any("endpoints", appConfig.Etcd.Endpoints))
		backend = etcdBackend
	}

	// 组装流量管理核心
	reg := registry.NewRegistry(backend,
		time.Duration(appConfig.Discovery.CacheTTLSeconds)*time.Second, logger)
	health := balancer.NewHealthTable(appConfig.Balancer.FailureThreshold, logger)
	lb, err := balancer.NewLoadBalancer(reg, health, appConfig.Balancer.Algorithm, logger)
	if err != nil {
		logger.Error("初始化负载均衡器失败", zap.Error(err))
		os.Exit(1)
	}

	var limiter *ratelimit.Limiter
	if appConfig.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(appConfig.RateLimit.Limit,
			time.Duration(appConfig.RateLimit.WindowMs)*time.Millisecond, logger)
	}

	collector := monitor.NewCollector(
		time.Duration(appConfig.Monitor.WindowSeconds)*time.Second, logger)
	collector.SetActiveConnectionsFunc(health.ActiveConnections)

	exec := executor.NewExecutor(lb, collector,
		time.Duration(appConfig.Executor.TimeoutMs)*time.Millisecond,
		appConfig.Executor.MaxAttempts, logger)

	prober := executor.NewProber(health, reg,
		time.Duration(appConfig.Balancer.ProbeIntervalSeconds)*time.Second,
		time.Duration(appConfig.Discovery.GraceSeconds)*time.Second, logger)

	// 启动后台任务：发现刷新、限流清理、不健康实例探测
	go reg.Run(ctx)
	if limiter != nil {
		go limiter.Run(ctx)
	}
	go prober.Run(ctx)

	// 启动网关HTTP服务
	server := gateway.NewServer(appConfig, logger, reg, lb, limiter, exec, collector)
	if err := server.Start(); err != nil {
		logger.Error("启动网关服务失败", zap.Error(err))
		os.Exit(1)
	}

	// 等待信号以优雅关闭
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("接收到关闭信号，正在优雅关闭...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("网关服务关闭失败", zap.Error(err))
	}
	logger.Info("网关已退出")
}
