package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/hewenyu/aiot-gateway/internal/balancer"
	"github.com/hewenyu/aiot-gateway/internal/config"
	"github.com/hewenyu/aiot-gateway/internal/executor"
	"github.com/hewenyu/aiot-gateway/internal/gateway/handler"
	"github.com/hewenyu/aiot-gateway/internal/monitor"
	"github.com/hewenyu/aiot-gateway/internal/ratelimit"
	"github.com/hewenyu/aiot-gateway/internal/registry"
)

// CustomValidator echo请求体校验器
type CustomValidator struct {
	validator *validator.Validate
}

// Validate 实现echo.Validator接口
func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}

// Server 网关HTTP服务
type Server struct {
	e      *echo.Echo
	cfg    *config.Config
	logger config.Logger
}

// NewServer 创建网关服务并注册全部路由
func NewServer(
	cfg *config.Config,
	logger config.Logger,
	reg *registry.Registry,
	lb *balancer.LoadBalancer,
	limiter *ratelimit.Limiter,
	exec *executor.Executor,
	collector *monitor.Collector,
) *Server {
	e := echo.New()
	e.HideBanner = true

	// 添加中间件
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, "X-Subject-Id"},
	}))
	e.Use(requestIDMiddleware())
	e.Validator = &CustomValidator{validator: validator.New()}

	// 创建处理器
	gatewayHandler := handler.NewGatewayHandler(reg, lb)
	monitoringHandler := handler.NewMonitoringHandler(collector,
		time.Duration(cfg.Monitor.StreamIntervalSeconds)*time.Second, logger)
	proxyHandler := handler.NewProxyHandler(limiter, exec, collector, logger)
	healthHandler := handler.NewHealthHandler()

	// 管理路由
	gw := e.Group("/gateway")
	gw.GET("/health", healthHandler.HealthCheck)
	gw.GET("/status", gatewayHandler.Status)
	gw.GET("/loadbalancer", gatewayHandler.ListAllInstances)
	gw.GET("/loadbalancer/:serviceName", gatewayHandler.ListInstances)
	gw.POST("/loadbalancer/:serviceName/:instanceId/health", gatewayHandler.SetInstanceHealth)
	gw.GET("/monitoring/stats", monitoringHandler.Stats)
	gw.GET("/monitoring/realtime", monitoringHandler.Realtime)
	gw.POST("/monitoring/reset", monitoringHandler.Reset)

	// 代理路由
	e.Any("/api/:serviceName/*", proxyHandler.Handle)

	return &Server{
		e:      e,
		cfg:    cfg,
		logger: logger,
	}
}

// requestIDMiddleware 为请求附加关联ID，缺失时生成UUID
func requestIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			requestID := c.Request().Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)
			return next(c)
		}
	}
}

// Echo 返回底层echo实例，仅用于测试
func (s *Server) Echo() *echo.Echo {
	return s.e
}

// Start 以非阻塞方式启动服务
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.ListenAddress, s.cfg.Server.Port)
	s.logger.Info("启动网关HTTP服务", zap.String("address", addr))

	go func() {
		if err := s.e.Start(addr); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("网关HTTP服务启动失败", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown 优雅关闭服务
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("关闭网关HTTP服务")
	return s.e.Shutdown(ctx)
}
