package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// 支持的负载均衡算法名称
var validAlgorithms = map[string]struct{}{
	"round-robin":          {},
	"weighted-round-robin": {},
	"least-connections":    {},
	"random":               {},
	"ip-hash":              {},
	"response-time":        {},
	"health-aware":         {},
}

// Config 应用程序配置结构
type Config struct {
	// etcd配置
	Etcd struct {
		Endpoints []string `mapstructure:"endpoints"`
		Username  string   `mapstructure:"username"`
		Password  string   `mapstructure:"password"`
	} `mapstructure:"etcd"`

	// 服务发现配置
	Discovery struct {
		Backend         string `mapstructure:"backend"`           // "etcd" 或 "dns"
		DNSServer       string `mapstructure:"dns_server"`        // backend为dns时使用的DNS服务器地址
		CacheTTLSeconds int    `mapstructure:"cache_ttl_seconds"` // 发现结果缓存刷新间隔
		GraceSeconds    int    `mapstructure:"grace_seconds"`     // 实例从发现消失后健康记录保留时间
	} `mapstructure:"discovery"`

	// 网关HTTP服务配置
	Server struct {
		ListenAddress string `mapstructure:"listen_address"`
		Port          int    `mapstructure:"port"`
	} `mapstructure:"server"`

	// 负载均衡配置
	Balancer struct {
		Algorithm            string `mapstructure:"algorithm"`              // 选择算法名称
		FailureThreshold     int    `mapstructure:"failure_threshold"`      // 连续失败多少次标记为不健康
		ProbeIntervalSeconds int    `mapstructure:"probe_interval_seconds"` // 不健康实例探测间隔
	} `mapstructure:"balancer"`

	// 上游请求分发配置
	Executor struct {
		TimeoutMs   int `mapstructure:"timeout_ms"`   // 单次上游调用超时
		MaxAttempts int `mapstructure:"max_attempts"` // 总尝试次数（含首次）
	} `mapstructure:"executor"`

	// 限流配置
	RateLimit struct {
		Enabled  bool `mapstructure:"enabled"`
		Limit    int  `mapstructure:"limit"`     // 窗口内允许的请求数
		WindowMs int  `mapstructure:"window_ms"` // 窗口长度（毫秒）
	} `mapstructure:"ratelimit"`

	// 监控配置
	Monitor struct {
		WindowSeconds         int `mapstructure:"window_seconds"`          // 实时指标滚动窗口长度
		StreamIntervalSeconds int `mapstructure:"stream_interval_seconds"` // 实时推送间隔
	} `mapstructure:"monitor"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 如果指定了配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// 设置配置文件名和路径
		v.SetConfigName("config")              // 配置文件名（无扩展名）
		v.AddConfigPath(".")                   // 当前目录
		v.AddConfigPath("./configs")           // configs目录
		v.AddConfigPath("$HOME/.aiot-gateway") // 用户目录
		v.AddConfigPath("/etc/aiot-gateway")   // 系统目录
	}

	// 配置文件格式
	v.SetConfigType("yaml")

	// 尝试从配置文件加载
	if err := v.ReadInConfig(); err != nil {
		// 如果找不到配置文件，仅记录警告；其他错误则返回
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	// 绑定环境变量
	v.SetEnvPrefix("AIOT_GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 从环境变量覆盖
	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	// 配置错误必须在启动阶段暴露，不允许到请求阶段才失败
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate 校验配置合法性
func (c *Config) Validate() error {
	if _, ok := validAlgorithms[c.Balancer.Algorithm]; !ok {
		return fmt.Errorf("无效的负载均衡算法: %q", c.Balancer.Algorithm)
	}
	if c.Discovery.Backend != "etcd" && c.Discovery.Backend != "dns" {
		return fmt.Errorf("无效的服务发现后端: %q", c.Discovery.Backend)
	}
	if c.Balancer.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold必须为正数: %d", c.Balancer.FailureThreshold)
	}
	if c.Executor.TimeoutMs <= 0 {
		return fmt.Errorf("executor.timeout_ms必须为正数: %d", c.Executor.TimeoutMs)
	}
	if c.Executor.MaxAttempts <= 0 {
		return fmt.Errorf("executor.max_attempts必须为正数: %d", c.Executor.MaxAttempts)
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Limit <= 0 {
			return fmt.Errorf("ratelimit.limit必须为正数: %d", c.RateLimit.Limit)
		}
		if c.RateLimit.WindowMs <= 0 {
			return fmt.Errorf("ratelimit.window_ms必须为正数: %d", c.RateLimit.WindowMs)
		}
	}
	if c.Monitor.WindowSeconds <= 0 {
		return fmt.Errorf("monitor.window_seconds必须为正数: %d", c.Monitor.WindowSeconds)
	}
	if c.Monitor.StreamIntervalSeconds <= 0 {
		return fmt.Errorf("monitor.stream_interval_seconds必须为正数: %d", c.Monitor.StreamIntervalSeconds)
	}
	return nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// etcd默认配置
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.username", "")
	v.SetDefault("etcd.password", "")

	// 服务发现默认配置
	v.SetDefault("discovery.backend", "etcd")
	v.SetDefault("discovery.dns_server", "127.0.0.1:6553")
	v.SetDefault("discovery.cache_ttl_seconds", 30)
	v.SetDefault("discovery.grace_seconds", 120)

	// 网关服务默认配置
	v.SetDefault("server.listen_address", "0.0.0.0")
	v.SetDefault("server.port", 8000)

	// 负载均衡默认配置
	v.SetDefault("balancer.algorithm", "health-aware")
	v.SetDefault("balancer.failure_threshold", 5)
	v.SetDefault("balancer.probe_interval_seconds", 10)

	// 上游请求默认配置
	v.SetDefault("executor.timeout_ms", 5000)
	v.SetDefault("executor.max_attempts", 2)

	// 限流默认配置
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.limit", 100)
	v.SetDefault("ratelimit.window_ms", 1000)

	// 监控默认配置
	v.SetDefault("monitor.window_seconds", 60)
	v.SetDefault("monitor.stream_interval_seconds", 5)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
}

// bindEnvVariables 绑定特定的环境变量
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("etcd.endpoints", "AIOT_GATEWAY_ETCD_ENDPOINTS")
	v.BindEnv("server.port", "AIOT_GATEWAY_SERVER_PORT")
	v.BindEnv("balancer.algorithm", "AIOT_GATEWAY_BALANCER_ALGORITHM")
	v.BindEnv("ratelimit.limit", "AIOT_GATEWAY_RATELIMIT_LIMIT")
}

// GetDefaultConfigPath 返回默认配置文件路径
func GetDefaultConfigPath() string {
	// 按顺序检查不同位置的配置文件
	paths := []string{
		"./config.yaml",
		"./configs/config.yaml",
		os.Getenv("HOME") + "/.aiot-gateway/config.yaml",
		"/etc/aiot-gateway/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
