package svcxprt

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the scheduler.
type Config struct {
	Pools    PoolsConfig    `mapstructure:"pools"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Aging    AgingConfig    `mapstructure:"aging"`
	Registry RegistryConfig `mapstructure:"registry"`
	Socket   SocketConfig   `mapstructure:"socket"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// PoolsConfig defines the set of scheduling pools (one per CPU/NUMA domain).
type PoolsConfig struct {
	Count          int `mapstructure:"count"`
	ReadyQueueHint int `mapstructure:"ready_queue_hint"`
}

// SchedulerConfig defines per-pool dispatch tunables (§6.4).
type SchedulerConfig struct {
	PerConnectionLimit uint32        `mapstructure:"per_connection_limit"`
	ThreadWaitBusy     time.Duration `mapstructure:"thread_wait_busy"`
	ThreadWaitIdle     time.Duration `mapstructure:"thread_wait_idle"`
}

// AgingConfig defines the aging/limit controller's tunables (§6.4).
type AgingConfig struct {
	AgePeriod  time.Duration `mapstructure:"age_period"`
	MaxTmpConn int           `mapstructure:"max_tmp_conn"`
}

// RegistryConfig defines transport class autoload behavior (§4.1 step 1).
type RegistryConfig struct {
	AutoloadPrefix string `mapstructure:"autoload_prefix"`
}

// SocketConfig defines Unix domain socket settings for the demonstration
// stream transport.
type SocketConfig struct {
	Dir         string `mapstructure:"dir"`
	Prefix      string `mapstructure:"prefix"`
	Permissions uint32 `mapstructure:"permissions"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level        string `mapstructure:"level"`
	Format       string `mapstructure:"format"`
	TraceEnabled bool   `mapstructure:"trace_enabled"`
}

// MetricsConfig defines the stats surface (§6.3) exposition settings.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Path     string `mapstructure:"path"`
}

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/svcxprt")
	}

	v.SetEnvPrefix("SVCXPRT")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Durations are stored in seconds by viper defaults below.
	cfg.Scheduler.ThreadWaitBusy *= time.Second
	cfg.Scheduler.ThreadWaitIdle *= time.Second
	cfg.Aging.AgePeriod *= time.Second

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pools.count", 1)
	v.SetDefault("pools.ready_queue_hint", 128)

	v.SetDefault("scheduler.per_connection_limit", 0)
	v.SetDefault("scheduler.thread_wait_busy", 1)
	v.SetDefault("scheduler.thread_wait_idle", 5)

	v.SetDefault("aging.age_period", int(DefaultAgePeriod/time.Second))
	v.SetDefault("aging.max_tmp_conn", DefaultMaxTmpConn)

	v.SetDefault("registry.autoload_prefix", "svc-")

	v.SetDefault("socket.dir", "/tmp")
	v.SetDefault("socket.prefix", "svcxprt")
	v.SetDefault("socket.permissions", 0600)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.trace_enabled", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.endpoint", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}
