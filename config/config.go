package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	EventLog  EventLogConfig  `mapstructure:"eventlog"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Consumer  ConsumerConfig  `mapstructure:"consumer"`
	Cache     CacheConfig     `mapstructure:"cache"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Log       LogConfig       `mapstructure:"log"`
	Sentry    SentryConfig    `mapstructure:"sentry"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // postgres | sqlite
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// EventLogConfig 事件日志后端：kafka 或 redis（streams）
type EventLogConfig struct {
	Backend           string        `mapstructure:"backend"`
	Brokers           []string      `mapstructure:"brokers"`
	ReplicationFactor int16         `mapstructure:"replication_factor"`
	ConsumerGroup     string        `mapstructure:"consumer_group"`
	PublishTimeout    time.Duration `mapstructure:"publish_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	TrimInterval      time.Duration `mapstructure:"trim_interval"`
}

// PipelineConfig 提交后副作用执行配置
type PipelineConfig struct {
	EffectTimeout time.Duration `mapstructure:"effect_timeout"`
	Async         bool          `mapstructure:"async"`
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
}

type ConsumerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

type CacheConfig struct {
	CounterTTL     time.Duration `mapstructure:"counter_ttl"`
	ListTTL        time.Duration `mapstructure:"list_ttl"`
	RecentListMax  int64         `mapstructure:"recent_list_max"`
	FollowIndexTTL time.Duration `mapstructure:"follow_index_ttl"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// Load 读取配置：config/config.yaml + APP_ 前缀环境变量
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	// APP_CONFIG_PATH 显式指定配置文件
	if p := v.GetString("config_path"); p != "" {
		v.SetConfigFile(p)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=postgres port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("eventlog.backend", "redis")
	v.SetDefault("eventlog.brokers", []string{"localhost:9092"})
	v.SetDefault("eventlog.replication_factor", 1)
	v.SetDefault("eventlog.consumer_group", "interaction-pipeline")
	v.SetDefault("eventlog.publish_timeout", 800*time.Millisecond)
	v.SetDefault("eventlog.poll_interval", 100*time.Millisecond)
	v.SetDefault("eventlog.trim_interval", 10*time.Minute)

	v.SetDefault("pipeline.effect_timeout", 500*time.Millisecond)
	v.SetDefault("pipeline.async", true)
	v.SetDefault("pipeline.workers", 8)
	v.SetDefault("pipeline.queue_size", 10000)

	v.SetDefault("consumer.enabled", true)
	v.SetDefault("consumer.max_attempts", 3)
	v.SetDefault("consumer.backoff", 2*time.Second)

	v.SetDefault("cache.counter_ttl", 7*24*time.Hour)
	v.SetDefault("cache.list_ttl", 7*24*time.Hour)
	v.SetDefault("cache.recent_list_max", 200)
	v.SetDefault("cache.follow_index_ttl", 10*time.Minute)

	v.SetDefault("ratelimit.rps", 20)
	v.SetDefault("ratelimit.burst", 40)

	v.SetDefault("jwt.secret", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "local")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service_name", "interaction-pipeline")
}

func (c *Config) validate() error {
	switch c.EventLog.Backend {
	case "kafka", "redis":
	default:
		return fmt.Errorf("unsupported eventlog backend %q", c.EventLog.Backend)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Consumer.MaxAttempts < 1 {
		return fmt.Errorf("consumer.max_attempts must be >= 1")
	}
	if c.Cache.RecentListMax < 1 {
		return fmt.Errorf("cache.recent_list_max must be >= 1")
	}
	return nil
}
