// Package config 负责从环境变量（可选 .env 文件）加载并校验服务配置。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config 聚合服务的全部配置段
type Config struct {
	App        AppConfig
	Log        LogConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Cache      CacheConfig
	Lock       LockConfig
	Engine     EngineConfig
	Limiter    LimiterConfig
	JWT        JWTConfig
	MQ         MQConfig
	Metrics    MetricsConfig
	Migrations MigrationsConfig
	CORS       CORSConfig
}

// AppConfig 应用基础配置
type AppConfig struct {
	Name            string
	Env             string // dev, test, prod
	Version         string
	Port            int
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// LogConfig 日志配置
type LogConfig struct {
	Level    string // debug, info, warn, error
	Encoding string // json, console
}

// DatabaseConfig MySQL 连接配置
type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	DBName       string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig Redis 连接配置，锁、缓存与限流共用同一个客户端
type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
}

// Addr 返回 host:port 形式的地址
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// CacheConfig 读侧缓存配置
type CacheConfig struct {
	Enabled        bool
	TTL            time.Duration
	IdempotencyTTL time.Duration // 写接口幂等结果的保留时间，0 表示关闭
}

// LockConfig 分布式锁配置
type LockConfig struct {
	WaitBudget    time.Duration // 获取锁的最长等待时间
	TTL           time.Duration // 锁自动过期时间
	RetryInterval time.Duration // 轮询间隔
}

// EngineConfig 预留引擎配置
type EngineConfig struct {
	OperationTimeout time.Duration // load+mutate+persist 的总时限，必须小于锁 TTL
	DeductPolicy     string        // reject 或 permit
}

// LimiterConfig 流控网关配置
type LimiterConfig struct {
	Enabled   bool
	RulesFile string
}

// JWTConfig 调用方令牌校验配置（仅校验，不签发）
type JWTConfig struct {
	Secret string
	Issuer string
}

// MQConfig RabbitMQ 事件总线配置
type MQConfig struct {
	Enabled           bool
	Host              string
	Port              int
	Username          string
	Password          string
	VHost             string
	Exchange          string
	Queue             string
	ReconnectInterval time.Duration
	MaxReconnects     int
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// MigrationsConfig 数据库迁移配置
type MigrationsConfig struct {
	Dir string
}

// CORSConfig 跨域配置
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// Load 读取 .env（若存在）与环境变量并返回校验后的配置
func Load() (*Config, error) {
	// .env 不存在时直接使用进程环境变量
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:            getEnv("APP_NAME", "stock-reserve"),
			Env:             getEnv("APP_ENV", "dev"),
			Version:         getEnv("APP_VERSION", "0.1.0"),
			Port:            getEnvInt("APP_PORT", 8080),
			RequestTimeout:  getEnvDuration("APP_REQUEST_TIMEOUT", 5*time.Second),
			ShutdownTimeout: getEnvDuration("APP_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Log: LogConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Encoding: getEnv("LOG_ENCODING", "json"),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "127.0.0.1"),
			Port:         getEnvInt("DB_PORT", 3306),
			User:         getEnv("DB_USER", "root"),
			Password:     getEnv("DB_PASSWORD", ""),
			DBName:       getEnv("DB_NAME", "stock_reserve"),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 10),
		},
		Redis: RedisConfig{
			Host:         getEnv("REDIS_HOST", "127.0.0.1"),
			Port:         getEnvInt("REDIS_PORT", 6379),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 20),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 5),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			MaxRetries:   getEnvInt("REDIS_MAX_RETRIES", 3),
		},
		Cache: CacheConfig{
			Enabled:        getEnvBool("CACHE_ENABLED", true),
			TTL:            getEnvDuration("CACHE_TTL", 5*time.Minute),
			IdempotencyTTL: getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		Lock: LockConfig{
			WaitBudget:    getEnvDuration("LOCK_WAIT_BUDGET", 300*time.Millisecond),
			TTL:           getEnvDuration("LOCK_TTL", 5*time.Second),
			RetryInterval: getEnvDuration("LOCK_RETRY_INTERVAL", 50*time.Millisecond),
		},
		Engine: EngineConfig{
			OperationTimeout: getEnvDuration("ENGINE_OPERATION_TIMEOUT", 2*time.Second),
			DeductPolicy:     getEnv("ENGINE_DEDUCT_POLICY", "reject"),
		},
		Limiter: LimiterConfig{
			Enabled:   getEnvBool("LIMITER_ENABLED", true),
			RulesFile: getEnv("LIMITER_RULES_FILE", "configs/flow_rules.yaml"),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
			Issuer: getEnv("JWT_ISSUER", "stock-reserve-auth"),
		},
		MQ: MQConfig{
			Enabled:           getEnvBool("MQ_ENABLED", false),
			Host:              getEnv("MQ_HOST", "127.0.0.1"),
			Port:              getEnvInt("MQ_PORT", 5672),
			Username:          getEnv("MQ_USERNAME", "guest"),
			Password:          getEnv("MQ_PASSWORD", "guest"),
			VHost:             getEnv("MQ_VHOST", "/"),
			Exchange:          getEnv("MQ_EXCHANGE", "inventory.events"),
			Queue:             getEnv("MQ_QUEUE", "inventory.projection"),
			ReconnectInterval: getEnvDuration("MQ_RECONNECT_INTERVAL", 5*time.Second),
			MaxReconnects:     getEnvInt("MQ_MAX_RECONNECTS", 10),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Migrations: MigrationsConfig{
			Dir: getEnv("MIGRATIONS_DIR", "migrations"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders: getEnvSlice("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization", "X-Request-ID", "Idempotency-Key"}),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置之间的约束
func (c *Config) Validate() error {
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return fmt.Errorf("APP_PORT must be between 1 and 65535")
	}
	switch c.Log.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_ENCODING must be json or console, got %q", c.Log.Encoding)
	}
	if c.Lock.WaitBudget <= 0 {
		return fmt.Errorf("LOCK_WAIT_BUDGET must be positive")
	}
	if c.Lock.RetryInterval <= 0 {
		return fmt.Errorf("LOCK_RETRY_INTERVAL must be positive")
	}
	if c.Engine.OperationTimeout <= 0 {
		return fmt.Errorf("ENGINE_OPERATION_TIMEOUT must be positive")
	}
	// 锁必须比一次完整的 load+mutate+persist 活得更久
	if c.Lock.TTL <= c.Engine.OperationTimeout {
		return fmt.Errorf("LOCK_TTL (%s) must exceed ENGINE_OPERATION_TIMEOUT (%s)", c.Lock.TTL, c.Engine.OperationTimeout)
	}
	switch c.Engine.DeductPolicy {
	case "reject", "permit":
	default:
		return fmt.Errorf("ENGINE_DEDUCT_POLICY must be reject or permit, got %q", c.Engine.DeductPolicy)
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive when cache is enabled")
	}
	if c.Cache.IdempotencyTTL < 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL must not be negative")
	}
	if c.App.Env == "prod" && c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required in prod")
	}
	return nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getEnvSlice(key string, def []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
