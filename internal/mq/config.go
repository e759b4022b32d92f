// Package mq 通过 RabbitMQ 投递台账事件：引擎侧发布，投影侧消费。
package mq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/MorseWayne/stock_reserve/internal/config"
)

// Config RabbitMQ 配置
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	VHost    string

	// 拓扑
	Exchange    string // topic 交换机，路由键为事件类型
	Queue       string // 投影队列
	DLXExchange string
	DLXQueue    string

	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration
	MaxReconnects     int // 0 表示不限次数

	// 生产者
	PublishTimeout   time.Duration
	MaxPublishRetry  int
	PublishRetryWait time.Duration

	// 消费者
	PrefetchCount   int
	MaxHandleRetry  int
	HandleRetryWait time.Duration
	HandleTimeout   time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Host:              "localhost",
		Port:              5672,
		Username:          "guest",
		Password:          "guest",
		VHost:             "/",
		Exchange:          "inventory.events",
		Queue:             "inventory.projection",
		DLXExchange:       "inventory.events.dlx",
		DLXQueue:          "inventory.projection.dlq",
		HeartbeatInterval: 10 * time.Second,
		ReconnectInterval: 5 * time.Second,
		MaxReconnects:     10,
		PublishTimeout:    time.Second,
		MaxPublishRetry:   2,
		PublishRetryWait:  100 * time.Millisecond,
		PrefetchCount:     20,
		MaxHandleRetry:    3,
		HandleRetryWait:   500 * time.Millisecond,
		HandleTimeout:     5 * time.Second,
	}
}

// FromAppConfig 以应用配置覆盖默认值
func FromAppConfig(c config.MQConfig) *Config {
	cfg := DefaultConfig()
	cfg.Host = c.Host
	cfg.Port = c.Port
	cfg.Username = c.Username
	cfg.Password = c.Password
	cfg.VHost = c.VHost
	if c.Exchange != "" {
		cfg.Exchange = c.Exchange
		cfg.DLXExchange = c.Exchange + ".dlx"
	}
	if c.Queue != "" {
		cfg.Queue = c.Queue
		cfg.DLXQueue = c.Queue + ".dlq"
	}
	if c.ReconnectInterval > 0 {
		cfg.ReconnectInterval = c.ReconnectInterval
	}
	cfg.MaxReconnects = c.MaxReconnects
	return cfg
}

// URL 返回 amqp:// 连接串，用户名和密码会被转义
func (c *Config) URL() string {
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		Vhost:    c.VHost,
	}.String()
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("mq host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("mq port must be between 1 and 65535")
	}
	if c.Exchange == "" || c.Queue == "" {
		return fmt.Errorf("mq exchange and queue are required")
	}
	if c.PublishTimeout <= 0 || c.HandleTimeout <= 0 {
		return fmt.Errorf("mq publish and handle timeouts must be positive")
	}
	if c.PrefetchCount < 0 || c.MaxPublishRetry < 0 || c.MaxHandleRetry < 0 {
		return fmt.Errorf("mq prefetch and retry counts must be >= 0")
	}
	return nil
}
