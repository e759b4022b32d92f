package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrNotConnected 连接尚未建立或正在重连
var ErrNotConnected = errors.New("mq not connected")

// ConnectionState 连接状态
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionManager 维护单个 AMQP 连接，断开后按间隔自动重连
type ConnectionManager struct {
	config *Config
	logger *zap.Logger

	mu    sync.RWMutex
	conn  *amqp.Connection
	state atomic.Int32

	// 每次重连成功后关闭并替换，等待方借此得知连接已恢复
	ready  chan struct{}
	stopCh chan struct{}
	once   sync.Once

	reconnects atomic.Int32
}

// NewConnectionManager 创建连接管理器
func NewConnectionManager(cfg *Config, logger *zap.Logger) *ConnectionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionManager{
		config: cfg,
		logger: logger,
		ready:  make(chan struct{}),
		stopCh: make(chan struct{}),
	}
}

// Connect 建立连接并开始监听断开事件
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	if err := cm.dial(ctx); err != nil {
		return err
	}
	cm.logger.Info("rabbitmq connected", zap.String("host", cm.config.Host), zap.Int("port", cm.config.Port))
	return nil
}

func (cm *ConnectionManager) dial(ctx context.Context) error {
	conn, err := amqp.DialConfig(cm.config.URL(), amqp.Config{
		Heartbeat: cm.config.HeartbeatInterval,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(30 * time.Second),
	})
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = conn.Close()
		return err
	}

	cm.mu.Lock()
	cm.conn = conn
	ready := cm.ready
	cm.ready = make(chan struct{})
	cm.mu.Unlock()

	cm.state.Store(int32(StateConnected))
	close(ready)

	go cm.watch(conn)
	return nil
}

// Channel 在当前连接上打开新通道
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	cm.mu.RLock()
	conn := cm.conn
	cm.mu.RUnlock()

	if conn == nil || conn.IsClosed() || cm.State() != StateConnected {
		return nil, ErrNotConnected
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// WaitReady 阻塞到下一次连接成功、ctx 结束或管理器关闭
func (cm *ConnectionManager) WaitReady(ctx context.Context) error {
	if cm.State() == StateConnected {
		return nil
	}
	cm.mu.RLock()
	ready := cm.ready
	cm.mu.RUnlock()

	select {
	case <-ready:
		return nil
	case <-cm.stopCh:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State 返回连接状态
func (cm *ConnectionManager) State() ConnectionState {
	return ConnectionState(cm.state.Load())
}

// IsConnected 是否已连接
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// Reconnects 返回累计重连次数
func (cm *ConnectionManager) Reconnects() int {
	return int(cm.reconnects.Load())
}

// Close 关闭连接并停止重连
func (cm *ConnectionManager) Close() error {
	var err error
	cm.once.Do(func() {
		cm.state.Store(int32(StateClosed))
		close(cm.stopCh)

		cm.mu.Lock()
		defer cm.mu.Unlock()
		if cm.conn != nil && !cm.conn.IsClosed() {
			err = cm.conn.Close()
		}
		cm.conn = nil
		cm.logger.Info("rabbitmq connection closed")
	})
	return err
}

func (cm *ConnectionManager) watch(conn *amqp.Connection) {
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	select {
	case amqpErr, ok := <-closeCh:
		// 主动关闭时 closeCh 直接被关闭
		if !ok || cm.State() == StateClosed {
			return
		}
		cm.logger.Error("rabbitmq connection lost", zap.Error(amqpErr))
		cm.reconnect()
	case <-cm.stopCh:
	}
}

func (cm *ConnectionManager) reconnect() {
	if !cm.state.CompareAndSwap(int32(StateConnected), int32(StateReconnecting)) {
		return
	}

	for attempt := 1; ; attempt++ {
		select {
		case <-time.After(cm.config.ReconnectInterval):
		case <-cm.stopCh:
			return
		}

		cm.reconnects.Add(1)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := cm.dial(ctx)
		cancel()
		if err == nil {
			cm.logger.Info("rabbitmq reconnected", zap.Int("attempt", attempt))
			return
		}

		cm.logger.Warn("rabbitmq reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		if limit := cm.config.MaxReconnects; limit > 0 && attempt >= limit {
			cm.logger.Error("rabbitmq reconnect attempts exhausted", zap.Int("max_attempts", limit))
			cm.state.Store(int32(StateDisconnected))
			return
		}
	}
}
