package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/MorseWayne/stock_reserve/internal/domain"
)

// ErrNacked broker 拒绝了消息
var ErrNacked = errors.New("message nacked by broker")

// EventProducer 以发布确认模式发送台账事件
type EventProducer struct {
	cm     *ConnectionManager
	config *Config
	logger *zap.Logger

	mu sync.Mutex
	ch *amqp.Channel // 确认模式通道，出错后丢弃重建

	published atomic.Int64
	failed    atomic.Int64
}

// NewEventProducer 创建事件生产者
func NewEventProducer(cm *ConnectionManager, cfg *Config, logger *zap.Logger) *EventProducer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventProducer{cm: cm, config: cfg, logger: logger}
}

// Publish 发布事件并等待 broker 确认，失败按配置重试
func (p *EventProducer) Publish(ctx context.Context, ev domain.LedgerEvent) error {
	msg, err := encodeEvent(ev)
	if err != nil {
		return err
	}

	var lastErr error
	attempts := p.config.MaxPublishRetry + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if lastErr = p.publishOnce(ctx, string(ev.Type), msg); lastErr == nil {
			p.published.Add(1)
			return nil
		}
		p.logger.Warn("publish ledger event failed",
			zap.String("event_id", ev.EventID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if attempt == attempts {
			break
		}
		select {
		case <-time.After(p.config.PublishRetryWait):
		case <-ctx.Done():
			p.failed.Add(1)
			return ctx.Err()
		}
	}

	p.failed.Add(1)
	return fmt.Errorf("publish %s after %d attempts: %w", ev.Type, attempts, lastErr)
}

func (p *EventProducer) publishOnce(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}

	pctx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
	defer cancel()

	dc, err := ch.PublishWithDeferredConfirmWithContext(pctx, p.config.Exchange, routingKey, false, false, msg)
	if err != nil {
		p.resetChannel()
		return fmt.Errorf("publish: %w", err)
	}
	acked, err := dc.WaitContext(pctx)
	if err != nil {
		p.resetChannel()
		return fmt.Errorf("wait confirm: %w", err)
	}
	if !acked {
		return ErrNacked
	}
	return nil
}

// channel 调用方需持有 p.mu
func (p *EventProducer) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.cm.Channel()
	if err != nil {
		return nil, err
	}
	if err := DeclareTopology(ch, p.config); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable confirm mode: %w", err)
	}
	p.ch = ch
	return ch, nil
}

func (p *EventProducer) resetChannel() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
}

// Stats 返回已发布与失败的消息数
func (p *EventProducer) Stats() (published, failed int64) {
	return p.published.Load(), p.failed.Load()
}

// Close 关闭通道，连接由 ConnectionManager 负责
func (p *EventProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetChannel()
	return nil
}

func encodeEvent(ev domain.LedgerEvent) (amqp.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal ledger event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.EventID,
		Timestamp:    ev.OccurredAt,
		Type:         string(ev.Type),
		Body:         body,
	}, nil
}
