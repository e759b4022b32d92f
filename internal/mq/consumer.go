package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/MorseWayne/stock_reserve/internal/domain"
)

// EventHandler 处理一条台账事件，返回错误时消息会被重试
type EventHandler func(ctx context.Context, ev domain.LedgerEvent) error

// EventConsumer 从投影队列消费台账事件
type EventConsumer struct {
	cm      *ConnectionManager
	config  *Config
	handler EventHandler
	logger  *zap.Logger

	processed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// NewEventConsumer 创建事件消费者
func NewEventConsumer(cm *ConnectionManager, cfg *Config, handler EventHandler, logger *zap.Logger) *EventConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventConsumer{cm: cm, config: cfg, handler: handler, logger: logger}
}

// Run 持续消费直到 ctx 结束；连接断开后等待重连再继续
func (c *EventConsumer) Run(ctx context.Context) error {
	for {
		if err := c.cm.WaitReady(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("ledger event consumer interrupted", zap.Error(err))

		select {
		case <-time.After(c.config.ReconnectInterval):
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *EventConsumer) consume(ctx context.Context) error {
	ch, err := c.cm.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := DeclareTopology(ch, c.config); err != nil {
		return err
	}
	if err := ch.Qos(c.config.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, c.config.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.config.Queue, err)
	}

	c.logger.Info("ledger event consumer started", zap.String("queue", c.config.Queue))
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.process(ctx, d)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// process 成功则 ack，解码失败或重试耗尽后进死信队列
func (c *EventConsumer) process(ctx context.Context, d amqp.Delivery) {
	var ev domain.LedgerEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		c.failed.Add(1)
		c.logger.Error("malformed ledger event", zap.String("message_id", d.MessageId), zap.Error(err))
		c.nack(d)
		return
	}

	for attempt := 0; ; attempt++ {
		hctx, cancel := context.WithTimeout(ctx, c.config.HandleTimeout)
		err := c.handler(hctx, ev)
		cancel()
		if err == nil {
			if ackErr := d.Ack(false); ackErr != nil {
				c.logger.Error("ack ledger event failed", zap.String("event_id", ev.EventID), zap.Error(ackErr))
			}
			c.processed.Add(1)
			return
		}

		c.logger.Warn("handle ledger event failed",
			zap.String("event_id", ev.EventID),
			zap.String("type", string(ev.Type)),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if attempt >= c.config.MaxHandleRetry || ctx.Err() != nil {
			break
		}
		c.retried.Add(1)

		select {
		case <-time.After(c.config.HandleRetryWait):
		case <-ctx.Done():
		}
	}

	if ctx.Err() != nil {
		// 停机中断的消息放回队列
		if err := d.Nack(false, true); err != nil {
			c.logger.Error("requeue ledger event failed", zap.String("event_id", ev.EventID), zap.Error(err))
		}
		return
	}
	c.failed.Add(1)
	c.nack(d)
}

func (c *EventConsumer) nack(d amqp.Delivery) {
	if err := d.Nack(false, false); err != nil {
		c.logger.Error("nack ledger event failed", zap.String("message_id", d.MessageId), zap.Error(err))
	}
}

// ConsumerStats 消费统计
type ConsumerStats struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
}

// Stats 返回消费统计
func (c *EventConsumer) Stats() ConsumerStats {
	return ConsumerStats{
		Processed: c.processed.Load(),
		Failed:    c.failed.Load(),
		Retried:   c.retried.Load(),
	}
}
