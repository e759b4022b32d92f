package service

import (
	"context"

	"github.com/MorseWayne/stock_reserve/internal/domain"
)

// EventPublisher 发布台账事件。发布失败不影响已提交的库存操作。
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.LedgerEvent) error
}

// InlinePublisher 未启用消息队列时直接在进程内应用投影
type InlinePublisher struct {
	projector *LedgerProjector
}

// NewInlinePublisher 创建进程内发布器
func NewInlinePublisher(p *LedgerProjector) *InlinePublisher {
	return &InlinePublisher{projector: p}
}

// Publish 同步应用投影
func (p *InlinePublisher) Publish(ctx context.Context, ev domain.LedgerEvent) error {
	return p.projector.Apply(ctx, ev)
}

// NopPublisher 丢弃所有事件
type NopPublisher struct{}

// Publish 不做任何事
func (NopPublisher) Publish(context.Context, domain.LedgerEvent) error { return nil }
