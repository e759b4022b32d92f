package mq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// 投影队列绑定所有台账事件
const ledgerEventBinding = "ledger.*"

// DeclareTopology 声明事件交换机、投影队列及其死信队列，可重复调用
func DeclareTopology(ch *amqp.Channel, cfg *Config) error {
	exchanges := []struct {
		name string
		kind string
	}{
		{name: cfg.Exchange, kind: amqp.ExchangeTopic},
		{name: cfg.DLXExchange, kind: amqp.ExchangeFanout},
	}
	for _, ex := range exchanges {
		if err := ch.ExchangeDeclare(ex.name, ex.kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	if _, err := ch.QueueDeclare(cfg.DLXQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.DLXQueue, err)
	}
	if err := ch.QueueBind(cfg.DLXQueue, "", cfg.DLXExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", cfg.DLXQueue, err)
	}

	args := amqp.Table{"x-dead-letter-exchange": cfg.DLXExchange}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	if err := ch.QueueBind(cfg.Queue, ledgerEventBinding, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", cfg.Queue, err)
	}
	return nil
}
