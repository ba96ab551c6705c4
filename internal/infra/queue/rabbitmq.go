package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"bot-farm/internal/domain"
	"bot-farm/internal/infra/metrics"
)

// RabbitJobQueue реализует очередь сигналов рассылки через AMQP.
type RabbitJobQueue struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	queue      string
	deliveries <-chan amqp.Delivery
}

// NewRabbitJobQueue подключается к брокеру и объявляет долговечную очередь.
func NewRabbitJobQueue(amqpURL, queue string) (*RabbitJobQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := channel.Qos(1, 0, false); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &RabbitJobQueue{conn: conn, channel: channel, queue: queue}, nil
}

// Enqueue публикует сигнал в очередь.
func (q *RabbitJobQueue) Enqueue(ctx context.Context, signal domain.JobSignal) error {
	payload, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	start := time.Now()
	err = q.channel.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}
	return nil
}

// Pop блокирующе читает сигнал из очереди.
func (q *RabbitJobQueue) Pop(ctx context.Context) (domain.JobSignal, error) {
	if q.deliveries == nil {
		deliveries, err := q.channel.Consume(q.queue, "", false, false, false, false, nil)
		if err != nil {
			return domain.JobSignal{}, fmt.Errorf("start consume: %w", err)
		}
		q.deliveries = deliveries
	}
	select {
	case <-ctx.Done():
		return domain.JobSignal{}, ctx.Err()
	case delivery, ok := <-q.deliveries:
		if !ok {
			return domain.JobSignal{}, errors.New("amqp queue: channel closed")
		}
		var signal domain.JobSignal
		if err := json.Unmarshal(delivery.Body, &signal); err != nil {
			_ = delivery.Nack(false, false)
			return domain.JobSignal{}, fmt.Errorf("decode signal: %w", err)
		}
		if err := delivery.Ack(false); err != nil {
			return domain.JobSignal{}, fmt.Errorf("ack signal: %w", err)
		}
		return signal, nil
	}
}

// Close завершает соединение с брокером.
func (q *RabbitJobQueue) Close() error {
	if err := q.channel.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}
