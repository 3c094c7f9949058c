package message_broaker

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const consumeBuffer = 1000

type RabbitMQ struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	queueName  string
	exchange   string
	routingKey string
}

// NewRabbitMQ connects to RabbitMQ and declares a durable outcome queue.
// With an empty exchange messages go through the default exchange, routed by queue name.
func NewRabbitMQ(url, exchange, queue, routingKey string) (*RabbitMQ, error) {
	if routingKey == "" {
		routingKey = queue
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	r := &RabbitMQ{
		conn:       conn,
		channel:    ch,
		queueName:  queue,
		exchange:   exchange,
		routingKey: routingKey,
	}
	if err := r.declare(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *RabbitMQ) declare() error {
	const durable, autoDelete, exclusive, noWait = true, false, false, false

	if _, err := r.channel.QueueDeclare(r.queueName, durable, autoDelete, exclusive, noWait, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", r.queueName, err)
	}
	if r.exchange == "" {
		return nil
	}

	const internal = false
	if err := r.channel.ExchangeDeclare(r.exchange, amqp.ExchangeDirect, durable, autoDelete, internal, noWait, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", r.exchange, err)
	}
	if err := r.channel.QueueBind(r.queueName, r.routingKey, r.exchange, noWait, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", r.queueName, r.exchange, err)
	}
	return nil
}

func (r *RabbitMQ) Publish(ctx context.Context, queue string, message []byte) error {
	routingKey := r.routingKey
	if r.exchange == "" {
		routingKey = queue
	}
	return r.channel.PublishWithContext(ctx, r.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         message,
	})
}

func (r *RabbitMQ) Consume(ctx context.Context, queue string) (<-chan []byte, error) {
	// Auto-ack: a message is gone from the queue once delivered to this consumer.
	msgs, err := r.channel.Consume(queue, "fibfire-outcome-writer", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}

	out := make(chan []byte, consumeBuffer)

	go func() {
		defer close(out)

		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Body:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (r *RabbitMQ) Close() error {
	if err := r.channel.Close(); err != nil {
		_ = r.conn.Close()
		return err
	}
	return r.conn.Close()
}
