// Package amqpbus carries commit messages between writers and the commit
// coordinator through a RabbitMQ queue.
package amqpbus

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"reduction.dev/tablesink/commit"
)

const contentType = "application/x-protobuf"

type Bus struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	queue      string
	deliveries <-chan amqp.Delivery
}

// Dial connects to url and declares a durable queue. Deliveries are
// prefetched one at a time and acknowledged once decoded.
func Dial(url, queue string) (*Bus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to consume queue %s: %w", queue, err)
	}

	return &Bus{conn: conn, channel: ch, queue: queue, deliveries: deliveries}, nil
}

func (b *Bus) Publish(ctx context.Context, msg commit.Message) error {
	err := b.channel.PublishWithContext(ctx, "", b.queue, false, false, amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		Body:         msg.Marshal(),
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg, err)
	}
	return nil
}

func (b *Bus) Receive(ctx context.Context) (commit.Message, error) {
	select {
	case d, ok := <-b.deliveries:
		if !ok {
			return commit.Message{}, commit.ErrBusClosed
		}
		msg, err := commit.UnmarshalMessage(d.Body)
		if err != nil {
			// Undecodable messages would be redelivered forever.
			return commit.Message{}, errors.Join(err, d.Nack(false, false))
		}
		if err := d.Ack(false); err != nil {
			return commit.Message{}, fmt.Errorf("ack %s: %w", msg, err)
		}
		return msg, nil
	case <-ctx.Done():
		return commit.Message{}, ctx.Err()
	}
}

func (b *Bus) Close() error {
	return errors.Join(b.channel.Close(), b.conn.Close())
}

var _ commit.Bus = (*Bus)(nil)
