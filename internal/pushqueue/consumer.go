package pushqueue

import (
	"context"
	"errors"
	"time"

	"crm-voice/pkg/logger"

	"github.com/streadway/amqp"
)

// Handler processes one push payload. Its error is logged only.
type Handler func(ctx context.Context, body []byte) error

var ErrDeliveriesClosed = errors.New("pushqueue: delivery channel closed")

// Consumer reads push payloads from an AMQP queue.
//
// Every delivery is acked after handling, successful or not. Nothing is requeued.
type Consumer struct {
	url     string
	queue   string
	handler Handler

	backoffMin time.Duration
	backoffMax time.Duration
}

func NewConsumer(url, queue string, handler Handler) (*Consumer, error) {
	if url == "" || queue == "" {
		return nil, errors.New("pushqueue: url and queue are required")
	}
	if handler == nil {
		return nil, errors.New("pushqueue: handler is required")
	}
	return &Consumer{
		url:        url,
		queue:      queue,
		handler:    handler,
		backoffMin: time.Second,
		backoffMax: 30 * time.Second,
	}, nil
}

// Run consumes until ctx is done, reconnecting after broker failures.
func (c *Consumer) Run(ctx context.Context) {
	log := logger.From(ctx).With("component", "pushqueue", "queue", c.queue)
	backoff := c.backoffMin
	for {
		err := c.consumeOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Error("push queue consumer stopped", "err", err, "retry_in", backoff.String())
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.backoffMax {
			backoff = c.backoffMax
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	args := amqp.Table{}
	args["x-message-ttl"] = int32(60000)
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, args); err != nil {
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return err
	}
	deliveries, err := ch.Consume(c.queue, "voiced-push", false, false, false, false, nil)
	if err != nil {
		return err
	}
	return c.Deliver(ctx, deliveries)
}

// Deliver handles deliveries in order until ctx is done or the channel closes.
func (c *Consumer) Deliver(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	log := logger.From(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}
			if err := c.handler(ctx, d.Body); err != nil {
				log.Warn("push handling failed", "err", err, "message_id", d.MessageId)
			}
			if err := d.Ack(false); err != nil {
				log.Error("push ack failed", "err", err, "delivery_tag", d.DeliveryTag)
			}
		}
	}
}
