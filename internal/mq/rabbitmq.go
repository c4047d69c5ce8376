package mq

import (
	"Go_Upload/config"
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeTasks = "archive.exchange"
	ExchangeRetry = "archive.retry.exchange"
	ExchangeDLQ   = "archive.dlq.exchange"

	QueueTasks = "archive.queue"
	QueueRetry = "archive.retry.queue"
	QueueDLQ   = "archive.dlq.queue"

	RoutingTask  = "archive"
	RoutingRetry = "archive.retry"
	RoutingDLQ   = "archive.dlq"
)

type Client struct {
	Conn      *amqp.Connection
	Channel   *amqp.Channel
	publishMu sync.Mutex
}

var publisherMu sync.Mutex
var publisher *Client

func Dial() (*Client, error) {
	conn, err := amqp.Dial(config.AppConfig.RabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &Client{Conn: conn, Channel: ch}, nil
}

// GetPublisher returns the shared publishing client, redialing when the
// previous connection or channel was closed.
func GetPublisher() (*Client, error) {
	publisherMu.Lock()
	defer publisherMu.Unlock()
	if publisher != nil {
		if !publisher.Conn.IsClosed() && !publisher.Channel.IsClosed() {
			return publisher, nil
		}
		publisher.Close()
		publisher = nil
	}
	client, err := Dial()
	if err != nil {
		return nil, err
	}
	if err := client.DeclareTopology(); err != nil {
		client.Close()
		return nil, err
	}
	publisher = client
	return publisher, nil
}

// ClosePublisher closes the shared publishing client, if any.
func ClosePublisher() {
	publisherMu.Lock()
	defer publisherMu.Unlock()
	publisher.Close()
	publisher = nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.Channel != nil {
		_ = c.Channel.Close()
	}
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

type queueSpec struct {
	name     string
	exchange string
	key      string
	args     amqp.Table
}

// topology lists the archive queues. Retry messages carry a per-message TTL
// and dead-letter back onto the task exchange when it expires.
var topology = []queueSpec{
	{name: QueueTasks, exchange: ExchangeTasks, key: RoutingTask},
	{
		name:     QueueRetry,
		exchange: ExchangeRetry,
		key:      RoutingRetry,
		args: amqp.Table{
			"x-dead-letter-exchange":    ExchangeTasks,
			"x-dead-letter-routing-key": RoutingTask,
		},
	},
	{name: QueueDLQ, exchange: ExchangeDLQ, key: RoutingDLQ},
}

func (c *Client) DeclareTopology() error {
	for _, q := range topology {
		if err := c.Channel.ExchangeDeclare(q.exchange, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", q.exchange, err)
		}
		if _, err := c.Channel.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
		if err := c.Channel.QueueBind(q.name, q.key, q.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", q.name, err)
		}
	}
	return nil
}

func (c *Client) PublishTask(ctx context.Context, body []byte) error {
	return c.publish(ctx, ExchangeTasks, RoutingTask, body, "")
}

func (c *Client) PublishRetry(ctx context.Context, body []byte, delay time.Duration) error {
	return c.publish(ctx, ExchangeRetry, RoutingRetry, body, Expiration(delay))
}

func (c *Client) PublishDLQ(ctx context.Context, body []byte) error {
	return c.publish(ctx, ExchangeDLQ, RoutingDLQ, body, "")
}

// Expiration formats delay as an AMQP per-message TTL in milliseconds.
func Expiration(delay time.Duration) string {
	if delay < 0 {
		delay = 0
	}
	return fmt.Sprintf("%d", delay.Milliseconds())
}

func (c *Client) publish(ctx context.Context, exchange, key string, body []byte, expiration string) error {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Expiration:   expiration,
	}
	return c.Channel.PublishWithContext(ctx, exchange, key, false, false, msg)
}
