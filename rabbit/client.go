// Copyright (c) Genji Parkour
// SPDX-License-Identifier: Apache-2.0

package rabbit

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// redialBackoff bounds the wait between reconnect attempts.
const (
	redialInitial = time.Second
	redialMax     = 30 * time.Second
)

// Client is an AMQP 0.9.1 client holding a small pool of connections and a
// bounded pool of channels multiplexed over them. Consumers take dedicated
// channels via Channel; publishes and sweeps borrow pooled channels via
// WithChannel.
type Client struct {
	opts   *Options
	logger *slog.Logger

	mu    sync.Mutex
	conns []*amqp091.Connection
	next  int

	idle  chan *amqp091.Channel
	slots chan struct{}

	connected atomic.Bool
	closed    atomic.Bool
}

// New creates a new client with the given options.
func New(opts *Options, logger *slog.Logger) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		opts:   opts,
		logger: logger,
		idle:   make(chan *amqp091.Channel, opts.ChannelPool),
		slots:  make(chan struct{}, opts.ChannelPool),
	}, nil
}

// Connect establishes the connection pool to the broker.
func (c *Client) Connect() error {
	if c.connected.Load() {
		return ErrAlreadyConnected
	}

	url, err := c.opts.dialURL()
	if err != nil {
		return err
	}

	conns := make([]*amqp091.Connection, 0, c.opts.ConnectionPool)
	for i := 0; i < c.opts.ConnectionPool; i++ {
		conn, err := c.dial(url)
		if err != nil {
			for _, open := range conns {
				_ = open.Close()
			}
			return err
		}
		conns = append(conns, conn)
	}

	c.mu.Lock()
	c.conns = conns
	c.mu.Unlock()

	for i := range conns {
		go c.monitor(url, i)
	}

	c.connected.Store(true)
	return nil
}

func (c *Client) dial(url string) (*amqp091.Connection, error) {
	dialer := &net.Dialer{Timeout: c.opts.DialTimeout}
	cfg := amqp091.Config{
		TLSClientConfig: c.opts.TLSConfig,
		Heartbeat:       c.opts.Heartbeat,
		Dial:            dialer.Dial,
	}
	return amqp091.DialConfig(url, cfg)
}

// monitor redials a connection slot whenever the broker drops it.
func (c *Client) monitor(url string, slot int) {
	for {
		c.mu.Lock()
		if slot >= len(c.conns) {
			c.mu.Unlock()
			return
		}
		conn := c.conns[slot]
		c.mu.Unlock()

		closed := make(chan *amqp091.Error, 1)
		conn.NotifyClose(closed)
		amqpErr, ok := <-closed
		if !ok || c.closed.Load() {
			// Clean shutdown.
			return
		}
		c.logger.Warn("broker connection lost, redialing",
			slog.Int("slot", slot),
			slog.String("error", amqpErr.Error()))

		backoff := redialInitial
		for {
			if c.closed.Load() {
				return
			}
			replacement, err := c.dial(url)
			if err == nil {
				c.mu.Lock()
				c.conns[slot] = replacement
				c.mu.Unlock()
				c.logger.Info("broker connection restored", slog.Int("slot", slot))
				break
			}
			c.logger.Warn("broker redial failed",
				slog.Int("slot", slot),
				slog.Duration("retry_in", backoff),
				slog.String("error", err.Error()))
			time.Sleep(backoff)
			backoff *= 2
			if backoff > redialMax {
				backoff = redialMax
			}
		}
	}
}

// Close closes all pooled channels and connections.
func (c *Client) Close() error {
	if !c.connected.Load() || c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	for {
		select {
		case ch := <-c.idle:
			_ = ch.Close()
		default:
			c.mu.Lock()
			for _, conn := range c.conns {
				_ = conn.Close()
			}
			c.conns = nil
			c.mu.Unlock()
			c.connected.Store(false)
			return nil
		}
	}
}

// IsConnected reports whether the client is connected.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && !c.closed.Load()
}

// Channel opens a dedicated channel on a pooled connection. The caller owns
// it and must close it; long-lived consumers use this instead of the pool.
func (c *Client) Channel() (*amqp091.Channel, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}
	return c.openChannel()
}

// WithChannel borrows a pooled channel for the duration of fn. The channel is
// returned to the pool on success and discarded if fn fails, since an AMQP
// channel is unusable after a channel-level error.
func (c *Client) WithChannel(ctx context.Context, fn func(ch *amqp091.Channel) error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}

	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.slots }()

	ch, err := c.acquire()
	if err != nil {
		return err
	}

	if err := fn(ch); err != nil {
		_ = ch.Close()
		return err
	}

	select {
	case c.idle <- ch:
	default:
		_ = ch.Close()
	}
	return nil
}

func (c *Client) acquire() (*amqp091.Channel, error) {
	for {
		select {
		case ch := <-c.idle:
			if !ch.IsClosed() {
				return ch, nil
			}
		default:
			return c.openChannel()
		}
	}
}

func (c *Client) openChannel() (*amqp091.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.conns) == 0 {
		return nil, ErrNotConnected
	}

	var lastErr error
	for attempt := 0; attempt < len(c.conns); attempt++ {
		conn := c.conns[c.next]
		c.next = (c.next + 1) % len(c.conns)
		if conn.IsClosed() {
			lastErr = ErrNotConnected
			continue
		}
		ch, err := conn.Channel()
		if err != nil {
			lastErr = err
			continue
		}
		return ch, nil
	}
	return nil, lastErr
}

// Publish sends a persistent message to a queue via the default exchange.
// A fresh message id is stamped so downstream idempotency claims have a key.
func (c *Client) Publish(ctx context.Context, queueName string, body []byte) error {
	return c.PublishMessage(ctx, queueName, amqp091.Publishing{
		ContentType: "application/json",
		MessageId:   uuid.NewString(),
		Body:        body,
	})
}

// PublishMessage sends a message to a queue via the default exchange with
// full control over its properties. Persistence and a timestamp are applied
// when absent.
func (c *Client) PublishMessage(ctx context.Context, queueName string, msg amqp091.Publishing) error {
	if queueName == "" {
		return ErrInvalidQueueName
	}
	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = amqp091.Persistent
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	return c.WithChannel(ctx, func(ch *amqp091.Channel) error {
		return ch.PublishWithContext(ctx, "", queueName, false, false, msg)
	})
}
