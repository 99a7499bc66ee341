// Copyright (c) Genji Parkour
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/genjipk/relay/otel"
)

// DLQSuffix pairs every queue with its dead-letter queue. The pairing is
// load-bearing: both names must migrate together.
const DLQSuffix = ".dlq"

// resubscribeDelay spaces attempts to re-establish a dropped consumer.
const resubscribeDelay = 5 * time.Second

// Channel is the subset of *amqp091.Channel the engine uses. Narrowing it
// keeps the consume path testable without a live broker.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Close() error
}

// ChannelSource opens a dedicated broker channel for a consumer.
type ChannelSource func() (Channel, error)

// Engine declares every registered queue with dead-letter routing, counts the
// pre-existing backlog, and consumes each queue sequentially on its own
// channel.
type Engine struct {
	source   ChannelSource
	registry *Registry
	logger   *slog.Logger
	metrics  *otel.Metrics
	prefetch int

	drain    *DrainGate
	handlers map[string]WrappedHandler

	wg      sync.WaitGroup
	started atomic.Bool
}

// NewEngine creates a consumer engine. metrics may be nil.
func NewEngine(source ChannelSource, registry *Registry, prefetch int, metrics *otel.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if prefetch < 1 {
		prefetch = 1
	}
	return &Engine{
		source:   source,
		registry: registry,
		logger:   logger,
		metrics:  metrics,
		prefetch: prefetch,
		drain:    NewDrainGate(),
	}
}

// Start declares all registered queues and begins consuming. Declaration
// failures are fatal: the process must not silently run with missing queues.
// Consumption stops when ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}

	e.handlers = e.registry.ResolveAll()
	queues := e.registry.Queues()
	if len(queues) == 0 {
		e.logger.Warn("no queue handlers registered at startup")
	}

	for _, queue := range queues {
		ch, err := e.source()
		if err != nil {
			return err
		}

		deliveries, backlog, err := e.setup(ch, queue, true)
		if err != nil {
			_ = ch.Close()
			return err
		}

		e.drain.Add(backlog)
		if e.metrics != nil {
			e.metrics.AddDrainPending(int64(backlog))
		}
		e.logger.Debug("queue declared",
			slog.String("queue", queue),
			slog.Int("backlog", backlog))

		e.wg.Add(1)
		go e.consume(ctx, queue, ch, deliveries)
	}

	// Counting happened before any subscription delivered, so arming now is
	// race-free. With an empty backlog this releases the gate synchronously.
	e.drain.Arm()
	return nil
}

// setup declares the queue, its dead-letter queue, and starts consumption on
// ch. When countBacklog is set it also snapshots the queue's pre-existing
// depth via a passive re-declare, before the subscription starts.
func (e *Engine) setup(ch Channel, queue string, countBacklog bool) (<-chan amqp091.Delivery, int, error) {
	if err := ch.Qos(e.prefetch, 0, false); err != nil {
		return nil, 0, err
	}

	args := amqp091.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue + DLQSuffix,
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return nil, 0, err
	}

	// The DLQ is a terminal sink: durable, no further redirection.
	if _, err := ch.QueueDeclare(queue+DLQSuffix, true, false, false, false, nil); err != nil {
		return nil, 0, err
	}

	backlog := 0
	if countBacklog {
		declared, err := ch.QueueDeclarePassive(queue, true, false, false, false, args)
		if err != nil {
			return nil, 0, err
		}
		backlog = declared.Messages
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, 0, err
	}
	return deliveries, backlog, nil
}

// consume processes deliveries for one queue until ctx is cancelled. If the
// delivery stream closes underneath us (connection loss), it re-subscribes.
func (e *Engine) consume(ctx context.Context, queue string, ch Channel, deliveries <-chan amqp091.Delivery) {
	defer e.wg.Done()
	handler := e.handlers[queue]

	for {
		select {
		case <-ctx.Done():
			_ = ch.Close()
			return
		case d, ok := <-deliveries:
			if !ok {
				_ = ch.Close()
				next, nextDeliveries, err := e.resubscribe(ctx, queue)
				if err != nil {
					return
				}
				ch, deliveries = next, nextDeliveries
				continue
			}
			e.handle(ctx, queue, handler, d)
		}
	}
}

// handle runs one delivery through the wrapped handler and settles it. Errors
// never propagate to the delivery loop: a failed handler means the message is
// rejected to the dead-letter queue.
func (e *Engine) handle(ctx context.Context, queue string, handler WrappedHandler, d amqp091.Delivery) {
	msg := &Message{Delivery: d}
	start := time.Now()
	if e.metrics != nil {
		e.metrics.RecordConsumed(queue)
	}

	err := handler(ctx, msg)
	if e.metrics != nil {
		e.metrics.RecordHandlerDuration(queue, float64(time.Since(start).Microseconds())/1000.0)
	}

	if err != nil {
		e.logger.Error("message processing failed, dead-lettering",
			slog.String("queue", queue),
			slog.String("message_id", d.MessageId),
			slog.String("error", err.Error()))
		if nackErr := d.Nack(false, false); nackErr != nil {
			e.logger.Error("nack failed", slog.String("queue", queue), slog.String("error", nackErr.Error()))
		}
		if e.metrics != nil {
			e.metrics.RecordDeadLettered(queue)
		}
		return
	}

	if ackErr := d.Ack(false); ackErr != nil {
		e.logger.Error("ack failed", slog.String("queue", queue), slog.String("error", ackErr.Error()))
		return
	}
	if e.metrics != nil {
		e.metrics.RecordAcked(queue)
	}
	if e.drain.Ack() {
		if e.metrics != nil {
			e.metrics.AddDrainPending(-1)
		}
		if e.drain.Drained() {
			e.logger.Info("startup backlog drained")
		}
	}
}

// resubscribe re-establishes a consumer after the broker dropped it. The
// backlog is not recounted: drain accounting only covers process startup.
func (e *Engine) resubscribe(ctx context.Context, queue string) (Channel, <-chan amqp091.Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(resubscribeDelay):
		}

		ch, err := e.source()
		if err != nil {
			e.logger.Warn("re-subscribe channel open failed",
				slog.String("queue", queue),
				slog.String("error", err.Error()))
			continue
		}
		deliveries, _, err := e.setup(ch, queue, false)
		if err != nil {
			_ = ch.Close()
			e.logger.Warn("re-subscribe failed",
				slog.String("queue", queue),
				slog.String("error", err.Error()))
			continue
		}
		e.logger.Info("consumer re-subscribed", slog.String("queue", queue))
		return ch, deliveries, nil
	}
}

// Drained reports whether the startup backlog has been fully acknowledged.
func (e *Engine) Drained() bool {
	return e.drain.Drained()
}

// WaitUntilDrained blocks until the startup backlog is drained or ctx
// expires. Safe to call repeatedly.
func (e *Engine) WaitUntilDrained(ctx context.Context) error {
	if err := e.drain.Wait(ctx); err != nil {
		e.logger.Warn("startup drain wait ended early", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// Close waits for all consumer goroutines to finish. Call after cancelling
// the context passed to Start.
func (e *Engine) Close() {
	e.wg.Wait()
}
