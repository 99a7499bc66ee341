// Copyright (c) Genji Parkour
// SPDX-License-Identifier: Apache-2.0

package dlq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/genjipk/relay/consumer"
	"github.com/genjipk/relay/otel"
)

// sweepPrefetch is the QoS applied to the channel held for a full sweep.
const sweepPrefetch = 100

// Channel is the subset of *amqp091.Channel the sweeper uses.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	Get(queue string, autoAck bool) (amqp091.Delivery, bool, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// ChannelSource opens a broker channel for one sweep cycle.
type ChannelSource func() (Channel, error)

// Notifier alerts an operator channel about a dead-lettered message.
type Notifier interface {
	Alert(ctx context.Context, dlqName string, body []byte) error
}

// Config holds sweep settings.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// MaxPerQueue is a hard safety ceiling per queue per sweep, applied on
	// top of the depth snapshot.
	MaxPerQueue int
	// NotifiedHeader marks messages whose operator alert already went out.
	// The republished copy also carries "<NotifiedHeader>_at" with a unix
	// timestamp.
	NotifiedHeader string
}

// Sweeper periodically drains every registered queue's dead-letter queue:
// unseen messages trigger one operator alert and are republished with a seen
// marker; already-seen messages are silently requeued. Each sweep is bounded
// by the queue depth snapshotted at its start, so republishing back into the
// same queue can never make a sweep loop on its own output.
type Sweeper struct {
	source   ChannelSource
	queues   func() []string
	notifier Notifier
	metrics  *otel.Metrics
	logger   *slog.Logger
	cfg      Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper over the base queue names returned by queues.
// metrics may be nil.
func NewSweeper(cfg Config, source ChannelSource, queues func() []string, notifier Notifier, metrics *otel.Metrics, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		source:   source,
		queues:   queues,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background sweep loop. Call after the consumer engine
// has begun consuming, so the dead-letter queues exist.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	s.logger.Debug("dead-letter sweeper started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Int("max_per_queue", s.cfg.MaxPerQueue))
}

// Stop stops the sweep loop and waits for the current sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			processed, err := s.SweepOnce(ctx)
			if err != nil {
				// Transient: the next cycle retries.
				s.logger.Warn("dead-letter sweep failed", slog.String("error", err.Error()))
			}
			if processed > 0 {
				s.logger.Info("dead-letter sweep finished", slog.Int("processed", processed))
			}
		}
	}
}

// SweepOnce processes each registered queue's dead-letter queue once and
// returns the total number of messages handled. One channel is held for the
// whole cycle.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	ch, err := s.source()
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	if err := ch.Qos(sweepPrefetch, 0, false); err != nil {
		return 0, err
	}

	total := 0
	for _, base := range s.queues() {
		n, err := s.sweepQueue(ctx, ch, base)
		total += n
		if err != nil {
			s.logger.Warn("error sweeping dead-letter queue",
				slog.String("queue", base+consumer.DLQSuffix),
				slog.String("error", err.Error()))
			// A channel-level error kills the channel; end this cycle.
			return total, err
		}
	}
	return total, nil
}

// sweepQueue republishes at most <snapshot depth> messages from the base
// queue's DLQ, stamping the seen marker. The snapshot is taken before the
// loop so messages republished during this cycle are not picked up again.
func (s *Sweeper) sweepQueue(ctx context.Context, ch Channel, base string) (int, error) {
	dlqName := base + consumer.DLQSuffix

	declared, err := ch.QueueDeclarePassive(dlqName, true, false, false, false, nil)
	if err != nil {
		return 0, err
	}

	limit := declared.Messages
	if limit > s.cfg.MaxPerQueue {
		limit = s.cfg.MaxPerQueue
	}
	if limit == 0 {
		return 0, nil
	}

	processed := 0
	for processed < limit {
		d, ok, err := ch.Get(dlqName, false)
		if err != nil {
			return processed, err
		}
		if !ok {
			break
		}

		msg := consumer.Message{Delivery: d}
		if msg.HeaderFlag(s.cfg.NotifiedHeader) {
			// Operator was already alerted; leave it for manual resolution.
			if err := d.Nack(false, true); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		if err := s.notifier.Alert(ctx, dlqName, d.Body); err != nil {
			// Best-effort: requeue unstamped so the next sweep alerts again.
			s.logger.Warn("dead-letter alert failed",
				slog.String("queue", dlqName),
				slog.String("error", err.Error()))
			if err := d.Nack(false, true); err != nil {
				return processed, err
			}
			processed++
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordAlertSent(dlqName)
		}

		if err := ch.PublishWithContext(ctx, "", dlqName, false, false, s.stampedCopy(d)); err != nil {
			s.logger.Warn("dead-letter republish failed",
				slog.String("queue", dlqName),
				slog.String("error", err.Error()))
			if err := d.Nack(false, true); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		if err := d.Ack(false); err != nil {
			return processed, err
		}
		processed++
	}

	if processed > 0 {
		if s.metrics != nil {
			s.metrics.RecordSweepProcessed(dlqName, int64(processed))
		}
		s.logger.Debug("swept dead-letter queue",
			slog.String("queue", dlqName),
			slog.Int("processed", processed),
			slog.Int("snapshot", declared.Messages))
	}
	return processed, nil
}

// stampedCopy builds the republished copy: original body and identifying
// properties preserved, seen marker and timestamp added.
func (s *Sweeper) stampedCopy(d amqp091.Delivery) amqp091.Publishing {
	headers := amqp091.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[s.cfg.NotifiedHeader] = true
	headers[s.cfg.NotifiedHeader+"_at"] = time.Now().Unix()

	return amqp091.Publishing{
		Headers:         headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    d.DeliveryMode,
		CorrelationId:   d.CorrelationId,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		AppId:           d.AppId,
		UserId:          d.UserId,
		Body:            d.Body,
	}
}
