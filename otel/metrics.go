// Copyright (c) Genji Parkour
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the relay.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesConsumed metric.Int64Counter
	messagesAcked    metric.Int64Counter
	messagesDLQ      metric.Int64Counter
	sweepProcessed   metric.Int64Counter
	alertsSent       metric.Int64Counter

	// UpDownCounters (gauges)
	drainPending metric.Int64UpDownCounter

	// Histograms
	handlerDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("genji-relay"),
	}

	var err error

	m.messagesConsumed, err = m.meter.Int64Counter(
		"relay.messages.consumed.total",
		metric.WithDescription("Total deliveries received from the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesConsumed counter: %w", err)
	}

	m.messagesAcked, err = m.meter.Int64Counter(
		"relay.messages.acked.total",
		metric.WithDescription("Total deliveries acknowledged"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesAcked counter: %w", err)
	}

	m.messagesDLQ, err = m.meter.Int64Counter(
		"relay.messages.deadlettered.total",
		metric.WithDescription("Total deliveries rejected to dead-letter queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDLQ counter: %w", err)
	}

	m.sweepProcessed, err = m.meter.Int64Counter(
		"relay.dlq.sweep.processed.total",
		metric.WithDescription("Total dead-lettered messages handled by sweeps"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweepProcessed counter: %w", err)
	}

	m.alertsSent, err = m.meter.Int64Counter(
		"relay.dlq.alerts.total",
		metric.WithDescription("Total operator alerts sent for dead-lettered messages"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create alertsSent counter: %w", err)
	}

	m.drainPending, err = m.meter.Int64UpDownCounter(
		"relay.drain.pending",
		metric.WithDescription("Startup backlog messages not yet acknowledged"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create drainPending gauge: %w", err)
	}

	m.handlerDuration, err = m.meter.Float64Histogram(
		"relay.handler.duration.ms",
		metric.WithDescription("Handler execution duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handlerDuration histogram: %w", err)
	}

	return m, nil
}

// RecordConsumed records a delivery received from a queue.
func (m *Metrics) RecordConsumed(queue string) {
	m.messagesConsumed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("queue", queue),
	))
}

// RecordAcked records a successful acknowledgment.
func (m *Metrics) RecordAcked(queue string) {
	m.messagesAcked.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("queue", queue),
	))
}

// RecordDeadLettered records a rejection to the dead-letter queue.
func (m *Metrics) RecordDeadLettered(queue string) {
	m.messagesDLQ.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("queue", queue),
	))
}

// RecordSweepProcessed records dead-lettered messages handled in a sweep.
func (m *Metrics) RecordSweepProcessed(dlq string, n int64) {
	m.sweepProcessed.Add(context.Background(), n, metric.WithAttributes(
		attribute.String("queue", dlq),
	))
}

// RecordAlertSent records an operator alert.
func (m *Metrics) RecordAlertSent(dlq string) {
	m.alertsSent.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("queue", dlq),
	))
}

// AddDrainPending adjusts the startup backlog gauge.
func (m *Metrics) AddDrainPending(n int64) {
	m.drainPending.Add(context.Background(), n)
}

// RecordHandlerDuration records the duration of one handler invocation.
func (m *Metrics) RecordHandlerDuration(queue string, durationMs float64) {
	m.handlerDuration.Record(context.Background(), durationMs, metric.WithAttributes(
		attribute.String("queue", queue),
	))
}
