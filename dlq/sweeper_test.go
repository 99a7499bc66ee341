// Copyright (c) Genji Parkour
// SPDX-License-Identifier: Apache-2.0

package dlq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAcknowledger struct {
	mu       sync.Mutex
	acks     []uint64
	nacks    []uint64
	requeues []bool
}

func (a *recordingAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *recordingAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, tag)
	a.requeues = append(a.requeues, requeue)
	return nil
}

func (a *recordingAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeSweepChannel struct {
	ack *recordingAcknowledger

	items     []amqp091.Delivery
	depth     int
	published []amqp091.Publishing
	gets      int
	closed    bool

	// When set, republished messages land back on the fake queue, mirroring
	// the real broker.
	loopback bool
}

func (c *fakeSweepChannel) Qos(int, int, bool) error { return nil }

func (c *fakeSweepChannel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp091.Table) (amqp091.Queue, error) {
	return amqp091.Queue{Name: name, Messages: c.depth}, nil
}

func (c *fakeSweepChannel) Get(string, bool) (amqp091.Delivery, bool, error) {
	c.gets++
	if len(c.items) == 0 {
		return amqp091.Delivery{}, false, nil
	}
	d := c.items[0]
	c.items = c.items[1:]
	return d, true, nil
}

func (c *fakeSweepChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp091.Publishing) error {
	c.published = append(c.published, msg)
	if c.loopback {
		c.items = append(c.items, amqp091.Delivery{
			Acknowledger: c.ack,
			Headers:      msg.Headers,
			Body:         msg.Body,
		})
	}
	return nil
}

func (c *fakeSweepChannel) Close() error {
	c.closed = true
	return nil
}

type fakeNotifier struct {
	err    error
	queues []string
	bodies [][]byte
}

func (n *fakeNotifier) Alert(_ context.Context, dlqName string, body []byte) error {
	n.queues = append(n.queues, dlqName)
	n.bodies = append(n.bodies, body)
	return n.err
}

func newSweeper(ch *fakeSweepChannel, notifier Notifier, maxPerQueue int) *Sweeper {
	return NewSweeper(
		Config{
			Interval:       time.Minute,
			MaxPerQueue:    maxPerQueue,
			NotifiedHeader: "dlq_notified",
		},
		func() (Channel, error) { return ch, nil },
		func() []string { return []string{"jobs"} },
		notifier,
		nil,
		nil,
	)
}

func delivery(ack *recordingAcknowledger, tag uint64, headers amqp091.Table, body string) amqp091.Delivery {
	return amqp091.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		Headers:      headers,
		Body:         []byte(body),
	}
}

func TestSweepAlertsAndRepublishes(t *testing.T) {
	ack := &recordingAcknowledger{}
	ch := &fakeSweepChannel{ack: ack, depth: 2}
	ch.items = []amqp091.Delivery{
		delivery(ack, 1, nil, `{"a":1}`),
		delivery(ack, 2, nil, `{"b":2}`),
	}
	notifier := &fakeNotifier{}

	processed, err := newSweeper(ch, notifier, 5000).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	assert.Equal(t, []string{"jobs.dlq", "jobs.dlq"}, notifier.queues)
	require.Len(t, ch.published, 2)
	assert.Equal(t, []uint64{1, 2}, ack.acks)
	assert.Empty(t, ack.nacks)
	assert.True(t, ch.closed)

	stamped := ch.published[0]
	assert.Equal(t, true, stamped.Headers["dlq_notified"])
	assert.NotNil(t, stamped.Headers["dlq_notified_at"])
	assert.Equal(t, []byte(`{"a":1}`), stamped.Body)
}

func TestSweepPreservesMessageProperties(t *testing.T) {
	ack := &recordingAcknowledger{}
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ch := &fakeSweepChannel{ack: ack, depth: 1}
	ch.items = []amqp091.Delivery{{
		Acknowledger:    ack,
		DeliveryTag:     1,
		Headers:         amqp091.Table{"retry_count": int32(2)},
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		DeliveryMode:    amqp091.Persistent,
		CorrelationId:   "corr-1",
		MessageId:       "msg-1",
		Timestamp:       ts,
		Type:            "xp_grant",
		AppId:           "backend",
		UserId:          "relay",
		Body:            []byte("{}"),
	}}

	_, err := newSweeper(ch, &fakeNotifier{}, 5000).SweepOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, ch.published, 1)
	got := ch.published[0]
	assert.Equal(t, "application/json", got.ContentType)
	assert.Equal(t, "utf-8", got.ContentEncoding)
	assert.Equal(t, uint8(amqp091.Persistent), got.DeliveryMode)
	assert.Equal(t, "corr-1", got.CorrelationId)
	assert.Equal(t, "msg-1", got.MessageId)
	assert.Equal(t, ts, got.Timestamp)
	assert.Equal(t, "xp_grant", got.Type)
	assert.Equal(t, "backend", got.AppId)
	assert.Equal(t, "relay", got.UserId)
	assert.Equal(t, int32(2), got.Headers["retry_count"], "existing headers must survive")
}

func TestSweepSkipsAlreadyNotified(t *testing.T) {
	ack := &recordingAcknowledger{}
	ch := &fakeSweepChannel{ack: ack, depth: 1}
	ch.items = []amqp091.Delivery{
		delivery(ack, 1, amqp091.Table{"dlq_notified": true}, "{}"),
	}
	notifier := &fakeNotifier{}

	processed, err := newSweeper(ch, notifier, 5000).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed, "notified messages still count toward the bound")

	assert.Empty(t, notifier.queues, "no second alert for a notified message")
	assert.Empty(t, ch.published)
	assert.Equal(t, []uint64{1}, ack.nacks)
	assert.Equal(t, []bool{true}, ack.requeues)
}

func TestSweepHonorsHardCap(t *testing.T) {
	ack := &recordingAcknowledger{}
	ch := &fakeSweepChannel{ack: ack, depth: 10}
	for tag := uint64(1); tag <= 10; tag++ {
		ch.items = append(ch.items, delivery(ack, tag, nil, "{}"))
	}

	processed, err := newSweeper(ch, &fakeNotifier{}, 3).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, processed)
	assert.Equal(t, 3, ch.gets, "the cap must bound broker round-trips, not just bookkeeping")
}

func TestSweepSnapshotBoundsLoopback(t *testing.T) {
	// Republished copies land back on the same queue. The depth snapshot taken
	// before the loop must keep the sweep from chasing its own output.
	ack := &recordingAcknowledger{}
	ch := &fakeSweepChannel{ack: ack, depth: 2, loopback: true}
	ch.items = []amqp091.Delivery{
		delivery(ack, 1, nil, "{}"),
		delivery(ack, 2, nil, "{}"),
	}

	processed, err := newSweeper(ch, &fakeNotifier{}, 5000).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.Len(t, ch.published, 2)
	assert.Len(t, ch.items, 2, "republished copies stay queued for the next cycle")
}

func TestSweepEmptyQueue(t *testing.T) {
	ch := &fakeSweepChannel{depth: 0}
	processed, err := newSweeper(ch, &fakeNotifier{}, 5000).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, processed)
	assert.Zero(t, ch.gets)
}

func TestSweepDepthLargerThanContents(t *testing.T) {
	// Another consumer may empty the queue between the snapshot and the Gets.
	ack := &recordingAcknowledger{}
	ch := &fakeSweepChannel{ack: ack, depth: 5}
	ch.items = []amqp091.Delivery{delivery(ack, 1, nil, "{}")}

	processed, err := newSweeper(ch, &fakeNotifier{}, 5000).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 2, ch.gets, "an empty Get ends the queue's iteration")
}

func TestSweepAlertFailureRequeuesWithoutStamp(t *testing.T) {
	ack := &recordingAcknowledger{}
	ch := &fakeSweepChannel{ack: ack, depth: 1}
	ch.items = []amqp091.Delivery{delivery(ack, 1, nil, "{}")}
	notifier := &fakeNotifier{err: errors.New("webhook down")}

	processed, err := newSweeper(ch, notifier, 5000).SweepOnce(context.Background())
	require.NoError(t, err, "alert failures are best-effort")
	assert.Equal(t, 1, processed)

	assert.Empty(t, ch.published, "no stamp without a delivered alert")
	assert.Equal(t, []uint64{1}, ack.nacks)
	assert.Equal(t, []bool{true}, ack.requeues)
}

func TestSweepChannelSourceFailure(t *testing.T) {
	wantErr := errors.New("no broker")
	s := NewSweeper(
		Config{Interval: time.Minute, MaxPerQueue: 10, NotifiedHeader: "dlq_notified"},
		func() (Channel, error) { return nil, wantErr },
		func() []string { return []string{"jobs"} },
		&fakeNotifier{},
		nil,
		nil,
	)

	_, err := s.SweepOnce(context.Background())
	require.ErrorIs(t, err, wantErr)
}
