// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package catalogsync

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/models"
	"github.com/tomtom215/catalogsync/internal/validation"
)

// TopicInvalidations carries live catalog events from the channel handler
// to the Consumer.
const TopicInvalidations = "catalog.invalidations"

// MessageTypeInvalidation is the real-time message type for live events.
const MessageTypeInvalidation = "catalog_invalidation"

// BusConfig is the gochannel configuration live events need. Publish
// waits for the consumer's ack, so events reach Sync.ApplyLive in the
// order the channel received them.
func BusConfig() gochannel.Config {
	return gochannel.Config{
		OutputChannelBuffer:            256,
		BlockPublishUntilSubscriberAck: true,
	}
}

// LiveHandler decodes catalog_invalidation messages from the real-time
// channel and publishes them on the bus. It runs on the channel's read
// loop and never touches storage itself; with BusConfig it returns once
// the consumer has handled the event.
type LiveHandler struct {
	pub message.Publisher
}

// NewLiveHandler creates a handler publishing to pub.
func NewLiveHandler(pub message.Publisher) *LiveHandler {
	return &LiveHandler{pub: pub}
}

// Handle decodes and validates payload and publishes the event.
func (h *LiveHandler) Handle(_ context.Context, payload []byte) error {
	var ev models.CatalogEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("decode catalog invalidation: %w", err)
	}
	if err := validation.ValidateStruct(&ev); err != nil {
		return fmt.Errorf("catalog invalidation: %w", err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := message.NewMessage(uuid.NewString(), data)
	msg.Metadata.Set("seq", strconv.FormatInt(ev.Seq, 10))
	msg.Metadata.Set("content_type", string(ev.ContentType))
	return h.pub.Publish(TopicInvalidations, msg)
}

// ConsumerStats are runtime counters of a Consumer. Deferred counts valid
// events that were not applied directly because a catch-up covers them.
type ConsumerStats struct {
	Received    int64
	Applied     int64
	Deferred    int64
	ParseErrors int64
	Failed      int64
}

// Consumer feeds events from the bus into Sync.ApplyLive. Messages are
// always acked: an event that fails to apply is recovered by the catch-up
// it requests, not by redelivery.
type Consumer struct {
	sub  message.Subscriber
	sync *Sync

	received    atomic.Int64
	applied     atomic.Int64
	deferred    atomic.Int64
	parseErrors atomic.Int64
	failed      atomic.Int64

	ready     chan struct{}
	readyOnce sync.Once
}

// NewConsumer creates a consumer of TopicInvalidations.
func NewConsumer(sub message.Subscriber, s *Sync) *Consumer {
	return &Consumer{sub: sub, sync: s, ready: make(chan struct{})}
}

// Ready is closed once the consumer has subscribed for the first time.
func (c *Consumer) Ready() <-chan struct{} {
	return c.ready
}

// String names the service in the supervision tree.
func (c *Consumer) String() string {
	return "catalog-invalidation-consumer"
}

// Serve consumes until ctx is done.
func (c *Consumer) Serve(ctx context.Context) error {
	messages, err := c.sub.Subscribe(ctx, TopicInvalidations)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", TopicInvalidations, err)
	}
	c.readyOnce.Do(func() { close(c.ready) })
	logging.Debug().Str("topic", TopicInvalidations).Msg("Catalog invalidation consumer started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			c.process(ctx, msg)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg *message.Message) {
	defer msg.Ack()
	c.received.Add(1)

	var ev models.CatalogEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		c.parseErrors.Add(1)
		logging.Warn().Str("message_uuid", msg.UUID).Err(err).Msg("Failed to parse catalog invalidation")
		return
	}

	applied, err := c.sync.ApplyLive(ctx, ev)
	switch {
	case err != nil:
		c.failed.Add(1)
		logging.Warn().Int64("seq", ev.Seq).Err(err).Msg("Failed to apply live catalog event")
		c.sync.RequestCatchUp()
	case applied:
		c.applied.Add(1)
	default:
		c.deferred.Add(1)
	}
}

// Stats returns the current counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Received:    c.received.Load(),
		Applied:     c.applied.Load(),
		Deferred:    c.deferred.Load(),
		ParseErrors: c.parseErrors.Load(),
		Failed:      c.failed.Load(),
	}
}
