// Package pubsubbroker is an alternate Broker->Scheduler transport for
// deployments that front the discord gateway with Google Cloud Pub/Sub
// instead of a direct gRPC stream (spec.md §6): the broker publishes one
// message per raw platform event, ordered per guild via Pub/Sub's
// ordering-key feature, and this package subscribes and decodes each
// message into a coretypes.RawEvent for the scheduler's normal admission
// path.
//
// Grounded in the teacher's internal/events/pubsub_bus.go: same
// client/topic construction and existence check (adapted here to a
// subscription), same per-tenant Pub/Sub ordering key usage, same
// log-prefixed *slog.Logger style.
package pubsubbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"

	"github.com/botloader/scheduler/internal/coretypes"
)

// RawEventHandler receives one decoded raw platform event.
type RawEventHandler func(coretypes.RawEvent)

// wireMessage is the JSON payload the broker publishes per event,
// attribute-compatible with the teacher's CloudEvents-shaped attributes
// (ce-type etc.) but carrying the full event as the message body rather
// than attributes, since RawEvent's Payload is itself opaque JSON.
type wireMessage struct {
	GuildID            *uint64         `json:"guild_id"`
	Kind               int             `json:"kind"`
	InteractionVariant int             `json:"interaction_variant"`
	Payload            json.RawMessage `json:"payload"`
}

// Subscriber pulls raw events off a Pub/Sub subscription and forwards them
// to a handler, acking only after the handler returns so an ungraceful
// crash mid-dispatch redelivers the event (at-least-once per spec.md §1
// non-goals).
type Subscriber struct {
	client *pubsub.Client
	sub    *pubsub.Subscription
	log    *slog.Logger
}

// NewSubscriber connects to projectID and binds to an existing
// subscriptionID. The broker side owns topic/subscription creation; this
// package only subscribes.
func NewSubscriber(ctx context.Context, projectID, subscriptionID string) (*Subscriber, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsubbroker: pubsub.NewClient: %w", err)
	}

	sub := client.Subscription(subscriptionID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("pubsubbroker: subscription.Exists: %w", err)
	}
	if !exists {
		client.Close()
		return nil, fmt.Errorf("pubsubbroker: subscription %q does not exist", subscriptionID)
	}

	return &Subscriber{
		client: client,
		sub:    sub,
		log:    slog.Default().With("component", "pubsubbroker"),
	}, nil
}

// Run pulls messages until ctx is canceled, decoding and forwarding each
// to handler. Malformed messages are acked and dropped (they can never
// decode successfully on redelivery either) rather than nacked forever.
func (s *Subscriber) Run(ctx context.Context, handler RawEventHandler) error {
	return s.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var wm wireMessage
		if err := json.Unmarshal(msg.Data, &wm); err != nil {
			s.log.Warn("malformed pubsub message, dropping", "err", err, "msg_id", msg.ID)
			msg.Ack()
			return
		}

		handler(wm.toRawEvent())
		msg.Ack()
	})
}

func (wm wireMessage) toRawEvent() coretypes.RawEvent {
	var guild *coretypes.GuildID
	if wm.GuildID != nil {
		g := coretypes.GuildID(*wm.GuildID)
		guild = &g
	}
	return coretypes.RawEvent{
		GuildID:            guild,
		Kind:               coretypes.EventKind(wm.Kind),
		InteractionVariant: coretypes.InteractionVariant(wm.InteractionVariant),
		Payload:            wm.Payload,
	}
}

// Close releases the underlying Pub/Sub client.
func (s *Subscriber) Close() error {
	return s.client.Close()
}
