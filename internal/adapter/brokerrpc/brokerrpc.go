// Package brokerrpc wires the gRPC Broker->Scheduler stream (pb/broker)
// into this process: a client that dials the broker and hands every
// DiscordEvent it receives to a coretypes.RawEvent callback. The package
// has no server half; a broker is served through pb/broker's
// RegisterBrokerServiceServer.
//
// Grounded in the teacher's internal/plan/grpc_handler.go: a thin struct
// wrapping the generated server interface, translating wire types to the
// domain model before handing off to application logic, with slog calls
// at the same info/warn granularity.
package brokerrpc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/botloader/scheduler/internal/coretypes"
	"github.com/botloader/scheduler/pb/broker"
)

// RawEventHandler receives one decoded raw platform event, in the order
// the broker streamed it (spec.md §6: "order within a guild is preserved
// by the broker").
type RawEventHandler func(coretypes.RawEvent)

// kindByName maps the stable string identifier the broker sends per
// coretypes.EventKind; the scheduler side only needs the reverse mapping.
var kindByName = func() map[string]coretypes.EventKind {
	m := map[string]coretypes.EventKind{
		"MessageCreate":       coretypes.EventMessageCreate,
		"MessageUpdate":       coretypes.EventMessageUpdate,
		"MessageDelete":       coretypes.EventMessageDelete,
		"MemberAdd":           coretypes.EventMemberAdd,
		"MemberUpdate":        coretypes.EventMemberUpdate,
		"MemberRemove":        coretypes.EventMemberRemove,
		"ReactionAdd":         coretypes.EventReactionAdd,
		"ReactionRemove":      coretypes.EventReactionRemove,
		"ReactionRemoveAll":   coretypes.EventReactionRemoveAll,
		"ReactionRemoveEmoji": coretypes.EventReactionRemoveEmoji,
		"ChannelCreate":       coretypes.EventChannelCreate,
		"ChannelUpdate":       coretypes.EventChannelUpdate,
		"ChannelDelete":       coretypes.EventChannelDelete,
		"ThreadCreate":        coretypes.EventThreadCreate,
		"ThreadUpdate":        coretypes.EventThreadUpdate,
		"ThreadDelete":        coretypes.EventThreadDelete,
		"ThreadListSync":      coretypes.EventThreadListSync,
		"ThreadMemberUpdate":  coretypes.EventThreadMemberUpdate,
		"ThreadMembersUpdate": coretypes.EventThreadMembersUpdate,
		"InteractionCreate":   coretypes.EventInteractionCreate,
		"InviteCreate":        coretypes.EventInviteCreate,
		"InviteDelete":        coretypes.EventInviteDelete,
		"VoiceStateUpdate":    coretypes.EventVoiceStateUpdate,
		"GuildCreate":         coretypes.EventGuildCreate,
		"GuildDelete":         coretypes.EventGuildDelete,
		"MessageDeleteBulk":   coretypes.EventMessageDeleteBulk,
	}
	return m
}()

var variantByName = map[string]coretypes.InteractionVariant{
	"Command":     coretypes.InteractionCommand,
	"Component":   coretypes.InteractionComponent,
	"ModalSubmit": coretypes.InteractionModalSubmit,
}

func toRawEvent(evt *broker.DiscordEvent) coretypes.RawEvent {
	var guild *coretypes.GuildID
	if evt.GuildID != nil {
		g := coretypes.GuildID(*evt.GuildID)
		guild = &g
	}
	return coretypes.RawEvent{
		GuildID:            guild,
		Kind:               kindByName[evt.Kind],
		InteractionVariant: variantByName[evt.InteractionVariant],
		Payload:            evt.Payload,
	}
}

// Client streams events from a broker gRPC endpoint and invokes handler
// for each, reconnecting with backoff on stream failure so a transient
// broker restart doesn't need operator intervention.
type Client struct {
	addr     string
	workerID string
	handler  RawEventHandler
	log      *slog.Logger
}

// NewClient constructs a Client. addr is the broker's gRPC listen
// address (spec.md §6 configuration surface).
func NewClient(addr, workerID string, handler RawEventHandler) *Client {
	return &Client{addr: addr, workerID: workerID, handler: handler, log: slog.Default().With("component", "brokerrpc")}
}

// Run connects and streams events until ctx is canceled, reconnecting
// with capped exponential backoff between attempts.
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.runOnce(ctx); err != nil {
			c.log.Warn("broker stream ended, reconnecting", "err", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, err := grpc.NewClient(c.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("brokerrpc: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	client := broker.NewBrokerServiceClient(conn)
	stream, err := client.StreamEvents(ctx, &broker.StreamEventsRequest{WorkerID: c.workerID})
	if err != nil {
		return fmt.Errorf("brokerrpc: open stream: %w", err)
	}

	var lastSeq uint64
	for {
		evt, err := stream.Recv()
		if err != nil {
			return err
		}
		c.handler(toRawEvent(evt))
		lastSeq++
		_ = stream.Send(&broker.Ack{LastSeq: lastSeq})
	}
}
