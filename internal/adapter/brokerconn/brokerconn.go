// Package brokerconn implements the alternate, low-latency Broker->
// Scheduler push channel used in dev/test when the gRPC broker stream
// (pb/broker + internal/adapter/brokerrpc) isn't available: a
// Socket.IO server the discord-gateway broker connects to and emits raw
// platform events on.
//
// Grounded in the teacher's cmd/probe "Synapse Bridge" setup
// (setupSocketServer in cmd/probe/main.go): a single namespace, a bare
// OnConnect/OnDisconnect pair for connection bookkeeping, and
// http.Handle("/socket.io/", server) mounted into the process's own HTTP
// mux rather than a second listener.
package brokerconn

import (
	"encoding/json"
	"log/slog"
	"net/http"

	socketio "github.com/googollee/go-socket.io"

	"github.com/botloader/scheduler/internal/coretypes"
)

// RawEventHandler receives one decoded raw platform event. The caller
// (cmd/scheduler wiring) runs it through the dispatch codec and
// scheduler.Admit.
type RawEventHandler func(coretypes.RawEvent)

// wireEvent is the JSON shape emitted by the broker over the
// "discord_event" Socket.IO event, mirroring RawEvent's fields with a
// wire-friendly optional guild_id.
type wireEvent struct {
	GuildID            *uint64         `json:"guild_id"`
	Kind               int             `json:"kind"`
	InteractionVariant int             `json:"interaction_variant"`
	Payload            json.RawMessage `json:"payload"`
}

// Bridge wraps a socketio.Server configured to accept exactly one event
// kind ("discord_event") from a connected broker and forward it to an
// application-supplied handler.
type Bridge struct {
	server  *socketio.Server
	log     *slog.Logger
	onEvent RawEventHandler
}

// New constructs a Bridge. handler is invoked, synchronously, once per
// received event — callers that need to avoid blocking the Socket.IO
// read loop should hand off to their own queue inside handler.
func New(handler RawEventHandler) *Bridge {
	server := socketio.NewServer(nil)
	b := &Bridge{server: server, log: slog.Default().With("component", "brokerconn"), onEvent: handler}

	server.OnConnect("/", func(s socketio.Conn) error {
		b.log.Info("broker connected", "conn", s.ID())
		return nil
	})

	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		b.log.Info("broker disconnected", "conn", s.ID(), "reason", reason)
	})

	server.OnError("/", func(s socketio.Conn, err error) {
		b.log.Warn("broker connection error", "err", err)
	})

	server.OnEvent("/", "discord_event", func(s socketio.Conn, payload string) {
		var we wireEvent
		if err := json.Unmarshal([]byte(payload), &we); err != nil {
			b.log.Warn("malformed discord_event payload", "err", err)
			return
		}
		b.onEvent(we.toRawEvent())
	})

	return b
}

func (we wireEvent) toRawEvent() coretypes.RawEvent {
	var guild *coretypes.GuildID
	if we.GuildID != nil {
		g := coretypes.GuildID(*we.GuildID)
		guild = &g
	}
	return coretypes.RawEvent{
		GuildID:            guild,
		Kind:               coretypes.EventKind(we.Kind),
		InteractionVariant: coretypes.InteractionVariant(we.InteractionVariant),
		Payload:            we.Payload,
	}
}

// Serve starts the Socket.IO server's internal event loop. Call once
// before mounting Handler into an HTTP mux.
func (b *Bridge) Serve() error {
	return b.server.Serve()
}

// Close stops the Socket.IO server's event loop.
func (b *Bridge) Close() error {
	return b.server.Close()
}

// Handler returns the http.Handler to mount at "/socket.io/".
func (b *Bridge) Handler() http.Handler {
	return b.server
}

// MountDefault mounts the bridge on http.DefaultServeMux at "/socket.io/",
// matching the teacher's bare http.Handle call for this same server type.
func (b *Bridge) MountDefault() {
	http.Handle("/socket.io/", b.server)
}

// Stats returns a fixed description of the bridge's mount path; it carries
// no connection counts.
func (b *Bridge) Stats() string {
	return "brokerconn: socket.io bridge listening on /socket.io/"
}
