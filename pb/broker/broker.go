// Package broker holds the message types and gRPC service surface for the
// Broker->Scheduler RPC (spec.md §6): a server-streaming call the
// discord-gateway broker opens once and pushes DiscordEvent records down,
// in per-guild arrival order.
//
// Hand-written in the same reduced style as the teacher's pb/mock.go
// (plain Go structs standing in for protobuf messages, no .proto source
// compiled by this repo) rather than a generated _grpc.pb.go: the service
// surface is small and stable enough that the teacher's own precedent of
// hand-maintained pb types, not code generation, is the better fit here.
package broker

import (
	"context"
	"io"

	"google.golang.org/grpc"
)

// DiscordEvent is one raw platform event as delivered by the broker.
// GuildID is nil for guild-less events (spec.md §6); InteractionVariant is
// only meaningful when Kind == "InteractionCreate". Payload is the
// canonical internal-model JSON for Kind, handed unmodified to
// internal/dispatch.ToDispatchEvent after being unpacked into a
// coretypes.RawEvent by internal/adapter/brokerrpc.
type DiscordEvent struct {
	GuildID            *uint64
	Kind               string
	InteractionVariant string
	Payload            []byte
}

// StreamEventsRequest starts the broker's event stream. WorkerID
// identifies the scheduler instance for broker-side sharding/affinity;
// empty is valid for single-scheduler deployments.
type StreamEventsRequest struct {
	WorkerID string
}

// Ack is sent by the scheduler (internal/adapter/brokerrpc) after every
// event it hands to its handler. LastSeq is the count of events received
// on the current stream; DiscordEvent carries no broker-assigned sequence.
// The broker can use it to trim any replay buffer it keeps across
// reconnects.
type Ack struct {
	LastSeq uint64
}

// BrokerServiceClient is the scheduler-side client of the broker stream.
type BrokerServiceClient interface {
	StreamEvents(ctx context.Context, in *StreamEventsRequest, opts ...grpc.CallOption) (BrokerService_StreamEventsClient, error)
}

// BrokerService_StreamEventsClient is the scheduler's receive side of the
// stream, plus an Ack send used for broker-side replay-buffer trimming.
type BrokerService_StreamEventsClient interface {
	Recv() (*DiscordEvent, error)
	Send(*Ack) error
	grpc.ClientStream
}

type brokerServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewBrokerServiceClient wraps a *grpc.ClientConn (or any
// grpc.ClientConnInterface, e.g. a test fake) for calling StreamEvents.
func NewBrokerServiceClient(cc grpc.ClientConnInterface) BrokerServiceClient {
	return &brokerServiceClient{cc: cc}
}

func (c *brokerServiceClient) StreamEvents(ctx context.Context, in *StreamEventsRequest, opts ...grpc.CallOption) (BrokerService_StreamEventsClient, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], "/botloader.broker.BrokerService/StreamEvents", opts...)
	if err != nil {
		return nil, err
	}
	x := &brokerServiceStreamEventsClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type brokerServiceStreamEventsClient struct {
	grpc.ClientStream
}

func (x *brokerServiceStreamEventsClient) Send(ack *Ack) error {
	return x.ClientStream.SendMsg(ack)
}

func (x *brokerServiceStreamEventsClient) Recv() (*DiscordEvent, error) {
	m := new(DiscordEvent)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// BrokerServiceServer is implemented by the broker process (outside this
// repo's scope); defined here only so internal/adapter/brokerrpc's test
// fakes and any in-process broker simulator share the same contract.
type BrokerServiceServer interface {
	StreamEvents(*StreamEventsRequest, BrokerService_StreamEventsServer) error
}

// UnimplementedBrokerServiceServer can be embedded to satisfy
// BrokerServiceServer for forward compatibility, matching the teacher's
// UnimplementedPlanServiceServer convention in pb/mock.go.
type UnimplementedBrokerServiceServer struct{}

func (UnimplementedBrokerServiceServer) StreamEvents(*StreamEventsRequest, BrokerService_StreamEventsServer) error {
	return io.EOF
}

// BrokerService_StreamEventsServer is the broker's send side of the
// stream, plus the receive side of the scheduler's per-event Ack.
type BrokerService_StreamEventsServer interface {
	Send(*DiscordEvent) error
	Recv() (*Ack, error)
	grpc.ServerStream
}

type brokerServiceStreamEventsServer struct {
	grpc.ServerStream
}

func (x *brokerServiceStreamEventsServer) Send(evt *DiscordEvent) error {
	return x.ServerStream.SendMsg(evt)
}

func (x *brokerServiceStreamEventsServer) Recv() (*Ack, error) {
	m := new(Ack)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func streamEventsHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(StreamEventsRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(BrokerServiceServer).StreamEvents(m, &brokerServiceStreamEventsServer{stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "botloader.broker.BrokerService",
	HandlerType: (*BrokerServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			Handler:       streamEventsHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "pb/broker/broker.go",
}

// RegisterBrokerServiceServer registers srv against s, the same call
// shape as a generated RegisterXxxServer function.
func RegisterBrokerServiceServer(s grpc.ServiceRegistrar, srv BrokerServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}
