package broker

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec marshals DiscordEvent/Ack/StreamEventsRequest as JSON instead
// of protobuf wire format, since this package's messages are plain Go
// structs rather than protoc-generated proto.Message implementations (see
// broker.go's doc comment). Registered under the "proto" name so it
// becomes the default codec for any grpc.ClientConn/grpc.Server that
// doesn't explicitly request another one — this service is the only gRPC
// traffic this process originates.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return "proto" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
