// Package rpc defines the bidirectional RPC surface between the control
// plane (client) and a task-runtime worker (server): the unary dispatch/
// command/file-op methods and the server-push event subscription stream
// described in spec §4.8.
//
// No .proto file or protoc-generated code ships with this module — none
// was available to ground against — so request/reply/event types are
// plain Go structs carried over grpc using a JSON encoding.Codec instead
// of protobuf wire encoding. This keeps every other grpc idiom (HTTP/2
// multiplexed streams, metadata, interceptors, status codes) exactly as
// the teacher uses them; only the on-wire byte format differs.
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is registered with grpc via encoding.RegisterCodec. The client
// selects it with grpc.CallContentSubtype; the server picks it from the
// request's content-subtype through that registration.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
