package server

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// JSONCodecName is the gRPC content subtype for the ledger service. Clients
// select it with grpc.CallContentSubtype(JSONCodecName).
const JSONCodecName = "json"

// jsonCodec marshals protobuf messages with protojson and plain Go structs
// with encoding/json, so the health service and the ledger service share one
// content subtype.
type jsonCodec struct{}

func (jsonCodec) Name() string { return JSONCodecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return protojson.Marshal(m)
	}
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return protojson.Unmarshal(data, m)
	}
	return json.Unmarshal(data, v)
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
