// Package wire is the one concrete transport binding for pkg/dispatcher's
// message types: a gRPC bidirectional-streaming service, marshaled by a
// hand-registered JSON codec instead of protoc-generated protobuf types
// (no protoc toolchain is assumed to be available). google.golang.org/grpc
// supports exactly this as a first-class extension point via
// encoding.RegisterCodec.
package wire

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is negotiated over the wire in the grpc-encoding header; both
// ends of a connection must register the same codec under this name.
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements encoding.Codec by delegating to encoding/json. Every
// message type exchanged by pkg/dispatcher is a plain struct of exported
// fields, so no custom marshaling is needed.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json codec marshal: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json codec unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }
