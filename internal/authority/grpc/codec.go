package grpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype of the authority protocol.
const CodecName = "json"

// JSONCodec encodes authority messages as JSON. Messages are plain Go
// structs so no generated protobuf code is needed.
type JSONCodec struct{}

// Marshal implements the encoding.Codec interface.
func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("JSONCodec: marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal implements the encoding.Codec interface.
func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("JSONCodec: unmarshal %T: %w", v, err)
	}
	return nil
}

// Name returns the name of the codec.
func (JSONCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(JSONCodec{})
}

var _ encoding.Codec = JSONCodec{}
