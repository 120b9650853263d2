package grpc

import (
	"encoding/json"

	"github.com/yungtweek/talkie/apps/completion-gateway/internal/protocol"
	"google.golang.org/grpc/encoding"
)

// codecName is the content-subtype of the JSON codec ("application/grpc+json").
const codecName = "json"

// jsonCodec carries completion messages as JSON so the service does not need
// generated protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return protocol.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
