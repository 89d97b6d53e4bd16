package replication

import (
	"google.golang.org/grpc/encoding"

	"lens/pkg/codec"
)

// CodecName is the gRPC content-subtype of the replication wire.
const CodecName = "cbor"

func init() {
	encoding.RegisterCodec(cborCodec{})
}

// cborCodec carries replication messages as deterministic CBOR, so an
// operation's bytes on the wire are the bytes its signature covers.
type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error) {
	return codec.Marshal(v)
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	return codec.Unmarshal(data, v)
}

func (cborCodec) Name() string {
	return CodecName
}
