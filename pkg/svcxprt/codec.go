package svcxprt

import (
	"fmt"
	"os"
)

// Codec defines the interface for encoding/decoding messages
type Codec interface {
	// Marshal serializes a value to bytes
	Marshal(v interface{}) ([]byte, error)

	// Unmarshal deserializes bytes to a value
	Unmarshal(data []byte, v interface{}) error

	// Name returns the name of the codec
	Name() string
}

// CodecType represents the type of codec to use
type CodecType string

const (
	// CodecJSON uses JSON encoding (default)
	CodecJSON CodecType = "json"
	// CodecMessagePack uses MessagePack encoding
	CodecMessagePack CodecType = "msgpack"
	// CodecProtobuf names a Protocol Buffers codec; NewCodec has no
	// implementation for it and returns an error.
	CodecProtobuf CodecType = "protobuf"
)

// GetJSONCodecType returns the JSON codec implementation being used.
// Can be overridden with the SVCXPRT_JSON_CODEC environment variable.
func GetJSONCodecType() string {
	if codecType := os.Getenv("SVCXPRT_JSON_CODEC"); codecType != "" {
		return codecType
	}
	// Return the compile-time selected codec
	return (&JSONCodec{}).Name()
}

// NewCodec creates a new codec based on the type. Codecs are used to encode
// a deferred request's argument bytes for storage and, by the demonstration
// stream transport, to encode the request/response envelope on the wire.
func NewCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecJSON, "":
		return &JSONCodec{}, nil
	case CodecMessagePack:
		return &MessagePackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec type: %s", codecType)
	}
}
