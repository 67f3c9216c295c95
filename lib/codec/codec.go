// Package codec provides the wire serializations for messages. The framing
// layer is codec-agnostic; both ends of a connection must simply agree on
// the codec name, which is part of the system configuration.
package codec

import (
	"fmt"

	"github.com/spectralab/conductor/lib/message"
)

// Codec encodes and decodes a message body. Implementations must be safe
// for concurrent use.
type Codec interface {
	Name() string
	Marshal(msg *message.Message) ([]byte, error)
	Unmarshal(data []byte) (*message.Message, error)
}

// ByName returns the codec registered under the given name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", NameJSON:
		return JSON{}, nil
	case NameProto:
		return Proto{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}
