package codec

import (
	"encoding/json"
	"fmt"

	"github.com/spectralab/conductor/lib/message"
)

// NameJSON identifies the JSON codec in configuration.
const NameJSON = "json"

// JSON encodes messages with encoding/json. This is the default codec and
// the one readable on the wire with plain tooling.
type JSON struct{}

// Name implements Codec.
func (JSON) Name() string { return NameJSON }

// Marshal implements Codec.
func (JSON) Marshal(msg *message.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// Unmarshal implements Codec.
func (JSON) Unmarshal(data []byte) (*message.Message, error) {
	var msg message.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}
