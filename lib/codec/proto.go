package codec

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/spectralab/conductor/lib/message"
)

// NameProto identifies the protobuf codec in configuration.
const NameProto = "proto"

// Proto encodes messages as a protobuf structpb.Struct. The envelope fields
// become top-level struct fields and the payload stays a nested struct, so
// no generated types are needed and the payload remains schemaless, exactly
// as on the JSON wire.
type Proto struct{}

// Name implements Codec.
func (Proto) Name() string { return NameProto }

// Marshal implements Codec.
func (Proto) Marshal(msg *message.Message) ([]byte, error) {
	payload := msg.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	st, err := structpb.NewStruct(map[string]any{
		"id":          msg.ID,
		"sender":      msg.Sender,
		"destination": msg.Destination,
		"type":        msg.Type,
		"timestamp":   msg.Timestamp.Format(time.RFC3339Nano),
		"payload":     payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build struct: %w", err)
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal struct: %w", err)
	}
	return data, nil
}

// Unmarshal implements Codec.
func (Proto) Unmarshal(data []byte) (*message.Message, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal struct: %w", err)
	}
	fields := st.AsMap()

	msg := &message.Message{
		ID:          stringField(fields, "id"),
		Sender:      stringField(fields, "sender"),
		Destination: stringField(fields, "destination"),
		Type:        stringField(fields, "type"),
		Payload:     map[string]any{},
	}
	if ts := stringField(fields, "timestamp"); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse timestamp: %w", err)
		}
		msg.Timestamp = parsed
	}
	if p, ok := fields["payload"].(map[string]any); ok {
		msg.Payload = p
	}
	return msg, nil
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}
