package event

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/flowadapter/internal/runtime/config"
	"github.com/drblury/flowadapter/internal/runtime/jsoncodec"
)

// Serializer turns an event into bytes for a transport.
type Serializer interface {
	Marshal(e Event) ([]byte, error)
	Unmarshal(data []byte) (Event, error)
	ContentType() string
}

// SerializerFor returns the serializer for a config format name.
func SerializerFor(format string, codec *jsoncodec.Codec) (Serializer, error) {
	switch format {
	case "", config.FormatJSON:
		return JSONSerializer{Codec: jsoncodec.OrDefault(codec)}, nil
	case config.FormatProto:
		return ProtoSerializer{}, nil
	default:
		return nil, fmt.Errorf("event: unknown format %q", format)
	}
}

// JSONSerializer encodes the envelope as structured-mode CloudEvents JSON.
type JSONSerializer struct {
	Codec *jsoncodec.Codec
}

func (s JSONSerializer) Marshal(e Event) ([]byte, error) {
	return jsoncodec.OrDefault(s.Codec).Marshal(e)
}

func (s JSONSerializer) Unmarshal(data []byte) (Event, error) {
	var e Event
	err := jsoncodec.OrDefault(s.Codec).Unmarshal(data, &e)
	return e, err
}

func (JSONSerializer) ContentType() string { return "application/cloudevents+json" }

// ProtoSerializer encodes the envelope as a google.protobuf.Struct.
type ProtoSerializer struct{}

func (ProtoSerializer) Marshal(e Event) ([]byte, error) {
	fields := map[string]any{
		"specversion": e.SpecVersion,
		"type":        e.Type,
		"source":      e.Source,
		"id":          e.ID,
		"time":        e.Time.UTC().Format(time.RFC3339Nano),
	}
	if e.Subject != "" {
		fields["subject"] = e.Subject
	}
	if e.Data != nil {
		fields["data"] = e.Data
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("event: encode struct: %w", err)
	}
	return proto.Marshal(st)
}

func (ProtoSerializer) Unmarshal(data []byte) (Event, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return Event{}, err
	}
	m := st.AsMap()
	e := Event{
		SpecVersion: stringField(m, "specversion"),
		Type:        stringField(m, "type"),
		Source:      stringField(m, "source"),
		ID:          stringField(m, "id"),
		Subject:     stringField(m, "subject"),
	}
	if raw := stringField(m, "time"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Event{}, fmt.Errorf("event: decode time: %w", err)
		}
		e.Time = t
	}
	if d, ok := m["data"].(map[string]any); ok {
		e.Data = d
	}
	return e, nil
}

func (ProtoSerializer) ContentType() string { return "application/protobuf" }

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
