// Package event defines adapter lifecycle events and their delivery. Events
// use a CloudEvents v1.0 compatible envelope and are dispatched by kind to
// handlers resolved at configuration time.
package event

import (
	"fmt"
	"time"

	"github.com/drblury/flowadapter/internal/runtime/ids"
	"github.com/drblury/flowadapter/internal/runtime/message"
)

// SpecVersion is the CloudEvents specification version of the envelope.
const SpecVersion = "1.0"

// Kind classifies an event.
type Kind int

const (
	KindUnknown Kind = iota
	KindAdapterStart
	KindAdapterStop
	KindChannelRestart
	KindMessageLifecycle
	KindRetryExhausted
)

var kindNames = map[Kind]string{
	KindAdapterStart:     "flowadapter.adapter.start",
	KindAdapterStop:      "flowadapter.adapter.stop",
	KindChannelRestart:   "flowadapter.channel.restart",
	KindMessageLifecycle: "flowadapter.message.lifecycle",
	KindRetryExhausted:   "flowadapter.message.retry_exhausted",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind maps an event type string back onto its Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("event: unknown type %q", s)
}

// Event is a CloudEvents envelope. Data values are restricted to strings,
// numbers, booleans, nil, []any and map[string]any so every serializer can
// encode them.
type Event struct {
	SpecVersion string         `json:"specversion"`
	Type        string         `json:"type"`
	Source      string         `json:"source"`
	ID          string         `json:"id"`
	Time        time.Time      `json:"time"`
	Subject     string         `json:"subject,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// New creates an event of kind emitted by source.
func New(kind Kind, source string, data map[string]any) Event {
	now := time.Now().UTC()
	return Event{
		SpecVersion: SpecVersion,
		Type:        kind.String(),
		Source:      source,
		ID:          ids.NewAt(now),
		Time:        now,
		Data:        data,
	}
}

// Kind returns the event's kind, or KindUnknown for foreign types.
func (e Event) Kind() Kind {
	k, _ := ParseKind(e.Type)
	return k
}

// WithSubject sets the subject and returns the event.
func (e Event) WithSubject(subject string) Event {
	e.Subject = subject
	return e
}

// MessageLifecycle summarises a processed message and its trace.
func MessageLifecycle(workflowID string, msg *message.Message, success bool) Event {
	markers := msg.Markers()
	trace := make([]any, 0, len(markers))
	for _, m := range markers {
		trace = append(trace, map[string]any{
			"name":      m.Name,
			"unique_id": m.UniqueID,
			"sequence":  m.Sequence,
			"success":   m.Success,
			"time":      m.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}
	return New(KindMessageLifecycle, workflowID, map[string]any{
		"message_id": msg.UniqueID(),
		"success":    success,
		"created":    msg.Created().UTC().Format(time.RFC3339Nano),
		"markers":    trace,
	}).WithSubject(msg.UniqueID())
}

// RetryExhausted reports a message that ran out of recovery attempts.
func RetryExhausted(handlerID string, msg *message.Message, attempts int) Event {
	return New(KindRetryExhausted, handlerID, map[string]any{
		"message_id": msg.UniqueID(),
		"attempts":   attempts,
	}).WithSubject(msg.UniqueID())
}
