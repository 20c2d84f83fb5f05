// Package message defines the unit of work that flows through workflows: a
// payload, string metadata, in-process object metadata and a lifecycle trace.
//
// A Message is owned by one goroutine at a time. Workflows hand it from the
// consumer to the service chain and on to the producer without sharing; code
// that needs a second independent copy calls Clone.
package message

import (
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"time"

	"github.com/drblury/flowadapter/internal/runtime/errors"
	"github.com/drblury/flowadapter/internal/runtime/ids"
	"github.com/drblury/flowadapter/internal/runtime/metadata"
)

// Marker records one component's handling of a message.
type Marker struct {
	Name      string
	UniqueID  string
	Sequence  int
	Success   bool
	Timestamp time.Time
}

// Message is the payload plus everything the runtime knows about it.
type Message struct {
	uniqueID      string
	created       time.Time
	payloads      map[string][]byte
	current       string
	metadata      metadata.Metadata
	objects       map[string]any
	nextServiceID string
	trace         []Marker
	// nextMarker is the sequence number the next marker receives.
	nextMarker int
}

// Option customises a message at construction.
type Option func(*Message)

// WithID overrides the generated unique id.
func WithID(id string) Option {
	return func(m *Message) {
		if id != "" {
			m.uniqueID = id
		}
	}
}

// WithMetadata seeds the message headers.
func WithMetadata(md metadata.Metadata) Option {
	return func(m *Message) {
		for k, v := range md {
			m.metadata[k] = v
		}
	}
}

// WithCreated overrides the creation timestamp.
func WithCreated(t time.Time) Option {
	return func(m *Message) {
		m.created = t
	}
}

// New creates a message holding a copy of payload.
func New(payload []byte, opts ...Option) *Message {
	m := &Message{
		created:  time.Now(),
		payloads: map[string][]byte{DefaultPayloadID: slices.Clone(payload)},
		current:  DefaultPayloadID,
		metadata: metadata.Metadata{},
		objects:  map[string]any{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.uniqueID == "" {
		m.uniqueID = ids.NewAt(m.created)
	}
	m.nextMarker = 1
	if raw, ok := m.metadata[KeyMarkerSequence]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			m.nextMarker = n
		}
		delete(m.metadata, KeyMarkerSequence)
	}
	return m
}

// NewString is New for textual payloads.
func NewString(payload string, opts ...Option) *Message {
	return New([]byte(payload), opts...)
}

func (m *Message) UniqueID() string   { return m.uniqueID }
func (m *Message) Created() time.Time { return m.created }

// Payload returns a copy of the current payload.
func (m *Message) Payload() []byte {
	return slices.Clone(m.payloads[m.current])
}

// PayloadString returns the current payload as a string.
func (m *Message) PayloadString() string {
	return string(m.payloads[m.current])
}

// SetPayload replaces the current payload with a copy of data.
func (m *Message) SetPayload(data []byte) {
	m.payloads[m.current] = slices.Clone(data)
}

// Size is the byte length of the current payload.
func (m *Message) Size() int64 {
	return int64(len(m.payloads[m.current]))
}

// AddPayload stores an additional named payload without switching to it.
func (m *Message) AddPayload(id string, data []byte) {
	m.payloads[id] = slices.Clone(data)
}

// SwitchPayload makes the payload named id current.
func (m *Message) SwitchPayload(id string) error {
	if _, ok := m.payloads[id]; !ok {
		return fmt.Errorf("%w: %s", errors.ErrUnknownPayload, id)
	}
	m.current = id
	return nil
}

// PayloadByID returns a copy of the named payload.
func (m *Message) PayloadByID(id string) ([]byte, bool) {
	data, ok := m.payloads[id]
	if !ok {
		return nil, false
	}
	return slices.Clone(data), true
}

// PayloadIDs lists payload names in sorted order.
func (m *Message) PayloadIDs() []string {
	out := make([]string, 0, len(m.payloads))
	for id := range m.payloads {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (m *Message) CurrentPayloadID() string { return m.current }

func (m *Message) AddMetadata(key, value string) {
	m.metadata[key] = value
}

func (m *Message) AddAllMetadata(md metadata.Metadata) {
	for k, v := range md {
		m.metadata[k] = v
	}
}

// Metadata returns the header stored under key.
func (m *Message) Metadata(key string) (string, bool) {
	v, ok := m.metadata[key]
	return v, ok
}

// MetadataValue returns the header stored under key or "".
func (m *Message) MetadataValue(key string) string {
	return m.metadata[key]
}

// HeaderIgnoringCase looks a header up without regard to case.
func (m *Message) HeaderIgnoringCase(key string) (string, bool) {
	return m.metadata.GetIgnoringCase(key)
}

func (m *Message) HasMetadata(key string) bool {
	_, ok := m.metadata[key]
	return ok
}

func (m *Message) RemoveMetadata(key string) {
	delete(m.metadata, key)
}

// MetadataSnapshot returns a copy of every header.
func (m *Message) MetadataSnapshot() metadata.Metadata {
	return m.metadata.Clone()
}

// SetObject stores an in-process value. Object metadata is never serialized.
func (m *Message) SetObject(key string, value any) {
	m.objects[key] = value
}

func (m *Message) Object(key string) (any, bool) {
	v, ok := m.objects[key]
	return v, ok
}

func (m *Message) RemoveObject(key string) {
	delete(m.objects, key)
}

// NextServiceID is the branch target set by the last service, if any.
func (m *Message) NextServiceID() string { return m.nextServiceID }

func (m *Message) SetNextServiceID(id string) { m.nextServiceID = id }

// AddMarker appends a marker to the lifecycle trace. Numbering continues from
// the sequence a transport delivered with the message, or starts at 1 when
// that value is missing or unparsable.
func (m *Message) AddMarker(name, uniqueID string, success bool) Marker {
	if m.nextMarker < 1 {
		m.nextMarker = 1
	}
	marker := Marker{
		Name:      name,
		UniqueID:  uniqueID,
		Sequence:  m.nextMarker,
		Success:   success,
		Timestamp: time.Now(),
	}
	m.trace = append(m.trace, marker)
	m.nextMarker++
	return marker
}

// NextMarkerSequence is the sequence number the next marker will receive.
func (m *Message) NextMarkerSequence() int {
	if m.nextMarker < 1 {
		return 1
	}
	return m.nextMarker
}

// WireMetadata is the metadata a producer publishes: every header plus the
// marker sequence, so numbering continues on the consuming side.
func (m *Message) WireMetadata() metadata.Metadata {
	md := m.metadata.Clone()
	if md == nil {
		md = metadata.Metadata{}
	}
	if m.NextMarkerSequence() > 1 {
		md[KeyMarkerSequence] = strconv.Itoa(m.NextMarkerSequence())
	}
	return md
}

// Markers returns a copy of the lifecycle trace.
func (m *Message) Markers() []Marker {
	return slices.Clone(m.trace)
}

// Clone returns an independent copy. Payloads, headers and the lifecycle trace
// are copied; object metadata values are shared but the map is not.
func (m *Message) Clone() *Message {
	payloads := make(map[string][]byte, len(m.payloads))
	for id, data := range m.payloads {
		payloads[id] = slices.Clone(data)
	}
	objects := make(map[string]any, len(m.objects))
	for k, v := range m.objects {
		objects[k] = v
	}
	return &Message{
		uniqueID:      m.uniqueID,
		created:       m.created,
		payloads:      payloads,
		current:       m.current,
		metadata:      m.metadata.Clone(),
		objects:       objects,
		nextServiceID: m.nextServiceID,
		trace:         slices.Clone(m.trace),
		nextMarker:    m.nextMarker,
	}
}

// RecordFailure stores err and the component that raised it.
func (m *Message) RecordFailure(component any, err error) {
	m.objects[ObjectException] = err
	if component != nil {
		m.objects[ObjectFailedComponent] = component
		m.objects[ObjectFailedComponentName] = SimpleName(component)
	}
}

// Failure returns the error recorded by RecordFailure.
func (m *Message) Failure() error {
	err, _ := m.objects[ObjectException].(error)
	return err
}

// FailedComponent returns the component recorded by RecordFailure.
func (m *Message) FailedComponent() (any, string) {
	name, _ := m.objects[ObjectFailedComponentName].(string)
	return m.objects[ObjectFailedComponent], name
}

// RequestStopProcessing tells service chains to skip their remaining steps.
func (m *Message) RequestStopProcessing() {
	m.metadata[KeyStopProcessing] = "true"
}

func (m *Message) StopProcessingRequested() bool {
	return m.metadata[KeyStopProcessing] == "true"
}

// RetryCount is the number of recovery attempts made so far.
func (m *Message) RetryCount() int {
	n, err := strconv.Atoi(m.metadata[KeyRetryCount])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// IncrementRetryCount bumps and returns the retry counter.
func (m *Message) IncrementRetryCount() int {
	n := m.RetryCount() + 1
	m.metadata[KeyRetryCount] = strconv.Itoa(n)
	return n
}

// SimpleName returns the unqualified type name of v, without pointer markers.
func SimpleName(v any) string {
	if v == nil {
		return ""
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}
