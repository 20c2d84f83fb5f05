// Package io registers a file transport: publishers append one JSON record per
// message to a file and subscribers tail that file, delivering the records of
// their topic in order. It needs no broker and suits local runs and tests.
package io

import (
	"bufio"
	"context"
	stderrors "errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowadapter/internal/runtime/jsoncodec"
	"github.com/drblury/flowadapter/transport"
)

const TransportName = "io"

// DefaultFile is used when no file is configured.
const DefaultFile = "messages.log"

// PollInterval is how often a subscriber at the end of the file checks for
// new records.
var PollInterval = 50 * time.Millisecond

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = stderrors.New("io: transport is closed")

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.IOCapabilities)
}

// Build returns a publisher and a subscriber sharing cfg.GetIOFile.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	path := cfg.GetIOFile()
	if path == "" {
		path = DefaultFile
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	codec := jsoncodec.New()
	return transport.Transport{
		Publisher:  &Publisher{path: path, codec: codec},
		Subscriber: &Subscriber{path: path, codec: codec, logger: logger, closed: make(chan struct{})},
	}, nil
}

func Capabilities() transport.Capabilities {
	return transport.IOCapabilities
}

// record is one line of the file.
type record struct {
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

// Publisher appends records to the file.
type Publisher struct {
	path  string
	codec *jsoncodec.Codec

	mu     sync.Mutex
	closed bool
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, msg := range messages {
		line, err := p.codec.Marshal(record{
			UUID:     msg.UUID,
			Topic:    topic,
			Metadata: msg.Metadata,
			Payload:  msg.Payload,
		})
		if err != nil {
			_ = f.Close()
			return err
		}
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Subscriber tails the file from its beginning. Every subscription reads the
// file independently, so each one sees every record of its topic.
type Subscriber struct {
	path   string
	codec  *jsoncodec.Codec
	logger watermill.LoggerAdapter

	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	select {
	case <-s.closed:
		return nil, ErrClosed
	default:
	}
	f, err := os.OpenFile(s.path, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	out := make(chan *message.Message)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer f.Close()
		s.tail(ctx, f, topic, out)
	}()
	return out, nil
}

// tail reads complete lines and waits for more at the end of the file. A
// partially written line is kept until its newline arrives.
func (s *Subscriber) tail(ctx context.Context, f *os.File, topic string, out chan<- *message.Message) {
	reader := bufio.NewReader(f)
	var partial []byte
	for {
		chunk, err := reader.ReadBytes('\n')
		partial = append(partial, chunk...)
		switch {
		case err == nil:
			line := partial
			partial = nil
			if !s.dispatch(ctx, line, topic, out) {
				return
			}
		case stderrors.Is(err, io.EOF):
			if !s.sleep(ctx) {
				return
			}
		default:
			s.logger.Error("Reading message file failed", err, watermill.LogFields{"file": s.path})
			return
		}
	}
}

func (s *Subscriber) sleep(ctx context.Context) bool {
	timer := time.NewTimer(PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.closed:
		return false
	case <-timer.C:
		return true
	}
}

// dispatch delivers one record of topic and waits for its ack or nack. Nacked
// records are not redelivered. It reports false when the subscription ends.
func (s *Subscriber) dispatch(ctx context.Context, line []byte, topic string, out chan<- *message.Message) bool {
	var rec record
	if err := s.codec.Unmarshal(line, &rec); err != nil {
		s.logger.Error("Skipping unreadable record", err, watermill.LogFields{"file": s.path})
		return true
	}
	if rec.Topic != topic {
		return true
	}

	msg := message.NewMessage(rec.UUID, rec.Payload)
	for k, v := range rec.Metadata {
		msg.Metadata.Set(k, v)
	}
	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	case <-s.closed:
		return false
	}
	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		s.logger.Debug("Record nacked", watermill.LogFields{"uuid": msg.UUID})
	case <-ctx.Done():
		return false
	case <-s.closed:
		return false
	}
	return true
}

// Close ends every subscription and waits for their readers.
func (s *Subscriber) Close() error {
	s.once.Do(func() { close(s.closed) })
	s.wg.Wait()
	return nil
}
