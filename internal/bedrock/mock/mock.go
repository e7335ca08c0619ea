// Package mock provides scriptable in-memory implementations of
// [bedrock.Stream] and [bedrock.Opener] for tests.
package mock

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/voxlink/sonicbridge/internal/bedrock"
)

// Compile-time interface assertions.
var (
	_ bedrock.Stream = (*Stream)(nil)
	_ bedrock.Opener = (*Opener)(nil)
)

// chunk is one scripted inbound item: a payload or an error.
type chunk struct {
	data []byte
	err  error
}

// Stream is a scriptable bidirectional stream. Tests emit inbound chunks
// with [Stream.Emit] and friends, and inspect outbound payloads via
// [Stream.Sent].
type Stream struct {
	mu        sync.Mutex
	sent      [][]byte
	sendErr   error
	closeSend bool

	incoming chan chunk
}

// NewStream creates a Stream with room for buf scripted inbound chunks.
func NewStream(buf int) *Stream {
	return &Stream{incoming: make(chan chunk, buf)}
}

// Send records the payload. Returns the configured send error, if any.
func (s *Stream) Send(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.sent = append(s.sent, cp)
	return nil
}

// Receive returns the next scripted chunk, blocking until one is emitted or
// ctx is done.
func (s *Stream) Receive(ctx context.Context) ([]byte, error) {
	select {
	case c := <-s.incoming:
		return c.data, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CloseSend records that the input side was closed.
func (s *Stream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeSend = true
	return nil
}

// Emit queues raw bytes as the next inbound chunk.
func (s *Stream) Emit(data []byte) { s.incoming <- chunk{data: data} }

// EmitJSON marshals v and queues it as the next inbound chunk.
func (s *Stream) EmitJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic("mock: marshal emit: " + err.Error())
	}
	s.Emit(data)
}

// EmitErr queues an error as the next Receive result.
func (s *Stream) EmitErr(err error) { s.incoming <- chunk{err: err} }

// End queues a clean end-of-stream.
func (s *Stream) End() { s.EmitErr(io.EOF) }

// SetSendErr makes all subsequent Send calls fail with err.
func (s *Stream) SetSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Sent returns a copy of all payloads written so far.
func (s *Stream) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// SentEnvelopes decodes every sent payload as a JSON object.
func (s *Stream) SentEnvelopes() []map[string]any {
	raw := s.Sent()
	out := make([]map[string]any, 0, len(raw))
	for _, data := range raw {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// CloseSendCalled reports whether CloseSend was invoked.
func (s *Stream) CloseSendCalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeSend
}

// Opener hands out a fixed Stream, or fails with Err.
type Opener struct {
	mu      sync.Mutex
	Stream  *Stream
	Err     error
	invoked []string
}

// Invoke returns the configured stream and records the model id.
func (o *Opener) Invoke(_ context.Context, modelID string) (bedrock.Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Err != nil {
		return nil, o.Err
	}
	o.invoked = append(o.invoked, modelID)
	return o.Stream, nil
}

// Invoked returns the model ids passed to Invoke so far.
func (o *Opener) Invoked() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.invoked))
	copy(out, o.invoked)
	return out
}
