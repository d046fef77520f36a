package testutil

import (
	"encoding/json"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-realtime-groups/internal/envelope"
	"github.com/stretchr/testify/require"
)

// Socket 記錄所有寫入的假 socket
type Socket struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
	err      error
}

// NewSocket 創建假 socket
func NewSocket() *Socket {
	return &Socket{}
}

// FailWith 之後每次 Send 都回傳 err
func (s *Socket) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Send 記錄訊息
func (s *Socket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, slices.Clone(data))
	return nil
}

// Close 標記關閉
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed 是否已關閉
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Messages 目前收到的所有原始訊息
func (s *Socket) Messages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Envelopes 目前收到的所有訊息（無法解析的略過）
func (s *Socket) Envelopes() []*envelope.Envelope {
	var out []*envelope.Envelope
	for _, raw := range s.Messages() {
		env, err := envelope.Parse(raw)
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	return out
}

// WithHeader 收到的指定標頭訊息
func (s *Socket) WithHeader(h envelope.Header) []*envelope.Envelope {
	var out []*envelope.Envelope
	for _, env := range s.Envelopes() {
		if env.Header == h {
			out = append(out, env)
		}
	}
	return out
}

// Reset 清除已記錄的訊息
func (s *Socket) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

// WaitFor 等到收到指定標頭的訊息，回傳第一則
func (s *Socket) WaitFor(t testing.TB, h envelope.Header, timeout time.Duration) *envelope.Envelope {
	t.Helper()

	var found *envelope.Envelope
	require.Eventually(t, func() bool {
		if got := s.WithHeader(h); len(got) > 0 {
			found = got[0]
			return true
		}
		return false
	}, timeout, 5*time.Millisecond, "no %s message received", h)
	return found
}

// DecodeContent 解出 content
func DecodeContent(t testing.TB, env *envelope.Envelope, v any) {
	t.Helper()
	require.NotNil(t, env)
	require.NoError(t, json.Unmarshal(env.Content, v))
}
