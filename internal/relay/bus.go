package relay

import (
	"context"
	"slices"
	"sync"
)

// 實例之間的轉送頻道
const (
	ChannelOut    = "wss:messages:topic:out"
	ChannelGlobal = "wss:messages:topic:global"
)

// BusMessage 從頻道收到的訊息
type BusMessage struct {
	Channel string
	Payload []byte
}

// Subscription 訂閱
type Subscription interface {
	Messages() <-chan BusMessage
	Close() error
}

// Bus 實例之間的發佈/訂閱
//
// 只提供「最多一次」語意：訂閱者離線時的訊息直接遺失。
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}

// MemoryBus 單一行程內的發佈/訂閱
//
// 多個 Relay 共用同一個 MemoryBus 就能模擬多實例部署。
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]*memorySubscription
}

// NewMemoryBus 創建記憶體匯流排
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySubscription)}
}

// Publish 發佈訊息；訂閱者緩衝區滿時丟棄
func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[channel] {
		sub.deliver(BusMessage{Channel: channel, Payload: slices.Clone(payload)})
	}
	return nil
}

// Subscribe 訂閱頻道
func (b *MemoryBus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	sub := &memorySubscription{
		bus:      b,
		channels: channels,
		ch:       make(chan BusMessage, 1024),
	}

	b.mu.Lock()
	for _, channel := range channels {
		b.subs[channel] = append(b.subs[channel], sub)
	}
	b.mu.Unlock()

	return sub, nil
}

func (b *MemoryBus) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, channel := range sub.channels {
		b.subs[channel] = slices.DeleteFunc(b.subs[channel], func(s *memorySubscription) bool {
			return s == sub
		})
	}
}

type memorySubscription struct {
	bus      *MemoryBus
	channels []string
	ch       chan BusMessage
	mu       sync.Mutex
	closed   bool
}

func (s *memorySubscription) deliver(msg BusMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
	}
}

func (s *memorySubscription) Messages() <-chan BusMessage {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.bus.remove(s)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
