package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSBus 以 Core NATS 轉送
//
// Core NATS 本身就是 fire-and-forget，與轉送層「最多一次」的語意一致，
// 不需要 JetStream。
type NATSBus struct {
	conn *nats.Conn
}

// NewNATSBus 創建 NATS 匯流排
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn}
}

// Publish 發佈訊息
func (b *NATSBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.conn.Publish(channel, payload); err != nil {
		return fmt.Errorf("發佈到 %s 失敗: %w", channel, err)
	}
	return nil
}

// Subscribe 訂閱頻道
func (b *NATSBus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	sub := &natsSubscription{
		in:   make(chan *nats.Msg, 1024),
		ch:   make(chan BusMessage, 1024),
		done: make(chan struct{}),
	}

	for _, channel := range channels {
		s, err := b.conn.ChanSubscribe(channel, sub.in)
		if err != nil {
			_ = sub.Close()
			return nil, fmt.Errorf("訂閱 NATS 主題 %s 失敗: %w", channel, err)
		}
		sub.subs = append(sub.subs, s)
	}

	go sub.pump()
	return sub, nil
}

type natsSubscription struct {
	subs      []*nats.Subscription
	in        chan *nats.Msg
	ch        chan BusMessage
	done      chan struct{}
	closeOnce sync.Once
}

func (s *natsSubscription) pump() {
	defer close(s.ch)

	for {
		select {
		case msg := <-s.in:
			select {
			case s.ch <- BusMessage{Channel: msg.Subject, Payload: msg.Data}:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *natsSubscription) Messages() <-chan BusMessage {
	return s.ch
}

func (s *natsSubscription) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		for _, sub := range s.subs {
			if err := sub.Unsubscribe(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		close(s.done)
	})
	return firstErr
}
