package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus 透過共享 Redis 的 PUBLISH/SUBSCRIBE 轉送
type RedisBus struct {
	client redis.UniversalClient
}

// NewRedisBus 創建 Redis 匯流排
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{client: client}
}

// Publish 發佈訊息
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("發佈到 %s 失敗: %w", channel, err)
	}
	return nil
}

// Subscribe 訂閱頻道，等到 Redis 確認訂閱後才回傳
func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("訂閱 Redis 頻道失敗: %w", err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan BusMessage, 1024),
		done:   make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	ch        chan BusMessage
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) pump() {
	defer close(s.ch)

	in := s.pubsub.Channel()
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.ch <- BusMessage{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan BusMessage {
	return s.ch
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
