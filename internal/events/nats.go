package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSForwarder 發佈事件到 NATS 主題 <topic>.<kind>
type NATSForwarder struct {
	conn  *nats.Conn
	topic string
}

// NewNATSForwarder 創建 NATS 轉送
func NewNATSForwarder(conn *nats.Conn, topic string) *NATSForwarder {
	return &NATSForwarder{conn: conn, topic: topic}
}

// Subject 事件對應的主題
func (f *NATSForwarder) Subject(kind Kind) string {
	return f.topic + "." + string(kind)
}

// Forward 實作 Forwarder
func (f *NATSForwarder) Forward(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("序列化事件失敗: %w", err)
	}
	if err := f.conn.Publish(f.Subject(e.Kind), data); err != nil {
		return fmt.Errorf("發佈事件失敗: %w", err)
	}
	return nil
}
