package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// 傳輸錯誤
var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrConnClosed     = errors.New("connection closed")
)

// Conn 單一 WebSocket 連線，實作 relay.Socket
type Conn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Send 放入發送緩衝區，不阻塞
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close 關閉發送緩衝區，writePump 會送出關閉訊框後結束
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}

// readPump 依序讀取訊息交給轉送層
//
// 60 秒內沒有任何訊息（包含 Pong）就關閉連線，配合 writePump 的 54 秒 Ping。
func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.hub.relay.Detach(ctx, c.id)
		_ = c.Close()
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(c.hub.opts.MaxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error("設置讀取期限失敗", "error", err)
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket 讀取錯誤", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		c.hub.relay.Receive(ctx, c.id, message)
	}
}

// writePump 從緩衝區寫出訊息並定期送出 Ping
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// 緩衝區已關閉，送出關閉訊框，忽略錯誤
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 批量發送隊列中的消息
			n := len(c.send)
			for range n {
				next, ok := <-c.send
				if !ok {
					return
				}
				if err := c.ws.WriteMessage(websocket.TextMessage, next); err != nil {
					c.logger.Warn("發送消息失敗", "error", err)
					return
				}
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
