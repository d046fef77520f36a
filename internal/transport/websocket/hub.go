// Package websocket 以 gorilla/websocket 提供主要傳輸通道
//
// 系統設計問題：
//
//	如何把每條 WebSocket 連線接到轉送層，並維持單一連線內的訊息順序？
//
// 設計方案：
//   - 每條連線兩個 goroutine：readPump 依序把訊息交給轉送層，writePump 從緩衝 channel 寫出
//   - Ping/Pong 心跳（54s/60s）偵測死連線
//   - 緩衝區滿時 Send 回傳錯誤，由轉送層記錄為 TransportError
package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-realtime-groups/internal/relay"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Relay 轉送層需要提供的操作
type Relay interface {
	Attach(ctx context.Context, socket relay.Socket) string
	Receive(ctx context.Context, clientID string, data []byte)
	Detach(ctx context.Context, clientID string)
}

// Options Hub 設定
type Options struct {
	SendBuffer     int
	MaxMessageSize int64
}

// Hub WebSocket 連接中心
type Hub struct {
	relay    Relay
	logger   *slog.Logger
	upgrader websocket.Upgrader
	opts     Options

	mu    sync.RWMutex
	conns map[string]*Conn
	wg    sync.WaitGroup
}

// NewHub 創建 WebSocket Hub
func NewHub(r Relay, logger *slog.Logger, opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 64 * 1024
	}
	return &Hub{
		relay:  r,
		logger: logger.With("component", "websocket"),
		opts:   opts,
		upgrader: websocket.Upgrader{
			// 來源檢查交給前端的負載平衡器
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns: make(map[string]*Conn),
	}
}

// ServeHTTP 升級為 WebSocket 並接上轉送層
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	conn := &Conn{
		ws:     ws,
		send:   make(chan []byte, h.opts.SendBuffer),
		hub:    h,
		logger: h.logger,
	}

	// id 確定後才啟動 pumps；CONNECTED 回覆先留在發送緩衝區
	ctx := context.Background()
	conn.id = h.relay.Attach(ctx, conn)
	conn.logger = h.logger.With("client_id", conn.id)
	h.register(conn)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		conn.writePump()
	}()
	go func() {
		defer h.wg.Done()
		conn.readPump(ctx)
	}()

	h.logger.Info("WebSocket 連接建立", "client_id", conn.id, "remote", r.RemoteAddr)
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.conns[c.id]; ok && current == c {
		delete(h.conns, c.id)
	}
}

// Count 目前連線數
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Stop 關閉所有連線並等待 goroutine 結束
func (h *Hub) Stop() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	h.wg.Wait()

	h.logger.Info("WebSocket Hub 已停止")
}
