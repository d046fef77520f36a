// Package router 解析進入的訊息並分派到各協議層
//
// 每則訊息依 type 分成兩類：
//   - internal：依標頭的命名空間（GS / RGS / VGS / UDP）交給對應的處理器
//   - 其他：交給應用層處理器（沒有設定時丟棄）
//
// 無法解析的訊息只記錄日誌並丟棄，不會關閉連線。
package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/koopa0/system-design/14-realtime-groups/internal/envelope"
	"github.com/koopa0/system-design/14-realtime-groups/internal/relay"
)

// Message 分派給協議層的控制訊息
type Message struct {
	ClientID string
	Header   envelope.Header
	Envelope *envelope.Envelope
}

// Decode 解出 content
func (m Message) Decode(v any) error {
	return m.Envelope.Decode(v)
}

// Handler 命名空間處理器
type Handler interface {
	Handle(ctx context.Context, msg Message)
}

// HandlerFunc 以函數實作 Handler
type HandlerFunc func(ctx context.Context, msg Message)

// Handle 實作 Handler
func (f HandlerFunc) Handle(ctx context.Context, msg Message) { f(ctx, msg) }

// AppHandler 應用訊息處理器
type AppHandler func(ctx context.Context, clientID string, env *envelope.Envelope)

// CloseHandler 連線關閉時的清理
type CloseHandler func(ctx context.Context, clientID string)

// Sender 回覆客戶端
type Sender interface {
	Send(ctx context.Context, clientID string, msg []byte) (relay.Mode, error)
}

// Router 實作 relay.Handler
type Router struct {
	sender   Sender
	originID string
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[envelope.Namespace]Handler
	closers  []CloseHandler
	app      AppHandler
}

// New 創建路由器
func New(sender Sender, originID string, logger *slog.Logger) *Router {
	return &Router{
		sender:   sender,
		originID: originID,
		logger:   logger.With("component", "router"),
		handlers: make(map[envelope.Namespace]Handler),
	}
}

// Register 登記命名空間處理器，重複登記會覆蓋
func (r *Router) Register(ns envelope.Namespace, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[ns] = h
}

// OnClose 登記連線關閉清理，依登記順序執行
func (r *Router) OnClose(fn CloseHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closers = append(r.closers, fn)
}

// SetAppHandler 設定應用訊息處理器
func (r *Router) SetAppHandler(fn AppHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.app = fn
}

// HandleMessage 實作 relay.Handler
func (r *Router) HandleMessage(ctx context.Context, clientID string, data []byte) {
	env, err := envelope.Parse(data)
	if err != nil {
		r.logger.WarnContext(ctx, "無效的訊息，已丟棄", "error", err, "length", len(data))
		return
	}

	if !env.IsInternal() {
		r.mu.RLock()
		app := r.app
		r.mu.RUnlock()
		if app == nil {
			r.logger.DebugContext(ctx, "沒有應用處理器，丟棄訊息", "type", env.Type)
			return
		}
		app(ctx, clientID, env)
		return
	}

	header, ok := envelope.ParseHeader(string(env.Header))
	if !ok {
		r.logger.DebugContext(ctx, "未知的標頭", "header", env.Header)
		return
	}
	if header.ServerOnly() {
		r.logger.WarnContext(ctx, "客戶端送出伺服器專用標頭", "header", header)
		return
	}

	switch header {
	case envelope.HeaderConnected:
		r.identify(ctx, clientID)
		return
	case envelope.HeaderClose:
		// CLOSE 只由轉送層在 socket 關閉時觸發
		return
	}

	r.mu.RLock()
	h, ok := r.handlers[header.Namespace()]
	r.mu.RUnlock()
	if !ok {
		r.logger.DebugContext(ctx, "命名空間沒有處理器", "header", header)
		return
	}

	h.Handle(ctx, Message{ClientID: clientID, Header: header, Envelope: env})
}

// HandleClose 實作 relay.Handler
func (r *Router) HandleClose(ctx context.Context, clientID string) {
	r.mu.RLock()
	closers := append([]CloseHandler(nil), r.closers...)
	r.mu.RUnlock()

	for _, fn := range closers {
		fn(ctx, clientID)
	}
}

// identify 回覆客戶端自己的 ID 與所在實例
func (r *Router) identify(ctx context.Context, clientID string) {
	msg, err := envelope.Internal(envelope.HeaderConnected, map[string]string{
		"clientId": clientID,
		"originId": r.originID,
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "序列化 CONNECTED 失敗", "error", err)
		return
	}
	if _, err := r.sender.Send(ctx, clientID, msg); err != nil {
		r.logger.WarnContext(ctx, "回覆 CONNECTED 失敗", "error", err)
	}
}
