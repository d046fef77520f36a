// Package events 提供行程內的事件匯流排
//
// 群組與配對的生命週期事件在本實例同步分派給訂閱者（例如狀態同步器訂閱 match.started），
// 之後交給 Forwarder 發佈到外部（NATS 主題 <topic>.<kind>）。
// 外部發佈失敗只記錄日誌。
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind 事件種類
type Kind string

// 群組事件
const (
	GroupCreated Kind = "group.created"
	GroupDeleted Kind = "group.deleted"
	GroupJoined  Kind = "group.joined"
	GroupLeft    Kind = "group.left"
)

// 配對事件
const (
	MatchMatched   Kind = "match.matched"
	MatchStarted   Kind = "match.started"
	MatchDisbanded Kind = "match.disbanded"
	MatchExited    Kind = "match.exited"
	MatchEnded     Kind = "match.ended"
)

// 離開原因
const (
	ReasonRequest    = "request"
	ReasonDisconnect = "disconnect"
)

// Event 生命週期事件
type Event struct {
	Kind     Kind      `json:"kind"`
	GroupID  string    `json:"groupId"`
	ClientID string    `json:"clientId,omitempty"`
	Members  []string  `json:"members,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Handler 事件處理器
type Handler func(ctx context.Context, e Event)

// Forwarder 把事件送到行程外
type Forwarder interface {
	Forward(ctx context.Context, e Event) error
}

// Bus 行程內事件匯流排
type Bus struct {
	logger *slog.Logger

	mu         sync.RWMutex
	handlers   map[Kind][]Handler
	forwarders []Forwarder
}

// NewBus 創建事件匯流排
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger:   logger.With("component", "events"),
		handlers: make(map[Kind][]Handler),
	}
}

// Subscribe 訂閱事件
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// AddForwarder 加入外部轉送
func (b *Bus) AddForwarder(f Forwarder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forwarders = append(b.forwarders, f)
}

// Emit 分派事件
//
// 本地訂閱者依登記順序同步執行，單一處理器 panic 不影響其他處理器。
// nil 的 Bus 不做任何事。
func (b *Bus) Emit(ctx context.Context, e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[e.Kind]...)
	forwarders := append([]Forwarder(nil), b.forwarders...)
	b.mu.RUnlock()

	b.logger.DebugContext(ctx, "事件", "kind", e.Kind, "group_id", e.GroupID, "client_id", e.ClientID)

	for _, h := range handlers {
		b.call(ctx, h, e)
	}
	for _, f := range forwarders {
		if err := f.Forward(ctx, e); err != nil {
			b.logger.WarnContext(ctx, "轉送事件失敗", "kind", e.Kind, "error", err)
		}
	}
}

func (b *Bus) call(ctx context.Context, h Handler, e Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.ErrorContext(ctx, "事件處理器 panic", "kind", e.Kind, "panic", rec)
		}
	}()
	h(ctx, e)
}
