// Package relay 將邏輯客戶端 ID 對應到實際的 socket
//
// 系統設計問題：
//
//	客戶端的 socket 只存在某一個實例上，但任何實例都可能需要送訊息給它。
//
// 核心挑戰：
//  1. 本地找不到時要轉送給持有 socket 的實例
//  2. 批次送出時單一失敗不能影響其他人
//  3. socket 關閉時上層要清理群組成員資格
//
// 設計方案：
//   - 本地 map[clientID]*Client，找得到就直接寫入
//   - 找不到就把 {clientId, originId, message} 發佈到 ChannelOut，每個實例自己比對
//   - 轉送是「最多一次」：匯流排失敗只記錄日誌，不回報給呼叫者
//   - 新連線立即排入 CONNECTED，關閉時觸發 CLOSE
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-realtime-groups/internal/envelope"
	"github.com/koopa0/system-design/14-realtime-groups/internal/metrics"
	apperrors "github.com/koopa0/system-design/14-realtime-groups/pkg/errors"
	"github.com/koopa0/system-design/14-realtime-groups/pkg/idgen"
	"github.com/koopa0/system-design/14-realtime-groups/pkg/logger"
	"github.com/koopa0/system-design/14-realtime-groups/pkg/result"
)

// Mode 投遞方式
type Mode int

const (
	ModeLocal   Mode = iota + 1 // 直接寫入本地 socket
	ModeRelayed                 // 發佈給其他實例
)

func (m Mode) String() string {
	switch m {
	case ModeLocal:
		return metrics.DeliveryLocal
	case ModeRelayed:
		return metrics.DeliveryRelayed
	default:
		return "unknown"
	}
}

// Socket 傳輸層連線
//
// Send 不能阻塞：實作應寫入緩衝區後立即返回。
type Socket interface {
	Send(data []byte) error
	Close() error
}

// Handler 上層訊息處理
type Handler interface {
	HandleMessage(ctx context.Context, clientID string, data []byte)
	HandleClose(ctx context.Context, clientID string)
}

// Client 本地連線
type Client struct {
	ID        string
	CreatedAt time.Time
	socket    Socket
}

type relayedMessage struct {
	ClientID string `json:"clientId"`
	OriginID string `json:"originId"`
	Message  string `json:"message"`
}

type globalMessage struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	ToSelf   bool   `json:"toSelf"`
	OriginID string `json:"originId"`
}

// Relay 連線中繼
type Relay struct {
	originID string
	bus      Bus
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	clients map[string]*Client
	handler Handler

	sub    Subscription
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option 設定選項
type Option func(*Relay)

// WithMetrics 設定指標
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithOriginID 指定實例 ID（預設隨機）
func WithOriginID(id string) Option {
	return func(r *Relay) { r.originID = id }
}

// New 創建中繼
func New(bus Bus, log *slog.Logger, opts ...Option) *Relay {
	r := &Relay{
		originID: idgen.OriginID(),
		bus:      bus,
		clients:  make(map[string]*Client),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = log.With("component", "relay", "origin_id", r.originID)
	return r
}

// OriginID 實例 ID
func (r *Relay) OriginID() string {
	return r.originID
}

// SetHandler 設定上層處理器，必須在 Attach 之前呼叫
func (r *Relay) SetHandler(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

// Open 訂閱轉送頻道
func (r *Relay) Open(ctx context.Context) error {
	sub, err := r.bus.Subscribe(ctx, ChannelOut, ChannelGlobal)
	if err != nil {
		return fmt.Errorf("訂閱轉送頻道失敗: %w", err)
	}
	r.sub = sub

	r.wg.Add(1)
	go r.consume()

	r.logger.Info("轉送層已啟動")
	return nil
}

// Close 停止轉送並關閉所有本地 socket
func (r *Relay) Close() error {
	select {
	case <-r.stopCh:
		return nil
	default:
		close(r.stopCh)
	}

	var err error
	if r.sub != nil {
		err = r.sub.Close()
	}
	r.wg.Wait()

	r.mu.Lock()
	for id, c := range r.clients {
		_ = c.socket.Close()
		delete(r.clients, id)
	}
	r.mu.Unlock()

	r.logger.Info("轉送層已停止")
	return err
}

// consume 處理其他實例轉送過來的訊息
func (r *Relay) consume() {
	defer r.wg.Done()

	for {
		select {
		case msg, ok := <-r.sub.Messages():
			if !ok {
				return
			}
			switch msg.Channel {
			case ChannelOut:
				r.handleRelayed(msg.Payload)
			case ChannelGlobal:
				r.handleGlobal(msg.Payload)
			}
		case <-r.stopCh:
			return
		}
	}
}

func (r *Relay) handleRelayed(payload []byte) {
	var m relayedMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		r.logger.Warn("無法解析轉送訊息", "error", err)
		return
	}
	if m.OriginID == r.originID {
		return
	}

	c := r.client(m.ClientID)
	if c == nil {
		// 客戶端不在本實例，或已經斷線
		return
	}
	r.write(context.Background(), c, []byte(m.Message), metrics.DeliveryRelayed)
}

func (r *Relay) handleGlobal(payload []byte) {
	var m globalMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		r.logger.Warn("無法解析全域廣播", "error", err)
		return
	}
	if m.OriginID == r.originID && !m.ToSelf {
		return
	}
	r.Broadcast([]byte(m.Message))
}

// Attach 登記新 socket，回傳配置的客戶端 ID
func (r *Relay) Attach(ctx context.Context, socket Socket) string {
	c := &Client{
		ID:        idgen.ClientID(),
		CreatedAt: time.Now(),
		socket:    socket,
	}

	r.mu.Lock()
	r.clients[c.ID] = c
	r.mu.Unlock()

	r.metrics.ConnectionOpened()
	r.logger.Debug("客戶端已連線", "client_id", c.ID)

	connected, err := envelope.Internal(envelope.HeaderConnected, map[string]string{"clientId": c.ID})
	if err == nil {
		r.dispatch(ctx, c.ID, connected)
	}
	return c.ID
}

// Receive 傳輸層收到的原始訊息，同一連線必須依序呼叫
func (r *Relay) Receive(ctx context.Context, clientID string, data []byte) {
	r.metrics.MessageReceived()
	r.logger.Debug("收到訊息", "client_id", clientID, "direction", "in", "length", len(data))
	r.dispatch(ctx, clientID, data)
}

// Detach 移除 socket 並觸發 CLOSE
func (r *Relay) Detach(ctx context.Context, clientID string) {
	r.mu.Lock()
	_, ok := r.clients[clientID]
	delete(r.clients, clientID)
	h := r.handler
	r.mu.Unlock()

	if !ok {
		return
	}

	r.metrics.ConnectionClosed()
	r.logger.Debug("客戶端已斷線", "client_id", clientID)

	if h == nil {
		return
	}
	ctx = r.scope(ctx, clientID)
	defer r.recoverPanic(ctx, clientID)
	h.HandleClose(ctx, clientID)
}

func (r *Relay) dispatch(ctx context.Context, clientID string, data []byte) {
	r.mu.RLock()
	h := r.handler
	r.mu.RUnlock()
	if h == nil {
		return
	}

	ctx = r.scope(ctx, clientID)
	defer r.recoverPanic(ctx, clientID)
	h.HandleMessage(ctx, clientID, data)
}

func (r *Relay) scope(ctx context.Context, clientID string) context.Context {
	ctx = logger.WithClientID(ctx, clientID)
	return logger.WithOriginID(ctx, r.originID)
}

// recoverPanic 單一訊息的錯誤不能讓整個連線或實例掛掉
func (r *Relay) recoverPanic(ctx context.Context, clientID string) {
	if rec := recover(); rec != nil {
		r.logger.ErrorContext(ctx, "處理訊息時發生 panic", "client_id", clientID, "panic", rec)
	}
}

func (r *Relay) client(clientID string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[clientID]
}

// Has 客戶端是否在本實例
func (r *Relay) Has(clientID string) bool {
	return r.client(clientID) != nil
}

// Count 本地連線數
func (r *Relay) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *Relay) write(ctx context.Context, c *Client, msg []byte, mode string) error {
	if err := c.socket.Send(msg); err != nil {
		r.metrics.SendFailed()
		r.logger.WarnContext(ctx, "寫入 socket 失敗", "client_id", c.ID, "error", err)
		return apperrors.Wrap(err, apperrors.ErrCodeTransport, "socket send failed")
	}
	r.metrics.MessageSent(mode)
	r.logger.DebugContext(ctx, "送出訊息", "client_id", c.ID, "direction", "out", "length", len(msg))
	return nil
}

// publish 發佈給其他實例，失敗只記錄
func (r *Relay) publish(ctx context.Context, clientID string, msg []byte) {
	payload, err := json.Marshal(relayedMessage{
		ClientID: clientID,
		OriginID: r.originID,
		Message:  string(msg),
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "序列化轉送訊息失敗", "error", err)
		return
	}
	if err := r.bus.Publish(ctx, ChannelOut, payload); err != nil {
		r.metrics.PublishFailed()
		r.logger.WarnContext(ctx, "轉送失敗，訊息已丟棄", "client_id", clientID, "error", err)
		return
	}
	r.logger.DebugContext(ctx, "轉送訊息", "client_id", clientID, "direction", "relay", "length", len(msg))
}

// Send 送出訊息給單一客戶端
//
// 本地找不到時轉送，永遠不會因為「找不到」而回傳錯誤。
// 只有本地 socket 寫入失敗時回傳 TransportError。
func (r *Relay) Send(ctx context.Context, clientID string, msg []byte) (Mode, error) {
	if c := r.client(clientID); c != nil {
		return ModeLocal, r.write(ctx, c, msg, metrics.DeliveryLocal)
	}
	r.publish(ctx, clientID, msg)
	r.metrics.MessageSent(metrics.DeliveryRelayed)
	return ModeRelayed, nil
}

// SendList 送出訊息給多個客戶端
//
// 本地的客戶端並行寫入，其餘每個 ID 各自轉送。
// 回傳每個 ID 的結果，失敗不會中止其他投遞。
func (r *Relay) SendList(ctx context.Context, clientIDs []string, msg []byte) []result.Result[string] {
	results := make([]result.Result[string], len(clientIDs))

	var local []int
	r.mu.RLock()
	for i, id := range clientIDs {
		if _, ok := r.clients[id]; ok {
			local = append(local, i)
		}
	}
	r.mu.RUnlock()

	isLocal := make(map[int]bool, len(local))
	var wg sync.WaitGroup
	for _, i := range local {
		isLocal[i] = true
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := clientIDs[i]
			c := r.client(id)
			if c == nil {
				// 在分組與寫入之間斷線
				results[i] = result.Ok(id)
				return
			}
			if err := r.write(ctx, c, msg, metrics.DeliveryLocal); err != nil {
				results[i] = result.Fail(id, err)
				return
			}
			results[i] = result.Ok(id)
		}(i)
	}

	for i, id := range clientIDs {
		if isLocal[i] {
			continue
		}
		r.publish(ctx, id, msg)
		r.metrics.MessageSent(metrics.DeliveryRelayed)
		results[i] = result.Ok(id)
	}

	wg.Wait()
	return results
}

// Broadcast 送給本實例所有 socket，回傳成功數
func (r *Relay) Broadcast(msg []byte) int {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		if err := r.write(context.Background(), c, msg, metrics.DeliveryLocal); err == nil {
			sent++
		}
	}
	return sent
}

// BroadcastGlobal 送給所有實例的所有 socket
//
// toSelf 為 false 時本實例不會收到。
func (r *Relay) BroadcastGlobal(ctx context.Context, msg []byte, toSelf bool) {
	payload, err := json.Marshal(globalMessage{
		Type:     "broadcast",
		Message:  string(msg),
		ToSelf:   toSelf,
		OriginID: r.originID,
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "序列化全域廣播失敗", "error", err)
		return
	}
	if err := r.bus.Publish(ctx, ChannelGlobal, payload); err != nil {
		r.metrics.PublishFailed()
		r.logger.WarnContext(ctx, "全域廣播失敗", "error", err)
	}
}
