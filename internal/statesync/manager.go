package statesync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-realtime-groups/internal/envelope"
	"github.com/koopa0/system-design/14-realtime-groups/internal/events"
	"github.com/koopa0/system-design/14-realtime-groups/internal/metrics"
	apperrors "github.com/koopa0/system-design/14-realtime-groups/pkg/errors"
	"github.com/koopa0/system-design/14-realtime-groups/pkg/logger"
)

// Packet 經由 UDP 送來的對局訊息內容
type Packet struct {
	ClientID   string          `json:"tid"`
	GroupID    string          `json:"gid"`
	Identifier string          `json:"uid"`
	State      json.RawMessage `json:"state,omitempty"`
	Delivery   json.RawMessage `json:"delivery,omitempty"`
}

// Manager 管理本實例負責的所有 Synchronizer
//
// 訂閱 match.started 建立同步器，match.exited 移除離開者的狀態，
// match.ended 停止同步器。
type Manager struct {
	store     Store
	primary   Sender
	secondary Sender
	ender     Ender
	metrics   *metrics.Metrics
	logger    *slog.Logger
	opts      Options
	now       func() time.Time

	mu    sync.RWMutex
	syncs map[string]*Synchronizer
}

// Option Manager 選項
type Option func(*Manager)

// WithMetrics 設定指標
func WithMetrics(m *metrics.Metrics) Option {
	return func(mg *Manager) { mg.metrics = m }
}

// WithClock 替換時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(mg *Manager) { mg.now = now }
}

// WithSecondary 設定次要通道
func WithSecondary(s Sender) Option {
	return func(mg *Manager) { mg.secondary = s }
}

// NewManager 創建管理器並訂閱配對事件
func NewManager(st Store, primary Sender, ender Ender, bus *events.Bus, log *slog.Logger, opts Options, options ...Option) *Manager {
	m := &Manager{
		store:   st,
		primary: primary,
		ender:   ender,
		logger:  log.With("component", "statesync"),
		opts:    opts,
		now:     time.Now,
		syncs:   make(map[string]*Synchronizer),
	}
	for _, opt := range options {
		opt(m)
	}

	if bus != nil {
		bus.Subscribe(events.MatchStarted, m.onStarted)
		bus.Subscribe(events.MatchExited, m.onExited)
		bus.Subscribe(events.MatchEnded, m.onEnded)
	}
	return m
}

// SetSecondary 在 UDP 伺服器啟動後設定次要通道
func (m *Manager) SetSecondary(s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secondary = s
}

func (m *Manager) onStarted(ctx context.Context, e events.Event) {
	if _, err := m.Start(ctx, e.GroupID); err != nil {
		m.logger.WarnContext(ctx, "無法開始狀態同步", "group_id", e.GroupID, "error", err)
	}
}

// onExited 移除離開成員的狀態，對局沒人時停止同步
func (m *Manager) onExited(ctx context.Context, e events.Event) {
	if s := m.get(e.GroupID); s != nil {
		s.ClientLeft(ctx, e.ClientID)

		members, err := m.store.Members(ctx, e.GroupID)
		if err != nil {
			m.logger.WarnContext(ctx, "讀取對局成員失敗", "group_id", e.GroupID, "error", err)
			return
		}
		if len(members) == 0 {
			m.logger.InfoContext(ctx, "對局已無成員，停止同步", "group_id", e.GroupID)
			m.remove(e.GroupID)
		}
		return
	}
	if err := m.store.RemoveState(ctx, e.GroupID, e.ClientID); err != nil {
		m.logger.WarnContext(ctx, "移除離開成員的狀態失敗", "group_id", e.GroupID, "client_id", e.ClientID, "error", err)
	}
}

func (m *Manager) onEnded(_ context.Context, e events.Event) {
	m.remove(e.GroupID)
}

// remove 從管理器移除並停止同步器，不發送 END
func (m *Manager) remove(groupID string) {
	m.mu.Lock()
	s, ok := m.syncs[groupID]
	delete(m.syncs, groupID)
	m.mu.Unlock()

	if ok {
		s.Stop()
	}
}

// Start 為對局建立並啟動同步器
func (m *Manager) Start(ctx context.Context, groupID string) (*Synchronizer, error) {
	m.mu.Lock()
	if _, ok := m.syncs[groupID]; ok {
		m.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrCodeConflict, "state synchronizer already running").
			WithDetails(groupID)
	}
	s := newSynchronizer(groupID, m.store, m.primary, m.secondary, m.ender, m.metrics, m.logger, m.opts, m.now)
	m.syncs[groupID] = s
	m.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.syncs, groupID)
		m.mu.Unlock()
		return nil, err
	}
	return s, nil
}

func (m *Manager) get(groupID string) *Synchronizer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.syncs[groupID]
}

// Active 本實例正在同步的對局數
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.syncs)
}

// Running 對局是否由本實例同步
func (m *Manager) Running(groupID string) bool {
	return m.get(groupID) != nil
}

// End 立即結束對局
func (m *Manager) End(ctx context.Context, groupID string) bool {
	s := m.get(groupID)
	if s == nil {
		return false
	}
	s.End(ctx)
	return true
}

// HandleState 驗證並寫入客戶端狀態
//
// 任何實例都能寫入共享儲存；只有負責同步的實例做速度檢查。
func (m *Manager) HandleState(ctx context.Context, matchID, clientID string, content []byte) error {
	var req struct {
		State json.RawMessage `json:"state"`
	}
	if err := json.Unmarshal(content, &req); err != nil || len(req.State) == 0 {
		return apperrors.New(apperrors.ErrCodeValidation, "invalid state")
	}
	return m.storeState(ctx, matchID, clientID, req.State)
}

func (m *Manager) storeState(ctx context.Context, matchID, clientID string, raw json.RawMessage) error {
	st, err := ParseState(raw)
	if err != nil {
		return err
	}
	snapshot, err := encodeSnapshot(st)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "state could not be stored")
	}
	if err := m.store.PutState(ctx, matchID, clientID, snapshot); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "state could not be stored")
	}
	if s := m.get(matchID); s != nil {
		s.Observe(ctx, clientID, st)
	}
	return nil
}

// HandleSecondary 處理 UDP 送來的對局訊息
//
// 先以識別碼驗證來源，第一次驗證成功時綁定 UDP 對端。
// RGS:STATE 寫入狀態，RGS:MESSAGE 轉給其他成員，RGS:WORLD 轉給所有成員，
// 其餘標頭只做綁定。
func (m *Manager) HandleSecondary(ctx context.Context, udpID string, env *envelope.Envelope) error {
	var p Packet
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.ClientID == "" || p.GroupID == "" || p.Identifier == "" {
		return apperrors.New(apperrors.ErrCodeValidation, "tid, gid and uid are required")
	}

	ctx = logger.WithGroupID(logger.WithClientID(ctx, p.ClientID), p.GroupID)

	s := m.get(p.GroupID)
	if s == nil {
		return apperrors.New(apperrors.ErrCodeNotFound, "match is not synchronized here").
			WithDetails(p.GroupID)
	}
	if err := s.Bind(ctx, p.Identifier, p.ClientID, udpID); err != nil {
		m.logger.WarnContext(ctx, "UDP 訊息驗證失敗", "udp_id", udpID)
		return err
	}

	switch env.Header {
	case envelope.RoomState:
		return m.storeState(ctx, p.GroupID, p.ClientID, p.State)
	case envelope.RoomMessage:
		return m.relay(ctx, env.Header, p, true)
	case envelope.RoomWorld:
		return m.relay(ctx, env.Header, p, false)
	default:
		return nil
	}
}

func (m *Manager) relay(ctx context.Context, header envelope.Header, p Packet, excludeSelf bool) error {
	members, err := m.store.Members(ctx, p.GroupID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "members unavailable")
	}
	to := make([]string, 0, len(members))
	for _, id := range members {
		if excludeSelf && id == p.ClientID {
			continue
		}
		to = append(to, id)
	}
	if len(to) == 0 {
		return nil
	}

	msg, err := envelope.Forward(header, p.ClientID, p.GroupID, p.Delivery)
	if err != nil {
		return err
	}
	for _, r := range m.primary.SendList(ctx, to, msg) {
		if r.Err != nil {
			m.logger.DebugContext(ctx, "轉送 UDP 訊息失敗", "to", r.Value, "error", r.Err)
		}
	}
	return nil
}

// Stop 停止所有同步器，不送出 END
func (m *Manager) Stop() {
	m.mu.Lock()
	syncs := m.syncs
	m.syncs = make(map[string]*Synchronizer)
	m.mu.Unlock()

	for _, s := range syncs {
		s.Stop()
	}
}
