// Package matchmaking 實作 RGS: 配對協議
//
// 系統設計問題：
//
//	搜尋中的客戶端放在一個佇列群組，定期切成固定大小的大廳，
//	每個大廳成為新的對局群組，所有人確認後開始，逾時則解散。
//
// 核心挑戰：
//  1. 排程與手動觸發不能同時執行
//  2. 單一大廳組建失敗不能影響其他大廳
//  3. 確認可能發生在任何實例上
//
// 設計方案：
//   - Matchmaker 持有排程、確認紀錄與對局狀態，Start/Stop 明確管理生命週期
//   - 組建與確認在同一個週期內依序執行，TryLock 防止重入
//   - 確認人數存在共享儲存（mmc:<groupId>），開啟時間只存在組建的實例
//   - 組建的實例崩潰時，進行中的確認會遺失，成員只能重新搜尋
package matchmaking

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koopa0/system-design/14-realtime-groups/internal/envelope"
	"github.com/koopa0/system-design/14-realtime-groups/internal/events"
	"github.com/koopa0/system-design/14-realtime-groups/internal/metrics"
	"github.com/koopa0/system-design/14-realtime-groups/internal/relay"
	"github.com/koopa0/system-design/14-realtime-groups/internal/router"
	"github.com/koopa0/system-design/14-realtime-groups/internal/store"
	apperrors "github.com/koopa0/system-design/14-realtime-groups/pkg/errors"
	"github.com/koopa0/system-design/14-realtime-groups/pkg/logger"
	"github.com/koopa0/system-design/14-realtime-groups/pkg/result"
)

// Store 配對需要的共享儲存
type Store interface {
	store.Membership
	store.Confirmations
	store.MatchStates
}

// Groups 群組廣播
type Groups interface {
	BroadcastToGroup(ctx context.Context, groupID string, msg []byte, exclude ...string) ([]result.Result[string], error)
}

// Sender 回覆單一客戶端
type Sender interface {
	Send(ctx context.Context, clientID string, msg []byte) (relay.Mode, error)
}

// StateHandler 處理 RGS:STATE
type StateHandler interface {
	HandleState(ctx context.Context, matchID, clientID string, state []byte) error
}

// Options 配對設定
type Options struct {
	LobbySize      int
	Interval       time.Duration
	ConfirmTimeout time.Duration
	DisbandGrace   time.Duration
}

// DefaultOptions 預設設定
func DefaultOptions() Options {
	return Options{
		LobbySize:      3,
		Interval:       3200 * time.Millisecond,
		ConfirmTimeout: 2 * time.Minute,
		DisbandGrace:   250 * time.Millisecond,
	}
}

// confirmation 進行中的確認，只存在組建的實例
type confirmation struct {
	opened  time.Time
	members []string
}

type handlerFunc func(ctx context.Context, msg router.Message)

// Matchmaker 配對器
type Matchmaker struct {
	store   Store
	groups  Groups
	sender  Sender
	events  *events.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger
	opts    Options
	now     func() time.Time

	queueID string
	state   StateHandler

	tickMu  sync.Mutex
	running atomic.Bool

	mu       sync.Mutex
	pending  map[string]*confirmation
	phases   map[string]Phase
	handlers map[envelope.Header]handlerFunc

	stopCh chan struct{} // 每次 Start 重建，Stop 後為 nil
	wg     sync.WaitGroup
}

// Option 設定選項
type Option func(*Matchmaker)

// WithMetrics 設定指標
func WithMetrics(m *metrics.Metrics) Option {
	return func(mm *Matchmaker) { mm.metrics = m }
}

// WithClock 替換時間來源
func WithClock(now func() time.Time) Option {
	return func(mm *Matchmaker) { mm.now = now }
}

// New 創建配對器
func New(st Store, groups Groups, sender Sender, bus *events.Bus, logger *slog.Logger, opts Options, options ...Option) *Matchmaker {
	if opts.LobbySize <= 0 {
		opts.LobbySize = DefaultOptions().LobbySize
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultOptions().Interval
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = DefaultOptions().ConfirmTimeout
	}

	m := &Matchmaker{
		store:   st,
		groups:  groups,
		sender:  sender,
		events:  bus,
		logger:  logger.With("component", "matchmaking"),
		opts:    opts,
		now:     time.Now,
		pending: make(map[string]*confirmation),
		phases:  make(map[string]Phase),
	}
	for _, o := range options {
		o(m)
	}

	m.handlers = map[envelope.Header]handlerFunc{
		envelope.RoomSearch:    m.handleSearch,
		envelope.RoomLeave:     m.handleLeave,
		envelope.RoomBroadcast: m.handleBroadcast,
		envelope.RoomConfirm:   m.handleConfirm,
		envelope.RoomExit:      m.handleExit,
		envelope.RoomState:     m.handleState,
		envelope.RoomMessage:   m.handleMessage,
		envelope.RoomWorld:     m.handleWorld,
	}

	if bus != nil {
		bus.Subscribe(events.GroupLeft, m.onGroupLeft)
	}
	return m
}

// SetStateHandler 設定 RGS:STATE 的處理者
func (m *Matchmaker) SetStateHandler(h StateHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = h
}

// Open 建立佇列群組
func (m *Matchmaker) Open(ctx context.Context) error {
	queueID, err := m.store.CreateGroup(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.queueID = queueID
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "配對佇列已建立", "queue_id", queueID, "lobby_size", m.opts.LobbySize)
	return nil
}

// QueueID 佇列群組 ID
func (m *Matchmaker) QueueID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queueID
}

// Start 啟動定期排程，重複啟動回傳 ErrIntervalRunning
func (m *Matchmaker) Start(ctx context.Context) error {
	if m.QueueID() == "" {
		return apperrors.ErrNotOpened
	}
	if !m.running.CompareAndSwap(false, true) {
		return apperrors.ErrIntervalRunning
	}

	stop := make(chan struct{})
	m.mu.Lock()
	m.stopCh = stop
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx, stop)

	m.logger.InfoContext(ctx, "配對排程已啟動", "interval", m.opts.Interval)
	return nil
}

// Stop 停止排程並等待背景工作結束，之後可以再 Start
func (m *Matchmaker) Stop() {
	m.mu.Lock()
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.running.Store(false)
	m.logger.Info("配對排程已停止")
}

// Running 排程是否啟動中
func (m *Matchmaker) Running() bool {
	return m.running.Load()
}

func (m *Matchmaker) loop(ctx context.Context, stop <-chan struct{}) {
	defer m.wg.Done()
	defer m.running.Store(false)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cycle(ctx)
		case <-ctx.Done():
			return
		case <-stop:
			return
		}
	}
}

// cycle 組建後接著確認，上一輪還沒結束時跳過
func (m *Matchmaker) cycle(ctx context.Context) {
	if !m.tickMu.TryLock() {
		m.logger.WarnContext(ctx, "上一輪配對尚未完成，跳過")
		return
	}
	defer m.tickMu.Unlock()

	if _, err := m.formLobbies(ctx); err != nil {
		m.logger.ErrorContext(ctx, "大廳組建失敗", "error", err)
	}
	if err := m.checkConfirmations(ctx); err != nil {
		m.logger.ErrorContext(ctx, "確認檢查失敗", "error", err)
	}
}

// ExecuteFormation 手動執行大廳組建，排程啟動中時拒絕
func (m *Matchmaker) ExecuteFormation(ctx context.Context) ([]string, error) {
	if m.running.Load() {
		return nil, apperrors.ErrIntervalActive
	}
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	return m.formLobbies(ctx)
}

// ExecuteConfirmation 手動執行確認檢查，排程啟動中時拒絕
func (m *Matchmaker) ExecuteConfirmation(ctx context.Context) error {
	if m.running.Load() {
		return apperrors.ErrIntervalActive
	}
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	return m.checkConfirmations(ctx)
}

// formLobbies 把佇列依原始順序切成 lobbySize 的大廳，剩下的留在佇列
func (m *Matchmaker) formLobbies(ctx context.Context) ([]string, error) {
	queueID := m.QueueID()
	if queueID == "" {
		return nil, apperrors.ErrNotOpened
	}

	queued, err := m.store.Members(ctx, queueID)
	if err != nil {
		return nil, err
	}
	m.metrics.QueueSize(len(queued))

	if len(queued) < m.opts.LobbySize {
		return nil, nil
	}

	var formed []string
	for _, lobby := range chunk(queued, m.opts.LobbySize) {
		groupID, err := m.formLobby(ctx, queueID, lobby)
		if err != nil {
			m.logger.WarnContext(ctx, "大廳組建失敗", "members", lobby, "error", err)
			continue
		}
		formed = append(formed, groupID)
	}

	m.logger.InfoContext(ctx, "大廳組建完成", "queued", len(queued), "formed", len(formed))
	return formed, nil
}

func (m *Matchmaker) formLobby(ctx context.Context, queueID string, lobby []string) (string, error) {
	groupID, err := m.store.CreateGroup(ctx)
	if err != nil {
		return "", err
	}
	ctx = logger.WithGroupID(ctx, groupID)

	// 先加入對局群組，失敗時成員仍留在佇列
	joined := m.store.JoinMulti(ctx, groupID, lobby)
	if failed := result.Failures(joined); len(failed) > 0 {
		if err := m.store.Erase(ctx, groupID); err != nil {
			m.logger.WarnContext(ctx, "清理失敗的大廳失敗", "error", err)
		}
		return "", failed[0].Err
	}
	for _, r := range result.Failures(m.store.LeaveMulti(ctx, queueID, lobby)) {
		m.logger.WarnContext(ctx, "移出佇列失敗", "client_id", r.Value, "error", r.Err)
	}

	m.mu.Lock()
	m.phases[groupID] = PhaseFormed
	m.pending[groupID] = &confirmation{opened: m.now(), members: lobby}
	m.advance(ctx, groupID, PhaseConfirming)
	m.mu.Unlock()

	m.events.Emit(ctx, events.Event{Kind: events.MatchMatched, GroupID: groupID, Members: lobby})
	m.metrics.Match(metrics.OutcomeMatched)

	m.notifyGroup(ctx, groupID, envelope.RoomConfirm, envelope.MatchFound)
	return groupID, nil
}

// checkConfirmations 逾時的解散，全員確認的開始
func (m *Matchmaker) checkConfirmations(ctx context.Context) error {
	m.mu.Lock()
	open := make(map[string]time.Time, len(m.pending))
	for groupID, c := range m.pending {
		open[groupID] = c.opened
	}
	m.mu.Unlock()

	now := m.now()
	for groupID, opened := range open {
		gctx := logger.WithGroupID(ctx, groupID)

		if now.Sub(opened) >= m.opts.ConfirmTimeout {
			m.disband(gctx, groupID)
			continue
		}

		count, err := m.store.ConfirmationCount(gctx, groupID)
		if err != nil {
			m.logger.WarnContext(gctx, "讀取確認人數失敗", "error", err)
			continue
		}
		if count < m.opts.LobbySize {
			m.logger.DebugContext(gctx, "等待確認", "confirmed", count, "lobby_size", m.opts.LobbySize)
			continue
		}
		m.start(gctx, groupID)
	}
	return nil
}

func (m *Matchmaker) start(ctx context.Context, groupID string) {
	m.mu.Lock()
	c := m.pending[groupID]
	delete(m.pending, groupID)
	m.advance(ctx, groupID, PhaseStarted)
	m.mu.Unlock()

	if err := m.store.DeleteConfirmations(ctx, groupID); err != nil {
		m.logger.WarnContext(ctx, "刪除確認紀錄失敗", "error", err)
	}

	m.notifyGroup(ctx, groupID, envelope.RoomStart, envelope.MatchStart)

	var members []string
	if c != nil {
		members = c.members
	}
	m.events.Emit(ctx, events.Event{Kind: events.MatchStarted, GroupID: groupID, Members: members})
	m.metrics.Match(metrics.OutcomeStarted)
	m.logger.InfoContext(ctx, "對局開始")
}

func (m *Matchmaker) disband(ctx context.Context, groupID string) {
	m.mu.Lock()
	delete(m.pending, groupID)
	m.advance(ctx, groupID, PhaseDisbanded)
	delete(m.phases, groupID)
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "確認逾時，解散對局", "reason", apperrors.ErrConfirmationTimeout)

	if err := m.store.DeleteConfirmations(ctx, groupID); err != nil {
		m.logger.WarnContext(ctx, "刪除確認紀錄失敗", "error", err)
	}
	m.notifyGroup(ctx, groupID, envelope.RoomDisband, envelope.MatchDisband)

	m.events.Emit(ctx, events.Event{Kind: events.MatchDisbanded, GroupID: groupID})
	m.metrics.Match(metrics.OutcomeDisbanded)

	m.eraseLater(ctx, groupID)
}

// eraseLater 等廣播送出後再刪除群組，Stop 會提前觸發
func (m *Matchmaker) eraseLater(ctx context.Context, groupID string) {
	if m.opts.DisbandGrace <= 0 {
		m.erase(ctx, groupID)
		return
	}

	m.mu.Lock()
	stop := m.stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-time.After(m.opts.DisbandGrace):
		case <-stop:
		}
		m.erase(context.WithoutCancel(ctx), groupID)
	}()
}

func (m *Matchmaker) erase(ctx context.Context, groupID string) {
	if err := m.store.Erase(ctx, groupID); err != nil {
		m.logger.WarnContext(ctx, "刪除對局群組失敗", "error", err)
	}
}

// EndMatch 對局時間到，通知成員、清理狀態並刪除對局群組
func (m *Matchmaker) EndMatch(ctx context.Context, groupID string) {
	ctx = logger.WithGroupID(ctx, groupID)

	m.mu.Lock()
	m.advance(ctx, groupID, PhaseEnded)
	delete(m.phases, groupID)
	delete(m.pending, groupID)
	m.mu.Unlock()

	m.notifyGroup(ctx, groupID, envelope.RoomEnd, envelope.MatchEnd)

	if err := m.store.DeleteStates(ctx, groupID); err != nil {
		m.logger.WarnContext(ctx, "刪除對局狀態失敗", "error", err)
	}

	m.events.Emit(ctx, events.Event{Kind: events.MatchEnded, GroupID: groupID})
	m.metrics.Match(metrics.OutcomeEnded)
	m.logger.InfoContext(ctx, "對局結束")

	// 成員離開群組後才能再次 SEARCH
	m.eraseLater(ctx, groupID)
}

// Phase 本實例追蹤的對局狀態
func (m *Matchmaker) Phase(groupID string) (Phase, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.phases[groupID]
	return p, ok
}

// Pending 等待確認的對局數
func (m *Matchmaker) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// QueueSize 佇列人數
func (m *Matchmaker) QueueSize(ctx context.Context) (int, error) {
	queueID := m.QueueID()
	if queueID == "" {
		return 0, apperrors.ErrNotOpened
	}
	members, err := m.store.Members(ctx, queueID)
	if err != nil {
		return 0, err
	}
	return len(members), nil
}

// advance 呼叫者必須持有 m.mu；未追蹤的群組直接略過
func (m *Matchmaker) advance(ctx context.Context, groupID string, to Phase) {
	current, ok := m.phases[groupID]
	if !ok {
		return
	}
	next, err := current.transition(to)
	if err != nil {
		m.logger.WarnContext(ctx, "對局狀態轉換被拒絕", "error", err)
		return
	}
	m.phases[groupID] = next
}

func (m *Matchmaker) notifyGroup(ctx context.Context, groupID string, header envelope.Header, mm string) {
	msg, err := envelope.Internal(header, envelope.MatchNotice{MM: mm, MatchID: groupID})
	if err != nil {
		m.logger.ErrorContext(ctx, "序列化配對通知失敗", "error", err)
		return
	}
	if _, err := m.groups.BroadcastToGroup(ctx, groupID, msg); err != nil {
		m.logger.WarnContext(ctx, "配對通知廣播失敗", "header", header, "error", err)
	}
}

// chunk 只回傳完整的大廳
func chunk(ids []string, size int) [][]string {
	var out [][]string
	for i := 0; i+size <= len(ids); i += size {
		out = append(out, ids[i:i+size])
	}
	return out
}
