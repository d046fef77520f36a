// Package statesync 對局開始後定期推送所有成員的最新狀態
//
// 系統設計問題：
//
//	對局中每位客戶端以高頻率送出自己的位置，伺服器要以固定頻率把整個對局的狀態推給所有人，
//	並在對局時間到時結束。
//
// 核心挑戰：
//  1. 狀態可能送到任何實例，推送只在一個實例執行
//  2. 推送頻率高，WebSocket 的額外負擔可以改走 UDP
//  3. 結束通知必須剛好一次
//
// 設計方案：
//   - 狀態以 CBOR 存在共享儲存（sp:<groupId>），任何實例都能寫入
//   - 每個對局一個 Synchronizer，由收到 match.started 的實例建立
//   - 每位成員拿到一次性識別碼，用來在 UDP 上證明身分；全員綁定後改走 UDP
//   - 移動速度超過上限只記錄日誌
package statesync

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-realtime-groups/internal/envelope"
	"github.com/koopa0/system-design/14-realtime-groups/internal/geom"
	"github.com/koopa0/system-design/14-realtime-groups/internal/metrics"
	"github.com/koopa0/system-design/14-realtime-groups/internal/store"
	apperrors "github.com/koopa0/system-design/14-realtime-groups/pkg/errors"
	"github.com/koopa0/system-design/14-realtime-groups/pkg/idgen"
	"github.com/koopa0/system-design/14-realtime-groups/pkg/logger"
	"github.com/koopa0/system-design/14-realtime-groups/pkg/result"
)

// ValidationTotal 全員綁定 UDP 後的通知
const ValidationTotal = "VALIDATION-TOTAL"

// Store 狀態同步需要的共享儲存
type Store interface {
	Members(ctx context.Context, groupID string) ([]string, error)
	store.MatchStates
}

// Sender 主要通道的批次送出
type Sender interface {
	SendList(ctx context.Context, clientIDs []string, msg []byte) []result.Result[string]
}

// Ender 對局時間到時結束對局
type Ender interface {
	EndMatch(ctx context.Context, groupID string)
}

// Options 同步設定
type Options struct {
	Hertz                int
	Duration             time.Duration
	UpdatesViaUDP        bool
	CalculateDistance    bool
	MaxDistancePerSecond float64
}

// DefaultOptions 預設設定
func DefaultOptions() Options {
	return Options{
		Hertz:                24,
		Duration:             10 * time.Minute,
		UpdatesViaUDP:        true,
		CalculateDistance:    true,
		MaxDistancePerSecond: 50,
	}
}

// Period 推送間隔
func (o Options) Period() time.Duration {
	if o.Hertz <= 0 {
		return time.Second
	}
	return time.Second / time.Duration(o.Hertz)
}

// Identifier 發給成員的一次性識別碼
type Identifier struct {
	Created    int64  `json:"created"`
	Identifier string `json:"identifier"`
	GroupID    string `json:"groupId"`
}

type observed struct {
	position geom.Vector
	at       time.Time
}

// Synchronizer 單一對局的狀態推送
type Synchronizer struct {
	groupID   string
	store     Store
	primary   Sender
	secondary Sender
	ender     Ender
	metrics   *metrics.Metrics
	logger    *slog.Logger
	opts      Options
	now       func() time.Time

	mu          sync.Mutex
	identifiers map[string]string // identifier → clientID
	bound       map[string]string // identifier → udpID
	udpPeers    []string
	last        map[string]observed

	started  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	endOnce  sync.Once
	wg       sync.WaitGroup
}

func newSynchronizer(groupID string, st Store, primary, secondary Sender, ender Ender, m *metrics.Metrics, log *slog.Logger, opts Options, now func() time.Time) *Synchronizer {
	return &Synchronizer{
		groupID:     groupID,
		store:       st,
		primary:     primary,
		secondary:   secondary,
		ender:       ender,
		metrics:     m,
		logger:      log.With("group_id", groupID),
		opts:        opts,
		now:         now,
		identifiers: make(map[string]string),
		bound:       make(map[string]string),
		last:        make(map[string]observed),
		stopCh:      make(chan struct{}),
	}
}

// GroupID 對局 ID
func (s *Synchronizer) GroupID() string {
	return s.groupID
}

// Start 發出識別碼並啟動推送與結束計時
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeConflict, "state synchronizer already running")
	}
	s.started = true
	s.mu.Unlock()

	ctx = logger.WithGroupID(context.WithoutCancel(ctx), s.groupID)
	s.issueIdentifiers(ctx)

	s.wg.Add(1)
	go func() {
		expired := s.loop(ctx)
		s.wg.Done()
		if expired {
			s.end(ctx)
		}
	}()

	s.metrics.SyncStarted()
	s.logger.InfoContext(ctx, "狀態同步開始", "hertz", s.opts.Hertz, "duration", s.opts.Duration)
	return nil
}

// loop 時間到回傳 true，被停止回傳 false
func (s *Synchronizer) loop(ctx context.Context) bool {
	ticker := time.NewTicker(s.opts.Period())
	defer ticker.Stop()
	endTimer := time.NewTimer(s.opts.Duration)
	defer endTimer.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-endTimer.C:
			return true
		case <-s.stopCh:
			return false
		}
	}
}

// Stop 停止推送與結束計時，不送出 END
func (s *Synchronizer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.metrics.SyncStopped()
		s.logger.Info("狀態同步停止")
	})
}

// End 立即結束對局，END 只會送出一次
func (s *Synchronizer) End(ctx context.Context) {
	s.end(logger.WithGroupID(ctx, s.groupID))
}

func (s *Synchronizer) end(ctx context.Context) {
	s.endOnce.Do(func() {
		s.Stop()
		if s.ender != nil {
			s.ender.EndMatch(ctx, s.groupID)
		}
	})
}

// Tick 推送一次所有狀態，沒有狀態時略過
func (s *Synchronizer) Tick(ctx context.Context) {
	snapshots, err := s.store.States(ctx, s.groupID)
	if err != nil {
		s.logger.WarnContext(ctx, "讀取對局狀態失敗", "error", err)
		return
	}
	if len(snapshots) == 0 {
		return
	}

	update := Update{Created: s.now().UnixMilli(), States: make([]Entry, 0, len(snapshots))}
	for clientID, data := range snapshots {
		st, err := decodeSnapshot(data)
		if err != nil {
			s.logger.WarnContext(ctx, "略過損壞的狀態", "client_id", clientID, "error", err)
			continue
		}
		update.States = append(update.States, Entry{ClientID: clientID, State: st})
	}
	slices.SortFunc(update.States, func(a, b Entry) int {
		switch {
		case a.ClientID < b.ClientID:
			return -1
		case a.ClientID > b.ClientID:
			return 1
		}
		return 0
	})

	msg, err := envelope.Internal(envelope.RoomState, update)
	if err != nil {
		s.logger.ErrorContext(ctx, "序列化狀態推送失敗", "error", err)
		return
	}

	s.metrics.StateTick()

	if peers := s.secondaryPeers(); len(peers) > 0 {
		s.report(ctx, s.secondary.SendList(ctx, peers, msg))
		return
	}

	members, err := s.store.Members(ctx, s.groupID)
	if err != nil {
		s.logger.WarnContext(ctx, "讀取對局成員失敗", "error", err)
		return
	}
	if len(members) == 0 {
		return
	}
	s.report(ctx, s.primary.SendList(ctx, members, msg))
}

func (s *Synchronizer) report(ctx context.Context, results []result.Result[string]) {
	for _, r := range result.Failures(results) {
		s.logger.DebugContext(ctx, "狀態推送失敗", "to", r.Value, "error", r.Err)
	}
}

func (s *Synchronizer) secondaryPeers() []string {
	if !s.opts.UpdatesViaUDP || s.secondary == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.udpPeers)
}

// Observe 比對前一次位置，速度超過上限時記錄
func (s *Synchronizer) Observe(ctx context.Context, clientID string, st State) {
	if !s.opts.CalculateDistance {
		return
	}

	now := s.now()
	s.mu.Lock()
	prev, ok := s.last[clientID]
	s.last[clientID] = observed{position: st.Position, at: now}
	s.mu.Unlock()

	if !ok {
		return
	}
	elapsed := now.Sub(prev.at)
	if elapsed <= 0 {
		return
	}

	distance := geom.Distance(st.Position, prev.position)
	speed := distance / elapsed.Seconds()
	if speed > s.opts.MaxDistancePerSecond {
		s.logger.WarnContext(ctx, "移動速度超過上限",
			"client_id", clientID,
			"speed", speed,
			"distance", distance,
			"elapsed", elapsed,
			"max", s.opts.MaxDistancePerSecond)
	}
}

// ClientLeft 成員中途離開，只移除其狀態
func (s *Synchronizer) ClientLeft(ctx context.Context, clientID string) {
	s.mu.Lock()
	delete(s.last, clientID)
	s.mu.Unlock()

	if err := s.store.RemoveState(ctx, s.groupID, clientID); err != nil {
		s.logger.WarnContext(ctx, "移除離開成員的狀態失敗", "client_id", clientID, "error", err)
	}
}

func (s *Synchronizer) issueIdentifiers(ctx context.Context) {
	members, err := s.store.Members(ctx, s.groupID)
	if err != nil {
		s.logger.WarnContext(ctx, "讀取成員失敗，無法發出識別碼", "error", err)
		return
	}

	for _, clientID := range members {
		id := idgen.SessionIdentifier()

		s.mu.Lock()
		s.identifiers[id] = clientID
		s.mu.Unlock()

		msg, err := envelope.Internal(envelope.RoomMessage, Identifier{
			Created:    s.now().UnixMilli(),
			Identifier: id,
			GroupID:    s.groupID,
		})
		if err != nil {
			continue
		}
		s.report(ctx, s.primary.SendList(ctx, []string{clientID}, msg))
	}
}

// Bind 以識別碼把 UDP 對端綁定到客戶端
//
// 同一識別碼只記錄第一次綁定；全員綁定後推送改走 UDP 並通知成員。
func (s *Synchronizer) Bind(ctx context.Context, identifier, clientID, udpID string) error {
	s.mu.Lock()
	owner, ok := s.identifiers[identifier]
	if !ok || owner != clientID {
		s.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeValidation, "invalid identifier")
	}
	if _, done := s.bound[identifier]; done {
		s.mu.Unlock()
		return nil
	}
	s.bound[identifier] = udpID
	complete := len(s.bound) >= len(s.identifiers)
	if complete {
		s.udpPeers = s.udpPeers[:0]
		for _, peer := range s.bound {
			s.udpPeers = append(s.udpPeers, peer)
		}
	}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "UDP 對端已綁定", "client_id", clientID, "udp_id", udpID)
	if !complete {
		return nil
	}

	s.logger.InfoContext(ctx, "所有成員都已綁定 UDP")
	msg, err := envelope.Internal(envelope.RoomMessage, map[string]string{
		"info":    ValidationTotal,
		"groupId": s.groupID,
	})
	if err != nil {
		return nil
	}
	members, err := s.store.Members(ctx, s.groupID)
	if err != nil {
		return nil
	}
	s.report(ctx, s.primary.SendList(ctx, members, msg))
	return nil
}

// Bound UDP 是否已全員綁定
func (s *Synchronizer) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.udpPeers) > 0
}
