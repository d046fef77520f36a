package matchmaking

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/koopa0/system-design/14-realtime-groups/internal/envelope"
	"github.com/koopa0/system-design/14-realtime-groups/internal/events"
	"github.com/koopa0/system-design/14-realtime-groups/internal/metrics"
	"github.com/koopa0/system-design/14-realtime-groups/internal/router"
	apperrors "github.com/koopa0/system-design/14-realtime-groups/pkg/errors"
	"github.com/koopa0/system-design/14-realtime-groups/pkg/logger"
)

// Request RGS: 請求內容
type Request struct {
	MatchID  string          `json:"matchId,omitempty"`
	Delivery json.RawMessage `json:"delivery,omitempty"`
}

// Handles 是否有對應的處理函數
func (m *Matchmaker) Handles(h envelope.Header) bool {
	_, ok := m.handlers[h]
	return ok
}

// Handle 實作 router.Handler
func (m *Matchmaker) Handle(ctx context.Context, msg router.Message) {
	h, ok := m.handlers[msg.Header]
	if !ok {
		m.logger.DebugContext(ctx, "RGS 層忽略標頭", "header", msg.Header)
		return
	}
	h(ctx, msg)
}

// handleSearch 只有不在任何群組的客戶端可以進入佇列
func (m *Matchmaker) handleSearch(ctx context.Context, msg router.Message) {
	queueID := m.QueueID()
	if queueID == "" {
		m.fail(ctx, msg, apperrors.ErrNotOpened, "")
		return
	}

	groups, err := m.store.GroupsOf(ctx, msg.ClientID)
	if err != nil {
		m.fail(ctx, msg, err, "")
		return
	}
	if slices.Contains(groups, queueID) {
		m.fail(ctx, msg, apperrors.ErrAlreadyQueued, queueID)
		return
	}
	if len(groups) > 0 {
		m.fail(ctx, msg, apperrors.ErrBusyInOtherGroup, "")
		return
	}

	if err := m.store.Join(ctx, queueID, msg.ClientID); err != nil {
		m.fail(ctx, msg, err, queueID)
		return
	}
	m.logger.DebugContext(ctx, "加入配對佇列", "client_id", msg.ClientID)
	m.succeed(ctx, msg, queueID)
}

func (m *Matchmaker) handleLeave(ctx context.Context, msg router.Message) {
	queueID := m.QueueID()
	if queueID == "" {
		m.fail(ctx, msg, apperrors.ErrNotOpened, "")
		return
	}
	if err := m.store.Leave(ctx, queueID, msg.ClientID); err != nil {
		m.fail(ctx, msg, err, queueID)
		return
	}
	m.succeed(ctx, msg, queueID)
}

// handleBroadcast 轉送給佇列中的其他人
func (m *Matchmaker) handleBroadcast(ctx context.Context, msg router.Message) {
	queueID := m.QueueID()
	req, err := decode(msg)
	if err != nil {
		m.fail(ctx, msg, err, "")
		return
	}

	member, err := m.store.IsMember(ctx, queueID, msg.ClientID)
	if err != nil || !member {
		m.logger.WarnContext(ctx, "不在佇列中的客戶端嘗試廣播", "error", apperrors.ErrNotMember)
		return
	}
	m.forward(ctx, msg.Header, queueID, msg.ClientID, req.Delivery, true)
}

// handleConfirm 記錄確認並通知整個對局群組
func (m *Matchmaker) handleConfirm(ctx context.Context, msg router.Message) {
	req, err := decodeMatch(msg)
	if err != nil {
		m.fail(ctx, msg, err, "")
		return
	}
	ctx = logger.WithGroupID(ctx, req.MatchID)

	member, err := m.store.IsMember(ctx, req.MatchID, msg.ClientID)
	if err != nil {
		m.logger.WarnContext(ctx, "確認時檢查成員失敗", "error", err)
		return
	}
	if !member {
		m.logger.WarnContext(ctx, "非成員嘗試確認對局", "client_id", msg.ClientID)
		return
	}

	count, err := m.store.Confirm(ctx, req.MatchID, msg.ClientID)
	if err != nil {
		m.fail(ctx, msg, err, req.MatchID)
		return
	}
	m.logger.InfoContext(ctx, "客戶端確認對局", "client_id", msg.ClientID, "confirmed", count)

	content, err := json.Marshal(envelope.MatchNotice{MM: envelope.MatchConfirmed, MatchID: req.MatchID})
	if err != nil {
		return
	}
	out, err := envelope.Forward(envelope.RoomConfirm.Notify(), msg.ClientID, req.MatchID, content)
	if err != nil {
		return
	}
	if _, err := m.groups.BroadcastToGroup(ctx, req.MatchID, out); err != nil {
		m.logger.WarnContext(ctx, "確認通知失敗", "error", err)
	}
}

func (m *Matchmaker) handleExit(ctx context.Context, msg router.Message) {
	req, err := decodeMatch(msg)
	if err != nil {
		m.fail(ctx, msg, err, "")
		return
	}

	if err := m.ExitMatch(ctx, req.MatchID, msg.ClientID); err != nil {
		if apperrors.IsNotMember(err) {
			m.logger.WarnContext(ctx, "非成員嘗試離開對局", "group_id", req.MatchID)
			return
		}
		m.fail(ctx, msg, err, req.MatchID)
		return
	}
	m.succeed(ctx, msg, req.MatchID)
}

// handleState 交給狀態同步器，成功時不回覆
func (m *Matchmaker) handleState(ctx context.Context, msg router.Message) {
	m.mu.Lock()
	sh := m.state
	m.mu.Unlock()
	if sh == nil {
		m.logger.DebugContext(ctx, "沒有狀態同步器，丟棄 RGS:STATE")
		return
	}

	var req Request
	if err := msg.Decode(&req); err != nil {
		m.fail(ctx, msg, err, "")
		return
	}
	matchID, err := m.matchOf(ctx, msg.ClientID, req.MatchID)
	if err != nil {
		m.fail(ctx, msg, err, req.MatchID)
		return
	}

	if err := sh.HandleState(logger.WithGroupID(ctx, matchID), matchID, msg.ClientID, msg.Envelope.Content); err != nil {
		m.fail(ctx, msg, err, matchID)
	}
}

// handleMessage 轉送給對局中的其他成員
func (m *Matchmaker) handleMessage(ctx context.Context, msg router.Message) {
	m.relayToMatch(ctx, msg, true)
}

// handleWorld 轉送給對局中的所有成員（包含自己）
func (m *Matchmaker) handleWorld(ctx context.Context, msg router.Message) {
	m.relayToMatch(ctx, msg, false)
}

func (m *Matchmaker) relayToMatch(ctx context.Context, msg router.Message, excludeSelf bool) {
	var req Request
	if err := msg.Decode(&req); err != nil {
		m.fail(ctx, msg, err, "")
		return
	}
	matchID, err := m.matchOf(ctx, msg.ClientID, req.MatchID)
	if err != nil {
		m.logger.WarnContext(ctx, "找不到客戶端的對局", "header", msg.Header, "error", err)
		return
	}
	m.forward(logger.WithGroupID(ctx, matchID), msg.Header, matchID, msg.ClientID, req.Delivery, excludeSelf)
}

func (m *Matchmaker) forward(ctx context.Context, header envelope.Header, groupID, from string, delivery json.RawMessage, excludeSelf bool) {
	out, err := envelope.Forward(header, from, groupID, delivery)
	if err != nil {
		m.logger.ErrorContext(ctx, "序列化轉送失敗", "error", err)
		return
	}
	var exclude []string
	if excludeSelf {
		exclude = []string{from}
	}
	if _, err := m.groups.BroadcastToGroup(ctx, groupID, out, exclude...); err != nil {
		m.logger.WarnContext(ctx, "轉送失敗", "header", header, "error", err)
	}
}

// matchOf 指定 matchId 時檢查成員資格，否則取客戶端所在的第一個非佇列群組
func (m *Matchmaker) matchOf(ctx context.Context, clientID, matchID string) (string, error) {
	if matchID != "" {
		member, err := m.store.IsMember(ctx, matchID, clientID)
		if err != nil {
			return "", err
		}
		if !member {
			return "", apperrors.ErrNotMember
		}
		return matchID, nil
	}

	groups, err := m.store.GroupsOf(ctx, clientID)
	if err != nil {
		return "", err
	}
	queueID := m.QueueID()
	for _, g := range groups {
		if g != queueID {
			return g, nil
		}
	}
	return "", apperrors.ErrMatchNotActive
}

// ExitMatch 客戶端主動離開對局
//
// 最後一位成員離開時刪除群組與狀態。
func (m *Matchmaker) ExitMatch(ctx context.Context, matchID, clientID string) error {
	ctx = logger.WithGroupID(ctx, matchID)

	member, err := m.store.IsMember(ctx, matchID, clientID)
	if err != nil {
		return err
	}
	if !member {
		return apperrors.ErrNotMember
	}
	if err := m.store.Leave(ctx, matchID, clientID); err != nil {
		return err
	}

	m.exited(ctx, matchID, clientID)
	m.eraseIfEmpty(ctx, matchID)
	return nil
}

// eraseIfEmpty 最後一位成員離開後刪除群組、狀態與本地紀錄
func (m *Matchmaker) eraseIfEmpty(ctx context.Context, matchID string) {
	remaining, err := m.store.Members(ctx, matchID)
	if err != nil {
		m.logger.WarnContext(ctx, "讀取對局成員失敗", "error", err)
		return
	}
	if len(remaining) > 0 {
		return
	}

	m.mu.Lock()
	delete(m.phases, matchID)
	delete(m.pending, matchID)
	m.mu.Unlock()

	m.erase(ctx, matchID)
	if err := m.store.DeleteConfirmations(ctx, matchID); err != nil {
		m.logger.WarnContext(ctx, "刪除確認紀錄失敗", "error", err)
	}
	if err := m.store.DeleteStates(ctx, matchID); err != nil {
		m.logger.WarnContext(ctx, "刪除對局狀態失敗", "error", err)
	}
	m.logger.InfoContext(ctx, "對局已無成員，刪除群組")
}

// onGroupLeft 斷線離開非佇列群組時視為離開對局
func (m *Matchmaker) onGroupLeft(ctx context.Context, e events.Event) {
	if e.Reason != events.ReasonDisconnect || e.GroupID == m.QueueID() {
		return
	}
	ctx = logger.WithGroupID(ctx, e.GroupID)
	m.exited(ctx, e.GroupID, e.ClientID)
	m.eraseIfEmpty(ctx, e.GroupID)
}

func (m *Matchmaker) exited(ctx context.Context, matchID, clientID string) {
	content, err := json.Marshal(envelope.MatchNotice{MM: envelope.MatchExit, MatchID: matchID})
	if err == nil {
		if out, err := envelope.Forward(envelope.RoomExit.Notify(), clientID, matchID, content); err == nil {
			if _, err := m.groups.BroadcastToGroup(ctx, matchID, out, clientID); err != nil {
				m.logger.WarnContext(ctx, "離開通知失敗", "error", err)
			}
		}
	}

	m.events.Emit(ctx, events.Event{Kind: events.MatchExited, GroupID: matchID, ClientID: clientID})
	m.metrics.Match(metrics.OutcomeExited)
	m.logger.InfoContext(ctx, "客戶端離開對局", "client_id", clientID)
}

func decode(msg router.Message) (*Request, error) {
	var req Request
	if !msg.Envelope.HasContent() {
		return &req, nil
	}
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

func decodeMatch(msg router.Message) (*Request, error) {
	var req Request
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	if req.MatchID == "" {
		return nil, apperrors.ErrMissingMatchID
	}
	return &req, nil
}

func (m *Matchmaker) succeed(ctx context.Context, msg router.Message, groupID string) {
	out, err := envelope.Succeeded(msg.Header, groupID)
	if err != nil {
		return
	}
	m.send(ctx, msg.ClientID, out)
}

func (m *Matchmaker) fail(ctx context.Context, msg router.Message, err error, groupID string) {
	m.logger.InfoContext(ctx, "請求失敗", "header", msg.Header, "error", err)
	out, mErr := envelope.Failed(msg.Header, err, groupID)
	if mErr != nil {
		return
	}
	m.send(ctx, msg.ClientID, out)
}

func (m *Matchmaker) send(ctx context.Context, clientID string, msg []byte) {
	if _, err := m.sender.Send(ctx, clientID, msg); err != nil {
		m.logger.WarnContext(ctx, "回覆送出失敗", "client_id", clientID, "error", err)
	}
}
