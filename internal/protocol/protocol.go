// Package protocol 實作 GS: 群組協議
//
// 系統設計問題：
//
//	客戶端透過控制訊息建立、加入、離開、刪除群組並對群組廣播，
//	群組成員可能分散在不同實例上。
//
// 設計方案：
//   - 每個 GS: 標頭對應一個處理函數（map[Header]handler），測試確認沒有遺漏
//   - 成員資格全部存在共享儲存，廣播透過轉送層送到任何實例
//   - 成功回覆 {successful:true, groupId}，失敗回覆 {failed:true, error, groupId?}
//   - 非成員廣播只記錄日誌，不回覆
//   - 連線關閉時離開所有群組，不回覆
package protocol

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/koopa0/system-design/14-realtime-groups/internal/envelope"
	"github.com/koopa0/system-design/14-realtime-groups/internal/events"
	"github.com/koopa0/system-design/14-realtime-groups/internal/relay"
	"github.com/koopa0/system-design/14-realtime-groups/internal/router"
	"github.com/koopa0/system-design/14-realtime-groups/internal/store"
	apperrors "github.com/koopa0/system-design/14-realtime-groups/pkg/errors"
	"github.com/koopa0/system-design/14-realtime-groups/pkg/logger"
	"github.com/koopa0/system-design/14-realtime-groups/pkg/result"
)

// Sender 轉送層的送出操作
type Sender interface {
	Send(ctx context.Context, clientID string, msg []byte) (relay.Mode, error)
	SendList(ctx context.Context, clientIDs []string, msg []byte) []result.Result[string]
}

// Request GS: 請求內容
type Request struct {
	GroupID  string          `json:"groupId"`
	Delivery json.RawMessage `json:"delivery,omitempty"`
}

// Notice 通知其他成員的內容
type Notice struct {
	ClientID string `json:"clientId"`
	GroupID  string `json:"groupId"`
}

type handlerFunc func(ctx context.Context, msg router.Message)

// Server 群組協議
type Server struct {
	store    store.Membership
	sender   Sender
	events   *events.Bus
	logger   *slog.Logger
	handlers map[envelope.Header]handlerFunc
}

// NewServer 創建群組協議
func NewServer(st store.Membership, sender Sender, bus *events.Bus, logger *slog.Logger) *Server {
	s := &Server{
		store:  st,
		sender: sender,
		events: bus,
		logger: logger.With("component", "group"),
	}
	s.handlers = map[envelope.Header]handlerFunc{
		envelope.GroupCreate:    s.handleCreate,
		envelope.GroupDelete:    s.handleDelete,
		envelope.GroupJoin:      s.handleJoin,
		envelope.GroupLeave:     s.handleLeave,
		envelope.GroupBroadcast: s.handleBroadcast,
		envelope.GroupPing:      s.handlePing,
	}
	return s
}

// Handles 是否有對應的處理函數
func (s *Server) Handles(h envelope.Header) bool {
	_, ok := s.handlers[h]
	return ok
}

// Handle 實作 router.Handler
func (s *Server) Handle(ctx context.Context, msg router.Message) {
	h, ok := s.handlers[msg.Header]
	if !ok {
		s.logger.DebugContext(ctx, "GS 層忽略標頭", "header", msg.Header)
		return
	}
	h(ctx, msg)
}

// HandleClose 連線關閉時離開所有群組
func (s *Server) HandleClose(ctx context.Context, clientID string) {
	s.LeaveAllGroups(ctx, clientID, events.ReasonDisconnect)
}

func (s *Server) handleCreate(ctx context.Context, msg router.Message) {
	groupID, err := s.CreateGroup(ctx, msg.ClientID)
	if err != nil {
		s.fail(ctx, msg, err, "")
		return
	}
	s.succeed(ctx, msg, groupID)
}

func (s *Server) handleDelete(ctx context.Context, msg router.Message) {
	req, err := decodeRequest(msg)
	if err != nil {
		s.fail(ctx, msg, err, "")
		return
	}
	if err := s.DeleteGroup(ctx, req.GroupID, msg.ClientID); err != nil {
		s.fail(ctx, msg, err, req.GroupID)
		return
	}
	s.succeed(ctx, msg, req.GroupID)
}

func (s *Server) handleJoin(ctx context.Context, msg router.Message) {
	req, err := decodeRequest(msg)
	if err != nil {
		s.fail(ctx, msg, err, "")
		return
	}
	if err := s.JoinGroup(ctx, req.GroupID, msg.ClientID); err != nil {
		s.fail(ctx, msg, err, req.GroupID)
		return
	}
	s.succeed(ctx, msg, req.GroupID)
}

func (s *Server) handleLeave(ctx context.Context, msg router.Message) {
	req, err := decodeRequest(msg)
	if err != nil {
		s.fail(ctx, msg, err, "")
		return
	}
	if err := s.LeaveGroup(ctx, req.GroupID, msg.ClientID, events.ReasonRequest); err != nil {
		s.fail(ctx, msg, err, req.GroupID)
		return
	}
	s.succeed(ctx, msg, req.GroupID)
}

func (s *Server) handleBroadcast(ctx context.Context, msg router.Message) {
	req, err := decodeRequest(msg)
	if err != nil {
		s.fail(ctx, msg, err, "")
		return
	}
	ctx = logger.WithGroupID(ctx, req.GroupID)

	member, err := s.store.IsMember(ctx, req.GroupID, msg.ClientID)
	if err != nil {
		s.fail(ctx, msg, err, req.GroupID)
		return
	}
	if !member {
		s.fail(ctx, msg, apperrors.ErrNotMember, req.GroupID)
		return
	}

	out, err := envelope.Forward(envelope.GroupBroadcast, msg.ClientID, req.GroupID, req.Delivery)
	if err != nil {
		s.fail(ctx, msg, err, req.GroupID)
		return
	}
	if _, err := s.BroadcastToGroup(ctx, req.GroupID, out, msg.ClientID); err != nil {
		s.fail(ctx, msg, err, req.GroupID)
		return
	}
	s.succeed(ctx, msg, req.GroupID)
}

func (s *Server) handlePing(ctx context.Context, msg router.Message) {
	s.reply(ctx, msg.ClientID, envelope.GroupPing, "PONG")
}

// CreateGroup 建立群組並讓建立者加入
func (s *Server) CreateGroup(ctx context.Context, creator string) (string, error) {
	groupID, err := s.store.CreateGroup(ctx)
	if err != nil {
		return "", err
	}
	ctx = logger.WithGroupID(ctx, groupID)

	if creator != "" {
		if err := s.store.Join(ctx, groupID, creator); err != nil {
			return "", err
		}
	}

	s.events.Emit(ctx, events.Event{Kind: events.GroupCreated, GroupID: groupID, ClientID: creator})
	s.logger.InfoContext(ctx, "群組已建立", "creator", creator)
	return groupID, nil
}

// DeleteGroup 通知成員後刪除群組
func (s *Server) DeleteGroup(ctx context.Context, groupID, by string) error {
	ctx = logger.WithGroupID(ctx, groupID)

	info, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}

	notice, err := s.notice(envelope.GroupDelete, by, groupID)
	if err != nil {
		return err
	}
	s.sendExcluding(ctx, info.Members, notice, by)

	if err := s.store.Erase(ctx, groupID); err != nil {
		return err
	}

	s.events.Emit(ctx, events.Event{Kind: events.GroupDeleted, GroupID: groupID, ClientID: by, Members: info.Members})
	s.logger.InfoContext(ctx, "群組已刪除", "by", by, "members", len(info.Members))
	return nil
}

// JoinGroup 加入群組並通知其他成員
func (s *Server) JoinGroup(ctx context.Context, groupID, clientID string) error {
	ctx = logger.WithGroupID(ctx, groupID)

	if _, err := s.store.GetGroup(ctx, groupID); err != nil {
		return err
	}
	if err := s.store.Join(ctx, groupID, clientID); err != nil {
		if apperrors.IsAlreadyMember(err) {
			s.logger.InfoContext(ctx, "重複加入", "client_id", clientID)
		}
		return err
	}

	if err := s.notify(ctx, envelope.GroupJoin, groupID, clientID); err != nil {
		s.logger.WarnContext(ctx, "通知加入失敗", "error", err)
	}
	s.events.Emit(ctx, events.Event{Kind: events.GroupJoined, GroupID: groupID, ClientID: clientID})
	return nil
}

// LeaveGroup 離開群組並通知其他成員
//
// 本來就不是成員時不做事也不回報錯誤。
func (s *Server) LeaveGroup(ctx context.Context, groupID, clientID, reason string) error {
	ctx = logger.WithGroupID(ctx, groupID)

	member, err := s.store.IsMember(ctx, groupID, clientID)
	if err != nil {
		return err
	}
	if err := s.store.Leave(ctx, groupID, clientID); err != nil {
		return err
	}
	if !member {
		s.logger.DebugContext(ctx, "離開時不是成員", "client_id", clientID)
		return nil
	}

	if err := s.notify(ctx, envelope.GroupLeave, groupID, clientID); err != nil {
		s.logger.WarnContext(ctx, "通知離開失敗", "error", err)
	}
	s.events.Emit(ctx, events.Event{Kind: events.GroupLeft, GroupID: groupID, ClientID: clientID, Reason: reason})
	return nil
}

// LeaveAllGroups 離開客戶端所屬的所有群組，回傳每個群組的結果
func (s *Server) LeaveAllGroups(ctx context.Context, clientID, reason string) []result.Result[string] {
	groups, err := s.store.GroupsOf(ctx, clientID)
	if err != nil {
		s.logger.ErrorContext(ctx, "讀取客戶端群組失敗", "error", err)
		return nil
	}

	results := result.Collect(groups, func(groupID string) error {
		return s.LeaveGroup(ctx, groupID, clientID, reason)
	})
	for _, r := range result.Failures(results) {
		s.logger.WarnContext(ctx, "離開群組失敗", "group_id", r.Value, "error", r.Err)
	}
	return results
}

// BroadcastToGroup 送給群組所有成員，exclude 中的客戶端略過
func (s *Server) BroadcastToGroup(ctx context.Context, groupID string, msg []byte, exclude ...string) ([]result.Result[string], error) {
	members, err := s.store.Members(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return s.sendExcluding(ctx, members, msg, exclude...), nil
}

// BroadcastToGroupList 送給多個群組的成員，同一客戶端只送一次
func (s *Server) BroadcastToGroupList(ctx context.Context, groupIDs []string, msg []byte) ([]result.Result[string], error) {
	seen := make(map[string]bool)
	var recipients []string
	for _, groupID := range groupIDs {
		members, err := s.store.Members(ctx, groupID)
		if err != nil {
			return nil, err
		}
		for _, c := range members {
			if !seen[c] {
				seen[c] = true
				recipients = append(recipients, c)
			}
		}
	}
	return s.sendExcluding(ctx, recipients, msg), nil
}

// BroadcastToAllGroupsOfClient 送給客戶端所在每個群組的成員
func (s *Server) BroadcastToAllGroupsOfClient(ctx context.Context, clientID string, msg []byte) ([]result.Result[string], error) {
	groups, err := s.store.GroupsOf(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return s.BroadcastToGroupList(ctx, groups, msg)
}

func (s *Server) sendExcluding(ctx context.Context, members []string, msg []byte, exclude ...string) []result.Result[string] {
	recipients := make([]string, 0, len(members))
	for _, c := range members {
		skip := false
		for _, e := range exclude {
			if c == e {
				skip = true
				break
			}
		}
		if !skip {
			recipients = append(recipients, c)
		}
	}
	if len(recipients) == 0 {
		return nil
	}

	results := s.sender.SendList(ctx, recipients, msg)
	for _, r := range result.Failures(results) {
		s.logger.WarnContext(ctx, "群組廣播送出失敗", "client_id", r.Value, "error", r.Err)
	}
	return results
}

// notify 通知群組其他成員 header:NOTIFY
func (s *Server) notify(ctx context.Context, header envelope.Header, groupID, clientID string) error {
	msg, err := s.notice(header, clientID, groupID)
	if err != nil {
		return err
	}
	_, err = s.BroadcastToGroup(ctx, groupID, msg, clientID)
	return err
}

func (s *Server) notice(header envelope.Header, clientID, groupID string) ([]byte, error) {
	content, err := json.Marshal(Notice{ClientID: clientID, GroupID: groupID})
	if err != nil {
		return nil, err
	}
	return envelope.Forward(header.Notify(), clientID, groupID, content)
}

func decodeRequest(msg router.Message) (*Request, error) {
	var req Request
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	if req.GroupID == "" {
		return nil, apperrors.ErrMissingGroupID
	}
	return &req, nil
}

func (s *Server) succeed(ctx context.Context, msg router.Message, groupID string) {
	out, err := envelope.Succeeded(msg.Header, groupID)
	if err != nil {
		s.logger.ErrorContext(ctx, "序列化回覆失敗", "error", err)
		return
	}
	s.send(ctx, msg.ClientID, out)
}

func (s *Server) fail(ctx context.Context, msg router.Message, err error, groupID string) {
	s.logger.InfoContext(ctx, "請求失敗", "header", msg.Header, "error", err)

	out, mErr := envelope.Failed(msg.Header, err, groupID)
	if mErr != nil {
		s.logger.ErrorContext(ctx, "序列化回覆失敗", "error", mErr)
		return
	}
	s.send(ctx, msg.ClientID, out)
}

func (s *Server) reply(ctx context.Context, clientID string, header envelope.Header, content any) {
	out, err := envelope.Internal(header, content)
	if err != nil {
		s.logger.ErrorContext(ctx, "序列化回覆失敗", "error", err)
		return
	}
	s.send(ctx, clientID, out)
}

func (s *Server) send(ctx context.Context, clientID string, msg []byte) {
	if _, err := s.sender.Send(ctx, clientID, msg); err != nil {
		s.logger.WarnContext(ctx, "回覆送出失敗", "client_id", clientID, "error", err)
	}
}
