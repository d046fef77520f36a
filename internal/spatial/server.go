package spatial

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/koopa0/system-design/14-realtime-groups/internal/envelope"
	"github.com/koopa0/system-design/14-realtime-groups/internal/events"
	"github.com/koopa0/system-design/14-realtime-groups/internal/geom"
	"github.com/koopa0/system-design/14-realtime-groups/internal/relay"
	"github.com/koopa0/system-design/14-realtime-groups/internal/router"
	"github.com/koopa0/system-design/14-realtime-groups/internal/store"
	apperrors "github.com/koopa0/system-design/14-realtime-groups/pkg/errors"
	"github.com/koopa0/system-design/14-realtime-groups/pkg/logger"
	"github.com/koopa0/system-design/14-realtime-groups/pkg/result"
)

// ErrNoCurrentCell 尚未回報位置就廣播
var ErrNoCurrentCell = apperrors.New(apperrors.ErrCodeNotFound, "client is in no current cell, cannot broadcast")

// Store 空間格需要的共享儲存
type Store interface {
	CreateGroup(ctx context.Context) (string, error)
	Erase(ctx context.Context, groupID string) error
	IsMember(ctx context.Context, groupID, clientID string) (bool, error)
	store.Cells
}

// Groups 群組協議提供的操作
type Groups interface {
	JoinGroup(ctx context.Context, groupID, clientID string) error
	LeaveGroup(ctx context.Context, groupID, clientID, reason string) error
	BroadcastToGroup(ctx context.Context, groupID string, msg []byte, exclude ...string) ([]result.Result[string], error)
}

// Sender 回覆請求者
type Sender interface {
	Send(ctx context.Context, clientID string, msg []byte) (relay.Mode, error)
}

type handlerFunc func(ctx context.Context, msg router.Message)

// Server 空間格協議
type Server struct {
	store  Store
	groups Groups
	sender Sender
	grid   Grid
	logger *slog.Logger

	mu    sync.RWMutex
	cells map[string]string // cellID → groupID

	handlers map[envelope.Header]handlerFunc
}

// NewServer 創建空間格協議
func NewServer(st Store, groups Groups, sender Sender, grid Grid, logger *slog.Logger) (*Server, error) {
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		store:  st,
		groups: groups,
		sender: sender,
		grid:   grid,
		logger: logger.With("component", "spatial"),
		cells:  make(map[string]string),
	}
	s.handlers = map[envelope.Header]handlerFunc{
		envelope.VectorPosition:  s.handlePosition,
		envelope.VectorBroadcast: s.handleBroadcast,
	}
	return s, nil
}

// Open 預先建立格群組
//
// 格與群組的對應存在共享儲存，先寫入的實例勝出，其他實例刪掉自己多建的群組。
func (s *Server) Open(ctx context.Context) error {
	for _, c := range s.grid.Preheated() {
		if _, err := s.groupFor(ctx, c.ID()); err != nil {
			return err
		}
	}
	s.logger.InfoContext(ctx, "格群組預熱完成", "cells", s.CellCount(), "grid_size", s.grid.Size)
	return nil
}

// CellCount 本實例已知的格數
func (s *Server) CellCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cells)
}

// GroupOf 格對應的群組（只查本地快取）
func (s *Server) GroupOf(cellID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.cells[cellID]
	return g, ok
}

func (s *Server) groupFor(ctx context.Context, cellID string) (string, error) {
	if g, ok := s.GroupOf(cellID); ok {
		return g, nil
	}

	groupID, err := s.store.CellGroup(ctx, cellID)
	if err != nil {
		return "", err
	}
	if groupID == "" {
		created, err := s.store.CreateGroup(ctx)
		if err != nil {
			return "", err
		}
		groupID, err = s.store.ClaimCellGroup(ctx, cellID, created)
		if err != nil {
			return "", err
		}
		if groupID != created {
			if err := s.store.Erase(ctx, created); err != nil {
				s.logger.WarnContext(ctx, "刪除多餘的格群組失敗", "group_id", created, "error", err)
			}
		}
	}

	s.mu.Lock()
	s.cells[cellID] = groupID
	s.mu.Unlock()
	return groupID, nil
}

// forget 格群組已被刪除時移除本地快取與共享對應
func (s *Server) forget(ctx context.Context, cellID, groupID string) {
	s.mu.Lock()
	if s.cells[cellID] == groupID {
		delete(s.cells, cellID)
	}
	s.mu.Unlock()

	if err := s.store.ReleaseCellGroup(ctx, cellID, groupID); err != nil {
		s.logger.WarnContext(ctx, "釋放格對應失敗", "cell", cellID, "group_id", groupID, "error", err)
	}
}

// joinCell 加入格群組，群組已不存在時重新認領一次
func (s *Server) joinCell(ctx context.Context, cellID, clientID string) (string, error) {
	groupID, err := s.groupFor(ctx, cellID)
	if err != nil {
		return "", err
	}
	err = s.groups.JoinGroup(ctx, groupID, clientID)
	if apperrors.IsNotFound(err) {
		s.logger.InfoContext(ctx, "格群組已被刪除，重新建立", "cell", cellID, "group_id", groupID)
		s.forget(ctx, cellID, groupID)
		if groupID, err = s.groupFor(ctx, cellID); err != nil {
			return "", err
		}
		err = s.groups.JoinGroup(ctx, groupID, clientID)
	}
	if err != nil && !apperrors.IsAlreadyMember(err) {
		return "", err
	}
	return groupID, nil
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
		s.logger.DebugContext(ctx, "VGS 層忽略標頭", "header", msg.Header)
		return
	}
	h(ctx, msg)
}

// HandleClose 連線關閉時清除所在格，群組成員資格由群組協議處理
func (s *Server) HandleClose(ctx context.Context, clientID string) {
	if err := s.store.ClearCurrentCell(ctx, clientID); err != nil {
		s.logger.WarnContext(ctx, "清除所在格失敗", "client_id", clientID, "error", err)
	}
}

func (s *Server) handlePosition(ctx context.Context, msg router.Message) {
	var req struct {
		Position *geom.Vector `json:"position"`
	}
	if err := msg.Envelope.Decode(&req); err != nil {
		s.fail(ctx, msg, err)
		return
	}
	if req.Position == nil {
		s.fail(ctx, msg, apperrors.New(apperrors.ErrCodeValidation, "missing position"))
		return
	}

	if err := s.MoveTo(ctx, msg.ClientID, *req.Position, msg.Envelope.Content); err != nil {
		s.fail(ctx, msg, err)
	}
}

// MoveTo 更新客戶端位置，換格時先加入新格再離開舊格，最後廣播位置
func (s *Server) MoveTo(ctx context.Context, clientID string, pos geom.Vector, content json.RawMessage) error {
	cellID := s.grid.CellOf(pos).ID()
	groupID, err := s.groupFor(ctx, cellID)
	if err != nil {
		return err
	}

	current, err := s.store.CurrentCell(ctx, clientID)
	if err != nil {
		return err
	}
	if current == cellID {
		// 仍在同一格，但群組可能已被刪除
		member, err := s.store.IsMember(ctx, groupID, clientID)
		if err != nil {
			return err
		}
		if !member {
			current = ""
		}
	}
	if current != cellID {
		if groupID, err = s.joinCell(ctx, cellID, clientID); err != nil {
			return err
		}
		if current != "" {
			if old, err := s.groupFor(ctx, current); err == nil && old != groupID {
				if err := s.groups.LeaveGroup(ctx, old, clientID, events.ReasonRequest); err != nil {
					s.logger.WarnContext(ctx, "離開舊格群組失敗", "cell", current, "error", err)
				}
			}
		}
		s.logger.DebugContext(ctx, "換格", "client_id", clientID, "from", current, "to", cellID)
	}
	ctx = logger.WithGroupID(ctx, groupID)
	if err := s.store.SetCurrentCell(ctx, clientID, cellID); err != nil {
		return err
	}

	return s.forward(ctx, envelope.VectorPosition, clientID, groupID, content)
}

func (s *Server) handleBroadcast(ctx context.Context, msg router.Message) {
	if !msg.Envelope.HasContent() {
		s.fail(ctx, msg, apperrors.ErrMalformedContent)
		return
	}

	current, err := s.store.CurrentCell(ctx, msg.ClientID)
	if err != nil {
		s.fail(ctx, msg, err)
		return
	}
	if current == "" {
		s.fail(ctx, msg, ErrNoCurrentCell)
		return
	}
	groupID, err := s.groupFor(ctx, current)
	if err != nil {
		s.fail(ctx, msg, err)
		return
	}

	if err := s.forward(logger.WithGroupID(ctx, groupID), envelope.VectorBroadcast, msg.ClientID, groupID, msg.Envelope.Content); err != nil {
		s.fail(ctx, msg, err)
	}
}

func (s *Server) forward(ctx context.Context, header envelope.Header, from, groupID string, content json.RawMessage) error {
	out, err := envelope.Forward(header, from, groupID, content)
	if err != nil {
		return err
	}
	results, err := s.groups.BroadcastToGroup(ctx, groupID, out, from)
	if err != nil {
		return err
	}
	for _, r := range result.Failures(results) {
		s.logger.DebugContext(ctx, "格廣播送出失敗", "to", r.Value, "error", r.Err)
	}
	return nil
}

func (s *Server) fail(ctx context.Context, msg router.Message, err error) {
	s.logger.InfoContext(ctx, "請求失敗", "header", msg.Header, "error", err)

	out, mErr := envelope.Failed(msg.Header, err, "")
	if mErr != nil {
		return
	}
	if _, err := s.sender.Send(ctx, msg.ClientID, out); err != nil {
		s.logger.WarnContext(ctx, "回覆送出失敗", "client_id", msg.ClientID, "error", err)
	}
}
