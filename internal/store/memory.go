package store

import (
	"context"
	"slices"
	"sync"
	"time"

	apperrors "github.com/koopa0/system-design/14-realtime-groups/pkg/errors"
	"github.com/koopa0/system-design/14-realtime-groups/pkg/idgen"
	"github.com/koopa0/system-design/14-realtime-groups/pkg/result"
)

type memGroup struct {
	createdAt time.Time
	members   []string
}

type memExpiring struct {
	values  []string
	expires time.Time
}

// MemoryStore 單一行程內的共享儲存
//
// 語意與 RedisStore 相同，所有變更在同一把鎖內完成。
// 給單機部署與測試使用，不會在實例間共享。
type MemoryStore struct {
	mu         sync.RWMutex
	groups     map[string]*memGroup
	clients    map[string][]string
	confirms   map[string]*memExpiring
	states     map[string]map[string][]byte
	cells      map[string]*memExpiring
	cellGroups map[string]string
	now        func() time.Time
}

// NewMemoryStore 創建記憶體儲存
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groups:     make(map[string]*memGroup),
		clients:    make(map[string][]string),
		confirms:   make(map[string]*memExpiring),
		states:     make(map[string]map[string][]byte),
		cells:      make(map[string]*memExpiring),
		cellGroups: make(map[string]string),
		now:        time.Now,
	}
}

// SetClock 替換時間來源
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// CreateGroup 配置新群組
func (s *MemoryStore) CreateGroup(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	groupID := idgen.GroupID()
	s.groups[groupID] = &memGroup{createdAt: s.now()}
	return groupID, nil
}

// GetGroup 讀取群組
func (s *MemoryStore) GetGroup(ctx context.Context, groupID string) (*GroupInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupID]
	if !ok {
		return nil, apperrors.ErrGroupNotFound.WithDetails(groupID)
	}
	return &GroupInfo{
		ID:        groupID,
		CreatedAt: g.createdAt,
		Members:   slices.Clone(g.members),
	}, nil
}

// Join 加入群組
func (s *MemoryStore) Join(ctx context.Context, groupID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return apperrors.ErrGroupNotFound.WithDetails(groupID)
	}
	if slices.Contains(g.members, clientID) {
		return apperrors.ErrAlreadyMember.WithDetails(clientID)
	}

	g.members = append(g.members, clientID)
	if !slices.Contains(s.clients[clientID], groupID) {
		s.clients[clientID] = append(s.clients[clientID], groupID)
	}
	return nil
}

// Leave 離開群組
func (s *MemoryStore) Leave(ctx context.Context, groupID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.leaveLocked(groupID, clientID)
	return nil
}

func (s *MemoryStore) leaveLocked(groupID, clientID string) {
	if g, ok := s.groups[groupID]; ok {
		g.members = slices.DeleteFunc(g.members, func(c string) bool { return c == clientID })
	}
	groups := slices.DeleteFunc(s.clients[clientID], func(g string) bool { return g == groupID })
	if len(groups) == 0 {
		delete(s.clients, clientID)
		return
	}
	s.clients[clientID] = groups
}

// Erase 刪除群組
func (s *MemoryStore) Erase(ctx context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return nil
	}
	for _, clientID := range slices.Clone(g.members) {
		s.leaveLocked(groupID, clientID)
	}
	delete(s.groups, groupID)
	return nil
}

// Members 群組成員
func (s *MemoryStore) Members(ctx context.Context, groupID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if g, ok := s.groups[groupID]; ok {
		return slices.Clone(g.members), nil
	}
	return []string{}, nil
}

// GroupsOf 客戶端所屬群組
func (s *MemoryStore) GroupsOf(ctx context.Context, clientID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	groups := slices.Clone(s.clients[clientID])
	if groups == nil {
		groups = []string{}
	}
	return groups, nil
}

// IsMember 是否為群組成員
func (s *MemoryStore) IsMember(ctx context.Context, groupID, clientID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupID]
	return ok && slices.Contains(g.members, clientID), nil
}

// JoinMulti 批次加入
func (s *MemoryStore) JoinMulti(ctx context.Context, groupID string, clientIDs []string) []result.Result[string] {
	return result.Collect(clientIDs, func(clientID string) error {
		return s.Join(ctx, groupID, clientID)
	})
}

// LeaveMulti 批次離開
func (s *MemoryStore) LeaveMulti(ctx context.Context, groupID string, clientIDs []string) []result.Result[string] {
	return result.Collect(clientIDs, func(clientID string) error {
		return s.Leave(ctx, groupID, clientID)
	})
}

// Reconcile 以群組成員清單為準修復客戶端清單
func (s *MemoryStore) Reconcile(ctx context.Context) (*RepairReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &RepairReport{}
	for groupID, g := range s.groups {
		report.GroupsScanned++
		for _, clientID := range g.members {
			if !slices.Contains(s.clients[clientID], groupID) {
				s.clients[clientID] = append(s.clients[clientID], groupID)
				report.RestoredRefs++
			}
		}
	}

	for clientID, groups := range s.clients {
		report.ClientsScanned++
		kept := groups[:0]
		for _, groupID := range groups {
			g, ok := s.groups[groupID]
			if ok && slices.Contains(g.members, clientID) {
				kept = append(kept, groupID)
				continue
			}
			report.DroppedRefs++
		}
		if len(kept) == 0 {
			delete(s.clients, clientID)
			continue
		}
		s.clients[clientID] = kept
	}

	return report, nil
}

// Confirm 記錄對局確認
func (s *MemoryStore) Confirm(ctx context.Context, groupID, clientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.liveConfirmLocked(groupID)
	if rec == nil {
		rec = &memExpiring{}
		s.confirms[groupID] = rec
	}
	if slices.Contains(rec.values, clientID) {
		return 0, apperrors.ErrAlreadyConfirmed.WithDetails(clientID)
	}
	rec.values = append(rec.values, clientID)
	rec.expires = s.now().Add(ConfirmationTTL)
	return len(rec.values), nil
}

// ConfirmationCount 已確認人數
func (s *MemoryStore) ConfirmationCount(ctx context.Context, groupID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec := s.liveConfirmLocked(groupID); rec != nil {
		return len(rec.values), nil
	}
	return 0, nil
}

func (s *MemoryStore) liveConfirmLocked(groupID string) *memExpiring {
	rec, ok := s.confirms[groupID]
	if !ok {
		return nil
	}
	if !s.now().Before(rec.expires) {
		delete(s.confirms, groupID)
		return nil
	}
	return rec
}

// DeleteConfirmations 刪除確認紀錄
func (s *MemoryStore) DeleteConfirmations(ctx context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.confirms, groupID)
	return nil
}

// PutState 寫入狀態快照
func (s *MemoryStore) PutState(ctx context.Context, groupID, clientID string, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.states[groupID] == nil {
		s.states[groupID] = make(map[string][]byte)
	}
	s.states[groupID][clientID] = slices.Clone(snapshot)
	return nil
}

// States 對局所有狀態快照
func (s *MemoryStore) States(ctx context.Context, groupID string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]byte, len(s.states[groupID]))
	for clientID, snap := range s.states[groupID] {
		out[clientID] = slices.Clone(snap)
	}
	return out, nil
}

// RemoveState 移除單一客戶端的狀態
func (s *MemoryStore) RemoveState(ctx context.Context, groupID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states[groupID], clientID)
	return nil
}

// DeleteStates 刪除整個對局狀態
func (s *MemoryStore) DeleteStates(ctx context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, groupID)
	return nil
}

// CurrentCell 客戶端目前所在格
func (s *MemoryStore) CurrentCell(ctx context.Context, clientID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.cells[clientID]
	if !ok {
		return "", nil
	}
	if !s.now().Before(rec.expires) {
		delete(s.cells, clientID)
		return "", nil
	}
	return rec.values[0], nil
}

// SetCurrentCell 設定目前所在格
func (s *MemoryStore) SetCurrentCell(ctx context.Context, clientID, cellID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cells[clientID] = &memExpiring{values: []string{cellID}, expires: s.now().Add(CellTTL)}
	return nil
}

// ClearCurrentCell 清除所在格
func (s *MemoryStore) ClearCurrentCell(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cells, clientID)
	return nil
}

// CellGroup 格對應的群組
func (s *MemoryStore) CellGroup(ctx context.Context, cellID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cellGroups[cellID], nil
}

// ClaimCellGroup 先寫入者勝出
func (s *MemoryStore) ClaimCellGroup(ctx context.Context, cellID, groupID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.cellGroups[cellID]; ok {
		return existing, nil
	}
	s.cellGroups[cellID] = groupID
	return groupID, nil
}

// ReleaseCellGroup 比對後刪除
func (s *MemoryStore) ReleaseCellGroup(ctx context.Context, cellID, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cellGroups[cellID] == groupID {
		delete(s.cellGroups, cellID)
	}
	return nil
}

// Close 無資源需要釋放
func (s *MemoryStore) Close() error {
	return nil
}
