// Package store 是所有實例共享的群組成員儲存
//
// 系統設計問題：
//
//	多個實例同時修改「群組 → 成員」與「客戶端 → 所屬群組」兩份互為鏡像的索引，
//	任何時刻都必須滿足：c ∈ members(g) ⇔ g ∈ groups(c)。
//
// 核心挑戰：
//  1. 兩份索引的寫入分成兩步，中間崩潰會留下不一致
//  2. 沒有跨實例鎖，加入與離開可能同時發生
//  3. 批次操作部分失敗時不能整批中止
//
// 設計方案：
//   - Redis 實作以 Lua 腳本（join、erase、confirm）與 MULTI（leave）一次完成兩邊寫入
//   - Reconcile 掃描兩份索引並修復，作為崩潰後的復原工具
//   - 批次操作回傳 []result.Result，每個 ID 各自成功或失敗
//   - MemoryStore 提供相同語意，給單機模式與測試使用
package store

import (
	"context"
	"time"

	"github.com/koopa0/system-design/14-realtime-groups/pkg/result"
)

// 共享儲存中的過期時間
const (
	ConfirmationTTL = 120 * time.Second
	StateTTL        = 6 * time.Hour
	CellTTL         = 15 * time.Minute
)

// GroupInfo 群組目錄資料
type GroupInfo struct {
	ID        string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	Members   []string  `json:"-"`
}

// RepairReport Reconcile 的結果
type RepairReport struct {
	GroupsScanned  int
	ClientsScanned int
	OrphanGroups   int // 成員清單存在但目錄沒有
	RestoredRefs   int // 補回的 客戶端 → 群組 參照
	DroppedRefs    int // 移除的懸空 客戶端 → 群組 參照
}

// Consistent 是否不需要任何修復
func (r *RepairReport) Consistent() bool {
	return r.OrphanGroups == 0 && r.RestoredRefs == 0 && r.DroppedRefs == 0
}

// Membership 群組與客戶端的雙向索引
type Membership interface {
	// CreateGroup 配置新的群組 ID 並登記到目錄
	CreateGroup(ctx context.Context) (string, error)
	// GetGroup 目錄沒有紀錄時回傳 NotFound，並清掉懸空資料
	GetGroup(ctx context.Context, groupID string) (*GroupInfo, error)
	// Join 已是成員時回傳 AlreadyMember
	Join(ctx context.Context, groupID, clientID string) error
	// Leave 不是成員時不做事
	Leave(ctx context.Context, groupID, clientID string) error
	// Erase 從每個成員的清單移除群組，再刪除群組與目錄
	Erase(ctx context.Context, groupID string) error
	Members(ctx context.Context, groupID string) ([]string, error)
	GroupsOf(ctx context.Context, clientID string) ([]string, error)
	IsMember(ctx context.Context, groupID, clientID string) (bool, error)
	JoinMulti(ctx context.Context, groupID string, clientIDs []string) []result.Result[string]
	LeaveMulti(ctx context.Context, groupID string, clientIDs []string) []result.Result[string]
	Reconcile(ctx context.Context) (*RepairReport, error)
}

// Confirmations 對局確認紀錄（mmc:<groupId>）
type Confirmations interface {
	// Confirm 記錄確認並重設過期時間，回傳目前確認人數；重複確認回傳 Duplicate
	Confirm(ctx context.Context, groupID, clientID string) (int, error)
	ConfirmationCount(ctx context.Context, groupID string) (int, error)
	DeleteConfirmations(ctx context.Context, groupID string) error
}

// MatchStates 對局中每位客戶端的最新狀態快照（sp:<groupId>）
type MatchStates interface {
	PutState(ctx context.Context, groupID, clientID string, snapshot []byte) error
	States(ctx context.Context, groupID string) (map[string][]byte, error)
	RemoveState(ctx context.Context, groupID, clientID string) error
	DeleteStates(ctx context.Context, groupID string) error
}

// Cells 空間格與群組的對應
type Cells interface {
	// CurrentCell 客戶端目前所在格，沒有時回傳空字串
	CurrentCell(ctx context.Context, clientID string) (string, error)
	SetCurrentCell(ctx context.Context, clientID, cellID string) error
	ClearCurrentCell(ctx context.Context, clientID string) error
	// CellGroup 格對應的群組，沒有時回傳空字串
	CellGroup(ctx context.Context, cellID string) (string, error)
	// ClaimCellGroup 只在格尚未有群組時寫入，回傳最終生效的群組 ID
	ClaimCellGroup(ctx context.Context, cellID, groupID string) (string, error)
	// ReleaseCellGroup 格仍對應 groupID 時移除對應，讓下一次 Claim 生效
	ReleaseCellGroup(ctx context.Context, cellID, groupID string) error
}

// Store 完整的共享儲存
type Store interface {
	Membership
	Confirmations
	MatchStates
	Cells
	Close() error
}
