package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/koopa0/system-design/14-realtime-groups/pkg/errors"
	"github.com/koopa0/system-design/14-realtime-groups/pkg/idgen"
	"github.com/koopa0/system-design/14-realtime-groups/pkg/result"
)

// Redis 鍵配置
const (
	KeyDirectory     = "BALANCE:GROUP:HANDLER"
	KeyGroupPrefix   = "gs:members:"
	KeyClientPrefix  = "gs:memberships:"
	KeyConfirmPrefix = "mmc:"
	KeyStatePrefix   = "sp:"
	KeyCellPrefix    = "vgs:client:current:cell:"
	KeyCellGroups    = "vgs:cells"
)

// RedisStore 以 Redis 實作的共享儲存
type RedisStore struct {
	client redis.UniversalClient
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisStore 創建 Redis 儲存
func NewRedisStore(client redis.UniversalClient, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger.With("component", "store"),
		now:    time.Now,
	}
}

func groupKey(groupID string) string   { return KeyGroupPrefix + groupID }
func clientKey(clientID string) string { return KeyClientPrefix + clientID }

// CreateGroup 配置新群組
func (s *RedisStore) CreateGroup(ctx context.Context) (string, error) {
	groupID := idgen.GroupID()
	info, err := json.Marshal(GroupInfo{CreatedAt: s.now()})
	if err != nil {
		return "", fmt.Errorf("序列化群組資訊失敗: %w", err)
	}
	if err := s.client.HSet(ctx, KeyDirectory, groupID, info).Err(); err != nil {
		return "", unavailable(err)
	}
	return groupID, nil
}

// GetGroup 讀取群組
func (s *RedisStore) GetGroup(ctx context.Context, groupID string) (*GroupInfo, error) {
	raw, err := s.client.HGet(ctx, KeyDirectory, groupID).Result()
	if errors.Is(err, redis.Nil) {
		s.cleanup(ctx, groupID, "directory entry missing")
		return nil, apperrors.ErrGroupNotFound.WithDetails(groupID)
	}
	if err != nil {
		return nil, unavailable(err)
	}

	var info GroupInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		s.cleanup(ctx, groupID, "directory entry corrupted")
		return nil, apperrors.ErrGroupNotFound.WithDetails(groupID)
	}

	members, err := s.client.LRange(ctx, groupKey(groupID), 0, -1).Result()
	if err != nil {
		if isWrongType(err) {
			s.cleanup(ctx, groupID, "member list corrupted")
			return nil, apperrors.ErrGroupNotFound.WithDetails(groupID)
		}
		return nil, unavailable(err)
	}

	info.ID = groupID
	info.Members = members
	return &info, nil
}

// cleanup 清掉懸空或損壞的群組資料
func (s *RedisStore) cleanup(ctx context.Context, groupID, reason string) {
	key := groupKey(groupID)
	if err := eraseScript.Run(ctx, s.client, []string{KeyDirectory, key}, groupID, KeyClientPrefix).Err(); err != nil {
		// 成員清單型別錯誤時腳本無法 LRANGE，直接刪除
		if delErr := s.client.Del(ctx, key).Err(); delErr != nil {
			s.logger.WarnContext(ctx, "清理懸空群組失敗", "group_id", groupID, "error", delErr)
			return
		}
		s.client.HDel(ctx, KeyDirectory, groupID)
	}
	s.logger.DebugContext(ctx, "已清理懸空群組", "group_id", groupID, "reason", reason)
}

// Join 加入群組
func (s *RedisStore) Join(ctx context.Context, groupID, clientID string) error {
	code, err := joinScript.Run(ctx, s.client,
		[]string{KeyDirectory, groupKey(groupID), clientKey(clientID)},
		groupID, clientID,
	).Int()
	if err != nil {
		return unavailable(err)
	}

	switch code {
	case -1:
		return apperrors.ErrGroupNotFound.WithDetails(groupID)
	case 0:
		return apperrors.ErrAlreadyMember.WithDetails(clientID)
	default:
		return nil
	}
}

// Leave 離開群組
func (s *RedisStore) Leave(ctx context.Context, groupID, clientID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, groupKey(groupID), 0, clientID)
		pipe.LRem(ctx, clientKey(clientID), 0, groupID)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// Erase 刪除群組
func (s *RedisStore) Erase(ctx context.Context, groupID string) error {
	n, err := eraseScript.Run(ctx, s.client, []string{KeyDirectory, groupKey(groupID)}, groupID, KeyClientPrefix).Int()
	if err != nil {
		return unavailable(err)
	}
	s.logger.DebugContext(ctx, "群組已刪除", "group_id", groupID, "members", n)
	return nil
}

// Members 群組成員（依加入順序）
func (s *RedisStore) Members(ctx context.Context, groupID string) ([]string, error) {
	members, err := s.client.LRange(ctx, groupKey(groupID), 0, -1).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return members, nil
}

// GroupsOf 客戶端所屬群組
func (s *RedisStore) GroupsOf(ctx context.Context, clientID string) ([]string, error) {
	groups, err := s.client.LRange(ctx, clientKey(clientID), 0, -1).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return groups, nil
}

// IsMember 是否為群組成員
func (s *RedisStore) IsMember(ctx context.Context, groupID, clientID string) (bool, error) {
	_, err := s.client.LPos(ctx, groupKey(groupID), clientID, redis.LPosArgs{}).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, unavailable(err)
	}
	return true, nil
}

// JoinMulti 批次加入
func (s *RedisStore) JoinMulti(ctx context.Context, groupID string, clientIDs []string) []result.Result[string] {
	return result.Collect(clientIDs, func(clientID string) error {
		return s.Join(ctx, groupID, clientID)
	})
}

// LeaveMulti 批次離開
func (s *RedisStore) LeaveMulti(ctx context.Context, groupID string, clientIDs []string) []result.Result[string] {
	return result.Collect(clientIDs, func(clientID string) error {
		return s.Leave(ctx, groupID, clientID)
	})
}

// Reconcile 掃描兩份索引並修復
//
// 以群組成員清單為準：
//  1. 目錄沒有紀錄的成員清單 → 整個刪除
//  2. 成員清單有、客戶端清單沒有 → 補回客戶端清單
//  3. 客戶端清單指向不存在或不含該客戶端的群組 → 移除
func (s *RedisStore) Reconcile(ctx context.Context) (*RepairReport, error) {
	report := &RepairReport{}

	directory, err := s.client.HKeys(ctx, KeyDirectory).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	known := make(map[string]bool, len(directory))
	for _, id := range directory {
		known[id] = true
	}

	iter := s.client.Scan(ctx, 0, KeyGroupPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		groupID := strings.TrimPrefix(iter.Val(), KeyGroupPrefix)
		report.GroupsScanned++

		if !known[groupID] {
			if err := s.Erase(ctx, groupID); err != nil {
				return report, err
			}
			report.OrphanGroups++
			continue
		}

		members, err := s.Members(ctx, groupID)
		if err != nil {
			return report, err
		}
		for _, clientID := range members {
			_, err := s.client.LPos(ctx, clientKey(clientID), groupID, redis.LPosArgs{}).Result()
			if errors.Is(err, redis.Nil) {
				if err := s.client.RPush(ctx, clientKey(clientID), groupID).Err(); err != nil {
					return report, unavailable(err)
				}
				report.RestoredRefs++
				continue
			}
			if err != nil {
				return report, unavailable(err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return report, unavailable(err)
	}

	iter = s.client.Scan(ctx, 0, KeyClientPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		clientID := strings.TrimPrefix(iter.Val(), KeyClientPrefix)
		report.ClientsScanned++

		groups, err := s.GroupsOf(ctx, clientID)
		if err != nil {
			return report, err
		}
		for _, groupID := range groups {
			listed := false
			if known[groupID] {
				if listed, err = s.IsMember(ctx, groupID, clientID); err != nil {
					return report, err
				}
			}
			if listed {
				continue
			}
			if err := s.client.LRem(ctx, clientKey(clientID), 0, groupID).Err(); err != nil {
				return report, unavailable(err)
			}
			report.DroppedRefs++
		}
	}
	if err := iter.Err(); err != nil {
		return report, unavailable(err)
	}

	s.logger.InfoContext(ctx, "索引修復完成",
		"groups", report.GroupsScanned,
		"clients", report.ClientsScanned,
		"orphan_groups", report.OrphanGroups,
		"restored", report.RestoredRefs,
		"dropped", report.DroppedRefs)

	return report, nil
}

// Confirm 記錄對局確認
func (s *RedisStore) Confirm(ctx context.Context, groupID, clientID string) (int, error) {
	n, err := confirmScript.Run(ctx, s.client,
		[]string{KeyConfirmPrefix + groupID},
		clientID, int(ConfirmationTTL.Seconds()),
	).Int()
	if err != nil {
		return 0, unavailable(err)
	}
	if n < 0 {
		return 0, apperrors.ErrAlreadyConfirmed.WithDetails(clientID)
	}
	return n, nil
}

// ConfirmationCount 已確認人數
func (s *RedisStore) ConfirmationCount(ctx context.Context, groupID string) (int, error) {
	n, err := s.client.LLen(ctx, KeyConfirmPrefix+groupID).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	return int(n), nil
}

// DeleteConfirmations 刪除確認紀錄
func (s *RedisStore) DeleteConfirmations(ctx context.Context, groupID string) error {
	if err := s.client.Del(ctx, KeyConfirmPrefix+groupID).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// PutState 寫入狀態快照並延長過期時間
func (s *RedisStore) PutState(ctx context.Context, groupID, clientID string, snapshot []byte) error {
	key := KeyStatePrefix + groupID
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, clientID, snapshot)
		pipe.Expire(ctx, key, StateTTL)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// States 對局所有狀態快照
func (s *RedisStore) States(ctx context.Context, groupID string) (map[string][]byte, error) {
	raw, err := s.client.HGetAll(ctx, KeyStatePrefix+groupID).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	states := make(map[string][]byte, len(raw))
	for clientID, v := range raw {
		states[clientID] = []byte(v)
	}
	return states, nil
}

// RemoveState 移除單一客戶端的狀態
func (s *RedisStore) RemoveState(ctx context.Context, groupID, clientID string) error {
	if err := s.client.HDel(ctx, KeyStatePrefix+groupID, clientID).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// DeleteStates 刪除整個對局狀態
func (s *RedisStore) DeleteStates(ctx context.Context, groupID string) error {
	if err := s.client.Del(ctx, KeyStatePrefix+groupID).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// CurrentCell 客戶端目前所在格
func (s *RedisStore) CurrentCell(ctx context.Context, clientID string) (string, error) {
	cell, err := s.client.Get(ctx, KeyCellPrefix+clientID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", unavailable(err)
	}
	return cell, nil
}

// SetCurrentCell 設定目前所在格
func (s *RedisStore) SetCurrentCell(ctx context.Context, clientID, cellID string) error {
	if err := s.client.Set(ctx, KeyCellPrefix+clientID, cellID, CellTTL).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// ClearCurrentCell 清除所在格
func (s *RedisStore) ClearCurrentCell(ctx context.Context, clientID string) error {
	if err := s.client.Del(ctx, KeyCellPrefix+clientID).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// CellGroup 格對應的群組
func (s *RedisStore) CellGroup(ctx context.Context, cellID string) (string, error) {
	groupID, err := s.client.HGet(ctx, KeyCellGroups, cellID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", unavailable(err)
	}
	return groupID, nil
}

// ClaimCellGroup 先寫入者勝出
func (s *RedisStore) ClaimCellGroup(ctx context.Context, cellID, groupID string) (string, error) {
	set, err := s.client.HSetNX(ctx, KeyCellGroups, cellID, groupID).Result()
	if err != nil {
		return "", unavailable(err)
	}
	if set {
		return groupID, nil
	}
	return s.CellGroup(ctx, cellID)
}

// ReleaseCellGroup 比對後刪除，其他實例已重新認領時不動
func (s *RedisStore) ReleaseCellGroup(ctx context.Context, cellID, groupID string) error {
	if err := releaseCellScript.Run(ctx, s.client, []string{KeyCellGroups}, cellID, groupID).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Close 關閉連線
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func unavailable(err error) error {
	return apperrors.Wrap(err, apperrors.ErrStoreUnavailable.Code, apperrors.ErrStoreUnavailable.Message)
}

func isWrongType(err error) bool {
	return strings.HasPrefix(err.Error(), "WRONGTYPE")
}
