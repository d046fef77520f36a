package statesync

import (
	"encoding/json"
	"fmt"

	"github.com/koopa0/system-design/14-realtime-groups/internal/geom"
	apperrors "github.com/koopa0/system-design/14-realtime-groups/pkg/errors"
	"github.com/koopa0/system-design/14-realtime-groups/pkg/codec"
)

// State 客戶端送出的狀態
type State struct {
	Position   geom.Vector `json:"position"`
	Rotation   geom.Vector `json:"rotation"`
	Animations []string    `json:"animations"`
}

// Entry 推送給成員的單一狀態
type Entry struct {
	ClientID string `json:"clientId"`
	State
}

// Update 每次推送的內容
type Update struct {
	Created int64   `json:"created"`
	States  []Entry `json:"states"`
}

// ParseState 驗證並解析狀態，三個欄位都必須存在
func ParseState(data []byte) (State, error) {
	var raw struct {
		Position   *geom.Vector `json:"position"`
		Rotation   *geom.Vector `json:"rotation"`
		Animations *[]string    `json:"animations"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return State{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid state")
	}
	if raw.Position == nil || raw.Rotation == nil || raw.Animations == nil {
		return State{}, apperrors.New(apperrors.ErrCodeValidation, "invalid state").
			WithDetails("position, rotation and animations are required")
	}
	return State{Position: *raw.Position, Rotation: *raw.Rotation, Animations: *raw.Animations}, nil
}

// encodeSnapshot 以 CBOR 存入共享儲存
func encodeSnapshot(s State) ([]byte, error) {
	data, err := codec.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("編碼狀態快照失敗: %w", err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (State, error) {
	var s State
	if err := codec.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("解碼狀態快照失敗: %w", err)
	}
	return s, nil
}
