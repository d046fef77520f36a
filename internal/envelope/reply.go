package envelope

import apperrors "github.com/koopa0/system-design/14-realtime-groups/pkg/errors"

// Success 成功回覆內容
type Success struct {
	Successful bool   `json:"successful"`
	GroupID    string `json:"groupId,omitempty"`
}

// Failure 失敗回覆內容
type Failure struct {
	Failed  bool   `json:"failed"`
	Error   string `json:"error"`
	GroupID string `json:"groupId,omitempty"`
}

// Succeeded 成功回覆
func Succeeded(header Header, groupID string) ([]byte, error) {
	return Internal(header, Success{Successful: true, GroupID: groupID})
}

// Failed 失敗回覆，錯誤訊息取自 AppError
func Failed(header Header, err error, groupID string) ([]byte, error) {
	return Internal(header, Failure{Failed: true, Error: apperrors.Reason(err), GroupID: groupID})
}

// MatchNotice 配對流程通知（MATCH-FOUND、MATCH-START ...）
type MatchNotice struct {
	MM      string `json:"mm"`
	MatchID string `json:"matchId"`
}

// 配對通知種類
const (
	MatchFound     = "MATCH-FOUND"
	MatchConfirmed = "MATCH-CONFIRMED"
	MatchDisband   = "MATCH-DISBAND-TIMEOUT"
	MatchStart     = "MATCH-START"
	MatchEnd       = "MATCH-END"
	MatchExit      = "MATCH-EXIT"
)
