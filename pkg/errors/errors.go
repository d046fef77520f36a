// Package errors 提供群組伺服器的應用程式錯誤分類
//
// 協議層根據錯誤碼決定回覆內容：
//   - VALIDATION_ERROR / NOT_FOUND / ALREADY_MEMBER → 回覆 {failed:true, error}
//   - NOT_MEMBER → GS:BROADCAST 回覆失敗，其他情況只記錄日誌
//   - TRANSPORT_ERROR → 只記錄日誌，不往業務邏輯拋
//   - TIMEOUT → 驅動 DISBAND 狀態轉移
//   - SERVICE_UNAVAILABLE → HTTP 503
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeValidation 缺少或格式錯誤的必要欄位
	ErrCodeValidation = "VALIDATION_ERROR"
	// ErrCodeNotFound 群組、客戶端或對局不存在
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeAlreadyMember 客戶端已在群組中
	ErrCodeAlreadyMember = "ALREADY_MEMBER"
	// ErrCodeNotMember 客戶端不是群組成員
	ErrCodeNotMember = "NOT_MEMBER"
	// ErrCodeDuplicate 重複確認
	ErrCodeDuplicate = "DUPLICATE"
	// ErrCodeTransport 送出失敗
	ErrCodeTransport = "TRANSPORT_ERROR"
	// ErrCodeTimeout 確認視窗逾時
	ErrCodeTimeout = "TIMEOUT"
	// ErrCodeConflict 生命週期衝突（例如排程已在執行）
	ErrCodeConflict = "CONFLICT"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
	// ErrCodeUnavailable 共享儲存不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 以錯誤碼比對
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 回傳帶有詳細資訊的副本
//
// 預定義錯誤是共享的值，不能原地修改。
func (e *AppError) WithDetails(details string) *AppError {
	c := *e
	c.Details = details
	return &c
}

// 預定義錯誤
var (
	// ErrGroupNotFound 群組不存在
	ErrGroupNotFound = New(ErrCodeNotFound, "group does not exist")

	// ErrAlreadyMember 客戶端已在群組中
	ErrAlreadyMember = New(ErrCodeAlreadyMember, "client is already a member of this group")

	// ErrNotMember 客戶端不是群組成員
	ErrNotMember = New(ErrCodeNotMember, "client is not a member of this group")

	// ErrMissingGroupID 缺少 groupId
	ErrMissingGroupID = New(ErrCodeValidation, "missing groupId")

	// ErrMissingMatchID 缺少 matchId
	ErrMissingMatchID = New(ErrCodeValidation, "missing matchId")

	// ErrMalformedContent 內容格式錯誤
	ErrMalformedContent = New(ErrCodeValidation, "malformed content")

	// ErrAlreadyConfirmed 重複確認
	ErrAlreadyConfirmed = New(ErrCodeDuplicate, "client already confirmed this match")

	// ErrAlreadyQueued 已在佇列中
	ErrAlreadyQueued = New(ErrCodeAlreadyMember, "client is already searching")

	// ErrBusyInOtherGroup 已在其他群組，不能進入佇列
	ErrBusyInOtherGroup = New(ErrCodeConflict, "client is already part of another group")

	// ErrIntervalRunning 排程已啟動
	ErrIntervalRunning = New(ErrCodeConflict, "matchmaking interval is already running")

	// ErrIntervalActive 排程執行中，不能手動觸發
	ErrIntervalActive = New(ErrCodeConflict, "matchmaking interval is active, manual execution rejected")

	// ErrNotOpened 尚未建立佇列群組
	ErrNotOpened = New(ErrCodeInternal, "matchmaker queue has not been opened")

	// ErrMatchNotActive 對局沒有進行中的同步器
	ErrMatchNotActive = New(ErrCodeNotFound, "match is not active")

	// ErrConfirmationTimeout 確認逾時
	ErrConfirmationTimeout = New(ErrCodeTimeout, "match confirmation timed out")

	// ErrStoreUnavailable 共享儲存不可用
	ErrStoreUnavailable = New(ErrCodeUnavailable, "shared store unavailable")
)

// Reason 回傳可以放進 {failed:true, error} 回覆的訊息
func Reason(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		if appErr.Details != "" {
			return appErr.Message + ": " + appErr.Details
		}
		return appErr.Message
	}
	return "internal error"
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsValidation 檢查是否為驗證錯誤
func IsValidation(err error) bool { return hasCode(err, ErrCodeValidation) }

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsAlreadyMember 檢查是否為重複加入錯誤
func IsAlreadyMember(err error) bool { return hasCode(err, ErrCodeAlreadyMember) }

// IsNotMember 檢查是否為非成員錯誤
func IsNotMember(err error) bool { return hasCode(err, ErrCodeNotMember) }

// IsDuplicate 檢查是否為重複確認錯誤
func IsDuplicate(err error) bool { return hasCode(err, ErrCodeDuplicate) }

// IsTransport 檢查是否為傳輸錯誤
func IsTransport(err error) bool { return hasCode(err, ErrCodeTransport) }

// IsUnavailable 檢查共享儲存是否不可用
func IsUnavailable(err error) bool { return hasCode(err, ErrCodeUnavailable) }

// IsConflict 檢查是否為生命週期衝突
func IsConflict(err error) bool { return hasCode(err, ErrCodeConflict) }
