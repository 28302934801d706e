// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, content, message, system
	Action   string // ユーザー向け対処方法
	Err      error  // 原因となった内部エラー（レスポンスには含めない）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeUserNotFound    = "USER_NOT_FOUND"
	ErrCodeItemNotFound    = "ITEM_NOT_FOUND"
	ErrCodeMessageNotFound = "MESSAGE_NOT_FOUND"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeUnavailable     = "UNAVAILABLE"
	ErrCodeInvalidArgument = "INVALID_ARGUMENT"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeRateLimited     = "RATE_LIMITED"
)

// ErrorKind はエラー分類（taxonomy）を表す。
type ErrorKind string

const (
	KindNotFound        ErrorKind = "not_found"
	KindForbidden       ErrorKind = "forbidden"
	KindUnavailable     ErrorKind = "unavailable"
	KindInvalidArgument ErrorKind = "invalid_argument"
	KindUnauthorized    ErrorKind = "unauthorized"
	KindRateLimited     ErrorKind = "rate_limited"
	KindInternal        ErrorKind = "internal"
)

// KindOf はエラーの分類を返す。APIError以外はKindInternalとして扱う。
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return KindInternal
	}
	switch apiErr.Code {
	case ErrCodeUserNotFound, ErrCodeItemNotFound, ErrCodeMessageNotFound:
		return KindNotFound
	case ErrCodeForbidden:
		return KindForbidden
	case ErrCodeUnavailable:
		return KindUnavailable
	case ErrCodeInvalidArgument:
		return KindInvalidArgument
	case ErrCodeUnauthorized:
		return KindUnauthorized
	case ErrCodeRateLimited:
		return KindRateLimited
	default:
		return KindInternal
	}
}

// IsRetryable は呼び出し側が再試行すべきエラーかどうかを返す。
// ストレージの一時障害とレート制限のみが再試行対象。
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindRateLimited:
		return true
	default:
		return false
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  fmt.Sprintf("指定されたユーザーが見つかりません: %s", userID),
		Category: "auth",
		Action:   "ユーザー登録（PUT /api/users/me）を行ってから再度お試しください。",
	}
}

// NewItemNotFoundError はコンテンツ未検出エラーを生成する。
// 有効期限切れで不可視になったコンテンツもこのエラーになる。
func NewItemNotFoundError(itemID string) *APIError {
	return &APIError{
		Code:     ErrCodeItemNotFound,
		Message:  fmt.Sprintf("指定されたコンテンツが見つかりません: %s", itemID),
		Category: "content",
		Action:   "コンテンツIDを確認してください。期限切れのコンテンツは表示できません。",
	}
}

// NewMessageNotFoundError はメッセージ未検出エラーを生成する。
func NewMessageNotFoundError(messageID string) *APIError {
	return &APIError{
		Code:     ErrCodeMessageNotFound,
		Message:  fmt.Sprintf("指定されたメッセージが見つかりません: %s", messageID),
		Category: "message",
		Action:   "メッセージIDを確認してください。閲覧済みのメッセージは一定時間後に消去されます。",
	}
}

// NewForbiddenError は操作権限がない場合のエラーを生成する。
func NewForbiddenError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  fmt.Sprintf("この操作は許可されていません: %s", reason),
		Category: "auth",
		Action:   "操作対象が自分宛てのものか確認してください。",
	}
}

// NewUnavailableError はストレージの一時障害エラーを生成する。
// 呼び出し側はバックオフ付きで再試行する。
func NewUnavailableError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeUnavailable,
		Message:  "ストレージが一時的に利用できません。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		Err:      cause,
	}
}

// NewInvalidArgumentError は不正な入力値のエラーを生成する。
func NewInvalidArgumentError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidArgument,
		Message:  fmt.Sprintf("入力値が不正です: %s", reason),
		Category: "validation",
		Action:   "入力値を確認してください。",
	}
}

// NewUnauthorizedError は呼び出し元ユーザーを特定できない場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}
