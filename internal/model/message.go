package model

import "time"

// MessageOwner はメッセージ送信者の種別を表すタグ付きバリアント。
// システム（アシスタント）送信のメッセージは期限切れにならない。
type MessageOwner string

const (
	// OwnerHuman は人間ユーザーが送信したメッセージ。閲覧後に消滅する。
	OwnerHuman MessageOwner = "human"
	// OwnerSystem はシステムが送信したメッセージ。会話履歴として永続する。
	OwnerSystem MessageOwner = "system"
)

// Valid はOwnerが定義済みの値かどうかを返す。
func (o MessageOwner) Valid() bool {
	return o == OwnerHuman || o == OwnerSystem
}

// ExpiresAt は閲覧時刻viewedAtに対する有効期限を返す。
// OwnerSystemの場合は常にfalseを返し、期限を持たない。
func (o MessageOwner) ExpiresAt(viewedAt time.Time, grace time.Duration) (time.Time, bool) {
	if o != OwnerHuman {
		return time.Time{}, false
	}
	return viewedAt.Add(grace), true
}

// MessageStatus はメッセージのライフサイクル状態を表す。
type MessageStatus string

const (
	// MessageSent は送信済み・未閲覧（初期状態）。
	MessageSent MessageStatus = "sent"
	// MessageViewed は受信者が閲覧済み。
	MessageViewed MessageStatus = "viewed"
	// MessageExpired は有効期限切れ（終端状態、人間のメッセージのみ）。
	MessageExpired MessageStatus = "expired"
)

// MessageState はメッセージごとのライフサイクル状態。
// Message Lifecycle Controllerのみが状態遷移を行う。
type MessageState struct {
	MessageID   string
	SenderID    string
	RecipientID string
	Owner       MessageOwner
	Status      MessageStatus
	ViewedAt    *time.Time
	ExpiresAt   *time.Time
}

// EffectiveStatus はnow時点での実効状態を返す。
// Janitorが永続化する前でも、期限を過ぎた人間のメッセージはMessageExpiredとなる。
func (s *MessageState) EffectiveStatus(now time.Time) MessageStatus {
	if s.Status == MessageExpired {
		return MessageExpired
	}
	if s.Owner == OwnerHuman && s.ExpiresAt != nil && !now.Before(*s.ExpiresAt) {
		return MessageExpired
	}
	return s.Status
}

// VisibleAt はnow時点で会話の読み取りに含められるかどうかを返す。
func (s *MessageState) VisibleAt(now time.Time) bool {
	return s.EffectiveStatus(now) != MessageExpired
}

// Message はメッセージ本体と状態を結合したモデル。
type Message struct {
	ContentItem
	State MessageState
}

// ConversationCursor は会話のページ送り位置。
// (CreatedAt, ID)の組より古いメッセージを取得する。並び順と同じ組で比較するため、
// 同一時刻に作成されたメッセージもページの境目で欠けない。
// IDが空の場合はCreatedAtより前のメッセージすべてが対象になる。
type ConversationCursor struct {
	CreatedAt time.Time
	ID        string
}

// IsZero はカーソル未指定（最新から取得）かどうかを返す。
func (c ConversationCursor) IsZero() bool {
	return c.CreatedAt.IsZero()
}
