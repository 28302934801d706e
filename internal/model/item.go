// Package model はドメインモデルを定義する。
package model

import "time"

// ContentKind はコンテンツの種別を表す。
type ContentKind string

const (
	// ContentKindPost はフィードに流れる投稿。
	ContentKindPost ContentKind = "post"
	// ContentKindMessage はダイレクトメッセージ。
	ContentKindMessage ContentKind = "message"
)

// ContentItem は投稿またはメッセージを表す。
// 作成後はExpiresAt以外を変更しない。
type ContentItem struct {
	ID          string
	AuthorID    string
	Kind        ContentKind
	PayloadText string // サニタイズ済みテキスト
	MediaURL    string // 外部メディアへの参照（空の場合はメディアなし）
	ExpiresAt   *time.Time
	CreatedAt   time.Time
}

// IsExpiredAt はnow時点でグローバルに期限切れかどうかを返す。
// 期限切れのコンテンツは閲覧状態に関係なく誰にも表示されない。
func (c *ContentItem) IsExpiredAt(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// Payload はコンテンツ本文の入力値を表す。
type Payload struct {
	Text     string
	MediaURL string
}
