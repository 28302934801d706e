package model

import "time"

// ViewRecord は「ユーザーUがコンテンツIを閲覧した」という事実を表す。
// (UserID, ItemID) ごとに必ず1件のみ存在する。
type ViewRecord struct {
	UserID        string
	ItemID        string
	FirstViewedAt time.Time
	LastViewedAt  time.Time
	DurationMs    int64
	Percentage    int
	ClientMeta    ClientMeta
}

// ClientMeta は診断用のクライアント情報。正当性の判定には一切使用しない。
type ClientMeta struct {
	Device     string `json:"device,omitempty"`
	Platform   string `json:"platform,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
}

// ViewEvent はクライアントから報告される1件の閲覧イベント。
type ViewEvent struct {
	ItemID     string
	DurationMs int64
	Percentage float64
	ViewedAt   time.Time // ゼロ値の場合はサーバー時刻を使用する
	ClientMeta ClientMeta
}

// MaxPercentage は閲覧完了率の上限。
const MaxPercentage = 100
