// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// 認証は外部ゲートウェイが担うため、ここでは存在確認に必要な情報のみを保持する。
type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}
