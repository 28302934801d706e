package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"

	"github.com/hitoshi/vanish/internal/model"
)

func TestWrapError_Classification(t *testing.T) {
	tests := []struct {
		name            string
		err             error
		wantUnavailable bool
	}{
		{"接続断", driver.ErrBadConn, true},
		{"タイムアウト", context.DeadlineExceeded, true},
		{"ラップされた接続断", fmt.Errorf("query: %w", driver.ErrBadConn), true},
		{"管理者によるシャットダウン", &pq.Error{Code: "57P01"}, true},
		{"接続例外クラス", &pq.Error{Code: "08006"}, true},
		{"シリアライズ失敗", &pq.Error{Code: "40001"}, true},
		{"一意制約違反", &pq.Error{Code: "23505"}, false},
		{"構文エラー", &pq.Error{Code: "42601"}, false},
		{"一般エラー", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrapError(tt.err, "op")
			if got := model.KindOf(err) == model.KindUnavailable; got != tt.wantUnavailable {
				t.Errorf("unavailable = %v, want %v (err=%v)", got, tt.wantUnavailable, err)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("wrapped error should unwrap to original: %v", err)
			}
		})
	}
}

func TestIsTransient_Nil(t *testing.T) {
	if isTransient(nil) {
		t.Error("nil error should not be transient")
	}
}
