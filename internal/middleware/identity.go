// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/hitoshi/vanish/internal/model"
)

// UserIDHeader は上流の認証ゲートウェイが付与する呼び出し元ユーザーIDのヘッダー。
const UserIDHeader = "X-User-ID"

// SystemTokenHeader はシステムメッセージ送信用の内部APIトークンのヘッダー。
const SystemTokenHeader = "X-System-Token"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
var userIDContextKey = contextKey("user_id")

// NewIdentityMiddleware はX-User-IDヘッダーから呼び出し元を特定し、
// ユーザーIDをリクエストコンテキストに注入するミドルウェアを返す。
// ヘッダーがない、またはUUIDでない場合は401を返す。
// ユーザーの存在確認は各操作で行う。
func NewIdentityMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := r.Header.Get(UserIDHeader)
			parsed, err := uuid.Parse(userID)
			if userID == "" || err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			ctx := ContextWithUserID(r.Context(), parsed.String())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewSystemTokenMiddleware は内部API用のトークンを検証するミドルウェアを返す。
// tokenが空の場合は内部APIを無効とみなし、すべてのリクエストを401で拒否する。
func NewSystemTokenMiddleware(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(SystemTokenHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// Identityミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
