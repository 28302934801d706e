package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// NewCORSMiddleware は許可されたオリジンに対するCORSミドルウェアを返す。
// 識別はX-User-IDヘッダーで行うため、credentialsは送信させない。
// allowedOriginsが空の場合はクロスオリジンリクエストを許可しない。
func NewCORSMiddleware(allowedOrigins []string) func(next http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		// rs/corsは空のリストを全オリジン許可として扱う
		return func(next http.Handler) http.Handler { return next }
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", UserIDHeader},
		ExposedHeaders:   []string{"Retry-After"},
		MaxAge:           86400,
		AllowCredentials: false,
	})
	return c.Handler
}
