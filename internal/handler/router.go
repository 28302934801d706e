package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/vanish/internal/clock"
	"github.com/hitoshi/vanish/internal/metrics"
	"github.com/hitoshi/vanish/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger             *slog.Logger
	Metrics            metrics.MetricsCollector
	MetricsGatherer    prometheus.Gatherer
	CORSAllowedOrigins []string
	RateLimiter        *middleware.RateLimiter
	SystemToken        string

	HealthChecker Pinger
	Clock         clock.Clock

	UserService    UserServiceInterface
	ItemService    ItemServiceInterface
	FeedService    FeedServiceInterface
	ViewService    ViewServiceInterface
	MessageService MessageServiceInterface
	SystemSenderID string
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → RequestID → Logging → SecurityHeaders → CORS → Identity → RateLimit(General)
//
// /health と /metrics は識別不要。/internal はX-System-Tokenで保護する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))

	userHandler := NewUserHandler(deps.UserService)
	itemHandler := NewItemHandler(deps.ItemService)
	feedHandler := NewFeedHandler(deps.FeedService)
	viewHandler := NewViewHandler(deps.ViewService)
	messageHandler := NewMessageHandler(deps.MessageService, clk, deps.SystemSenderID)

	// --- 識別不要のルート ---
	r.Get("/health", HealthHandler(deps.HealthChecker))
	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))
	}

	// --- 内部API ---
	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.NewSystemTokenMiddleware(deps.SystemToken))
		r.Post("/messages/system", messageHandler.SendSystemMessage)
	})

	// --- 識別が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewIdentityMiddleware())
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}

		r.Put("/api/users/me", userHandler.RegisterMe)
		r.Post("/api/items", itemHandler.CreatePost)
		r.Get("/api/feed", feedHandler.GetFeed)

		r.Route("/api/views", func(r chi.Router) {
			r.Post("/", viewHandler.RegisterView)
			r.Post("/batch", viewHandler.RegisterViewBatch)
		})

		r.Route("/api/messages", func(r chi.Router) {
			if deps.RateLimiter != nil {
				r.With(deps.RateLimiter.SendMiddleware()).Post("/", messageHandler.SendMessage)
			} else {
				r.Post("/", messageHandler.SendMessage)
			}
			r.Get("/{id}", messageHandler.GetMessage)
			r.Post("/{id}/view", messageHandler.MarkViewed)
		})

		r.Get("/api/conversations/{peerID}/messages", messageHandler.ListConversation)
	})

	return r
}
