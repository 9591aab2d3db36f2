package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/internal/config"
	"github.com/nao1215/notifyhub/internal/notification"
	"github.com/nao1215/notifyhub/pkg/middleware"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 10 * time.Second

// Server はAPI GatewayサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer はリッスン中のHTTPサーバー。
	httpServer *http.Server
	// cfg はGatewayの設定。
	cfg config.Gateway
	// log は構造化ロガー。
	log *zap.Logger
	// notifications は通知APIのハンドラ。
	notifications *notification.Handler
	// auth はBearerトークンの検証器。
	auth middleware.TokenValidator
	// proxyClient はディレクトリサービスへの転送に使うHTTPクライアント。
	proxyClient *http.Client
	// checks はヘルスチェックの対象。
	checks []HealthCheck
}

// Deps はServerが依存するコンポーネント。
type Deps struct {
	// Notifications は通知APIのハンドラ。
	Notifications *notification.Handler
	// Auth はBearerトークンの検証器。
	Auth middleware.TokenValidator
	// Checks はヘルスチェックの対象。
	Checks []HealthCheck
	// Log は構造化ロガー。nilの場合は何も出力しない。
	Log *zap.Logger
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(cfg config.Gateway, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:        router,
		cfg:           cfg,
		log:           log,
		notifications: deps.Notifications,
		auth:          deps.Auth,
		proxyClient:   &http.Client{Timeout: cfg.DirectoryTimeout},
		checks:        deps.Checks,
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler はルーティング済みのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はctxが終了するまでHTTPサーバーを起動する。
// ctxの終了後は処理中のリクエストを待ってから停止する。
func (s *Server) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	s.log.Info("Gatewayサービスを起動します", zap.String("addr", s.httpServer.Addr))
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
		}
		s.log.Info("Gatewayサービスを停止しました")
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	}
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	auth := middleware.BearerAuth(s.auth, s.log)

	// 通知API
	s.notifications.RegisterRoutes(s.router, auth)

	// ユーザーAPI（ディレクトリサービスへ転送）
	users := s.router.Group("/users")
	{
		users.POST("/register", s.handleProxy("/v1/users/register"))
		users.POST("/login", s.handleProxy("/v1/users/login"))
		users.GET("/me", auth, s.handleProxy("/v1/users/me"))
	}

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())
}
