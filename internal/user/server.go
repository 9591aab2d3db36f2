package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/nao1215/notifyhub/internal/config"
	"github.com/nao1215/notifyhub/pkg/middleware"
	"github.com/nao1215/notifyhub/pkg/response"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 10 * time.Second

// Server はユーザーディレクトリサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer はリッスン中のHTTPサーバー。
	httpServer *http.Server
	// db はSQLiteデータベース接続。
	db *sql.DB
	// users はusersテーブルへのクエリ。
	users *repository
	// jwtSecret はJWT署名用の秘密鍵。
	jwtSecret string
	// tokenTTL はアクセストークンの有効期間。
	tokenTTL time.Duration
	// log は構造化ロガー。
	log *zap.Logger
}

// NewServer は新しいユーザーディレクトリサーバーを生成する。
// SQLiteデータベースの初期化とスキーマ作成を行う。
func NewServer(cfg config.User, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}

	sqlDB, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := initSchema(context.Background(), sqlDB, log); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RequestLogger(log))

	s := &Server{
		router:    router,
		db:        sqlDB,
		users:     &repository{db: sqlDB},
		jwtSecret: cfg.JWTSecret,
		tokenTTL:  cfg.TokenTTL,
		log:       log,
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler はルーティング済みのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close はデータベース接続を閉じる。
func (s *Server) Close() error {
	return s.db.Close()
}

// Run はctxが終了するまでHTTPサーバーを起動する。
func (s *Server) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	s.log.Info("ユーザーディレクトリサービスを起動します", zap.String("addr", s.httpServer.Addr))
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
	auth := middleware.BearerAuth(middleware.JWTValidator(s.jwtSecret), s.log)

	users := s.router.Group("/v1/users")
	{
		// 認証不要
		users.POST("/register", s.handleRegister())
		users.POST("/login", s.handleLogin())
		// 認証済みユーザー自身の情報
		users.GET("/me", auth, s.handleMe())
		// サービス間参照（通知オーケストレーターから呼び出される）
		users.GET("/:id", s.handleGet())
		// 本人のみ更新可能
		users.PUT("/:id/preferences", auth, s.handleUpdatePreferences())
		users.PUT("/:id/push-token", auth, s.handleUpdatePushToken())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		if err := s.db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "service": "user"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "user"})
	})
}

// preferences は通知の受信設定のJSON構造。
type preferences struct {
	// Email はメール通知を受け取るかどうか。
	Email bool `json:"email"`
	// Push はプッシュ通知を受け取るかどうか。
	Push bool `json:"push"`
}

// userResponse はユーザーのJSONレスポンス構造。
type userResponse struct {
	// ID はユーザーの一意識別子。
	ID string `json:"id"`
	// UserID はIDの別名。旧クライアント向け。
	UserID string `json:"user_id"`
	// Email はメールアドレス。
	Email string `json:"email"`
	// FullName は表示名。
	FullName string `json:"full_name"`
	// PushToken はプッシュ通知用のデバイストークン。
	PushToken string `json:"push_token,omitempty"`
	// Preferences は通知の受信設定。
	Preferences preferences `json:"preferences"`
	// CreatedAt は作成日時（RFC3339形式）。
	CreatedAt string `json:"created_at"`
}

// toUserResponse はDB行をJSONレスポンスに変換する。
func toUserResponse(u *User) userResponse {
	return userResponse{
		ID:          u.ID,
		UserID:      u.ID,
		Email:       u.Email,
		FullName:    u.FullName,
		PushToken:   u.PushToken,
		Preferences: preferences{Email: u.PrefEmail, Push: u.PrefPush},
		CreatedAt:   u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// registerRequest はユーザー登録リクエストのJSON構造。
type registerRequest struct {
	// Name は表示名。
	Name string `json:"name" binding:"required"`
	// Email はメールアドレス。
	Email string `json:"email" binding:"required,email"`
	// Password は平文のパスワード。
	Password string `json:"password" binding:"required,min=8,max=72"`
	// PushToken はプッシュ通知用のデバイストークン。
	PushToken string `json:"push_token"`
	// Preferences は通知の受信設定。省略時はすべて有効。
	Preferences *preferences `json:"preferences"`
}

// handleRegister はユーザーを登録するハンドラ。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Fail(c, http.StatusBadRequest, fmt.Sprintf("リクエストが不正です: %v", err))
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			s.log.Error("パスワードのハッシュ化に失敗", zap.Error(err))
			response.Fail(c, http.StatusInternalServerError, "ユーザーの登録に失敗しました")
			return
		}

		prefs := preferences{Email: true, Push: true}
		if req.Preferences != nil {
			prefs = *req.Preferences
		}

		u := User{
			ID:           uuid.New().String(),
			Email:        strings.ToLower(req.Email),
			FullName:     req.Name,
			PasswordHash: string(hash),
			PushToken:    req.PushToken,
			PrefEmail:    prefs.Email,
			PrefPush:     prefs.Push,
		}
		if err := s.users.create(c.Request.Context(), u); err != nil {
			if errors.Is(err, ErrEmailExists) {
				response.Fail(c, http.StatusConflict, err.Error())
				return
			}
			s.log.Error("ユーザーの登録に失敗", zap.Error(err))
			response.Fail(c, http.StatusInternalServerError, "ユーザーの登録に失敗しました")
			return
		}

		created, err := s.users.getByID(c.Request.Context(), u.ID)
		if err != nil {
			s.log.Error("登録したユーザーの取得に失敗", zap.Error(err))
			response.Fail(c, http.StatusInternalServerError, "ユーザーの登録に失敗しました")
			return
		}
		s.log.Info("ユーザーを登録しました", zap.String("user_id", u.ID))
		response.OK(c, http.StatusCreated, "ユーザーを登録しました", toUserResponse(created))
	}
}

// loginRequest はログインリクエストのJSON構造。
type loginRequest struct {
	// Email はメールアドレス。
	Email string `json:"email" binding:"required,email"`
	// Password は平文のパスワード。
	Password string `json:"password" binding:"required"`
}

// tokenResponse はログイン結果のJSON構造。
type tokenResponse struct {
	// AccessToken はHS256で署名したJWT。
	AccessToken string `json:"access_token"`
	// TokenType は常に "bearer"。
	TokenType string `json:"token_type"`
	// ExpiresIn は有効期間（秒）。
	ExpiresIn int64 `json:"expires_in"`
}

// handleLogin はパスワードを検証してアクセストークンを発行するハンドラ。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Fail(c, http.StatusBadRequest, fmt.Sprintf("リクエストが不正です: %v", err))
			return
		}

		u, err := s.users.getByEmail(c.Request.Context(), strings.ToLower(req.Email))
		if err != nil && !errors.Is(err, ErrNotFound) {
			s.log.Error("ユーザーの取得に失敗", zap.Error(err))
			response.Fail(c, http.StatusInternalServerError, "ログインに失敗しました")
			return
		}
		if u == nil || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
			response.Fail(c, http.StatusUnauthorized, "メールアドレスまたはパスワードが正しくありません")
			return
		}

		token, err := middleware.GenerateJWT(s.jwtSecret, u.ID, u.Email, s.tokenTTL)
		if err != nil {
			s.log.Error("JWT生成エラー", zap.Error(err))
			response.Fail(c, http.StatusInternalServerError, "トークン生成に失敗しました")
			return
		}

		response.OK(c, http.StatusOK, "ログインしました", tokenResponse{
			AccessToken: token,
			TokenType:   "bearer",
			ExpiresIn:   int64(s.tokenTTL / time.Second),
		})
	}
}

// handleMe は認証済みユーザー自身の情報を返すハンドラ。
func (s *Server) handleMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.respondUser(c, middleware.GetUserID(c))
	}
}

// handleGet は指定されたユーザーの情報を返すハンドラ。
func (s *Server) handleGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.respondUser(c, c.Param("id"))
	}
}

func (s *Server) respondUser(c *gin.Context, id string) {
	u, err := s.users.getByID(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		response.Fail(c, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.log.Error("ユーザーの取得に失敗", zap.String("user_id", id), zap.Error(err))
		response.Fail(c, http.StatusInternalServerError, "ユーザーの取得に失敗しました")
		return
	}
	response.OK(c, http.StatusOK, "", toUserResponse(u))
}

// requireSelf は操作対象が認証済みユーザー本人であることを確認する。
func requireSelf(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if middleware.GetUserID(c) != id {
		response.Fail(c, http.StatusForbidden, "このユーザーを操作する権限がありません")
		return "", false
	}
	return id, true
}

// preferencesRequest は受信設定更新リクエストのJSON構造。
type preferencesRequest struct {
	// Email はメール通知を受け取るかどうか。
	Email *bool `json:"email" binding:"required"`
	// Push はプッシュ通知を受け取るかどうか。
	Push *bool `json:"push" binding:"required"`
}

// handleUpdatePreferences は通知の受信設定を更新するハンドラ。
func (s *Server) handleUpdatePreferences() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requireSelf(c)
		if !ok {
			return
		}

		var req preferencesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Fail(c, http.StatusBadRequest, fmt.Sprintf("リクエストが不正です: %v", err))
			return
		}

		if err := s.users.updatePreferences(c.Request.Context(), id, *req.Email, *req.Push); err != nil {
			s.failUpdate(c, id, err)
			return
		}
		s.respondUser(c, id)
	}
}

// pushTokenRequest はプッシュトークン更新リクエストのJSON構造。
type pushTokenRequest struct {
	// PushToken はデバイストークン。空文字列で登録解除。
	PushToken string `json:"push_token"`
}

// handleUpdatePushToken はプッシュトークンを更新するハンドラ。
func (s *Server) handleUpdatePushToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requireSelf(c)
		if !ok {
			return
		}

		var req pushTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Fail(c, http.StatusBadRequest, fmt.Sprintf("リクエストが不正です: %v", err))
			return
		}

		if err := s.users.updatePushToken(c.Request.Context(), id, strings.TrimSpace(req.PushToken)); err != nil {
			s.failUpdate(c, id, err)
			return
		}
		s.respondUser(c, id)
	}
}

func (s *Server) failUpdate(c *gin.Context, id string, err error) {
	if errors.Is(err, ErrNotFound) {
		response.Fail(c, http.StatusNotFound, err.Error())
		return
	}
	s.log.Error("ユーザーの更新に失敗", zap.String("user_id", id), zap.Error(err))
	response.Fail(c, http.StatusInternalServerError, "ユーザーの更新に失敗しました")
}
