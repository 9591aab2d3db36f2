package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/pkg/response"
)

var (
	// ErrInvalidToken はトークンが無効・期限切れであることを表す。
	ErrInvalidToken = errors.New("トークンが無効です")
	// ErrValidatorUnavailable はトークンの検証先に問い合わせられないことを表す。
	ErrValidatorUnavailable = errors.New("認証サービスが利用できません")
)

// Principal は認証済みの呼び出し元。
type Principal struct {
	// UserID は呼び出し元ユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Email は呼び出し元のメールアドレス。
	Email string `json:"email,omitempty"`
	// Token は検証済みのアクセストークン。上流への委譲に使用する。
	Token string `json:"-"`
}

// TokenValidator はアクセストークンを検証して呼び出し元を解決する。
// 無効なトークンにはErrInvalidToken、検証できない場合はErrValidatorUnavailableをラップして返す。
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*Principal, error)
}

// TokenValidatorFunc は関数をTokenValidatorとして扱うためのアダプタ。
type TokenValidatorFunc func(ctx context.Context, token string) (*Principal, error)

// Validate はf(ctx, token)を呼び出す。
func (f TokenValidatorFunc) Validate(ctx context.Context, token string) (*Principal, error) {
	return f(ctx, token)
}

type principalKey struct{}

// WithPrincipal はコンテキストに呼び出し元を設定する。
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext はコンテキストから呼び出し元を取得する。
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// BearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func BearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// BearerAuth はBearerトークンを検証するGinミドルウェアを返す。
// リクエスト毎に検証し、結果はキャッシュしない。
// 成功した場合は呼び出し元をリクエストのコンテキストに設定し、X-User-IDヘッダーを付与する。
func BearerAuth(validator TokenValidator, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok {
			response.Abort(c, http.StatusUnauthorized, "Bearerトークンが必要です")
			return
		}

		principal, err := validator.Validate(c.Request.Context(), token)
		switch {
		case err == nil:
		case errors.Is(err, ErrInvalidToken):
			response.Abort(c, http.StatusUnauthorized, "トークンが無効または期限切れです")
			return
		default:
			log.Warn("トークンを検証できません",
				zap.String("path", c.Request.URL.Path),
				zap.Error(err),
			)
			response.Abort(c, http.StatusServiceUnavailable, "認証サービスが利用できません")
			return
		}

		principal.Token = token
		c.Request = c.Request.WithContext(WithPrincipal(c.Request.Context(), principal))
		c.Set(contextKeyUserID, principal.UserID)
		c.Header(headerKeyUserID, principal.UserID)
		c.Next()
	}
}

// contextKeyUserID はGinコンテキストにユーザーIDを保存するキー。
const contextKeyUserID = "user_id"

// headerKeyUserID はサービス間でユーザーIDを伝播するためのHTTPヘッダーキー。
const headerKeyUserID = "X-User-ID"

// GetUserID はGinコンテキストからユーザーIDを取得する。
// BearerAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get(contextKeyUserID)
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}
