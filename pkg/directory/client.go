package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/pkg/httpclient"
)

// DefaultTimeout は上流呼び出しの既定タイムアウト。
const DefaultTimeout = 5 * time.Second

var (
	// ErrUserNotFound は上流がユーザーを見つけられなかったことを表す。
	ErrUserNotFound = errors.New("ユーザーが見つかりません")
	// ErrUnauthorized は上流がトークンを拒否したことを表す（HTTP 401）。
	ErrUnauthorized = errors.New("トークンが無効または期限切れです")
	// ErrUnavailable は上流に到達できない、または想定外の応答を返したことを表す。
	ErrUnavailable = errors.New("ユーザーディレクトリが利用できません")
)

// Preferences はユーザーの通知チャネル毎の受信設定。
type Preferences struct {
	// Email はメール通知を受け取るかどうか。
	Email bool `json:"email"`
	// Push はプッシュ通知を受け取るかどうか。
	Push bool `json:"push"`
}

// UserProfile はユーザーディレクトリから取得したプロファイル。読み取り専用。
type UserProfile struct {
	// ID はユーザーの一意識別子。
	ID string `json:"id"`
	// Email はメールアドレス。未登録の場合は空。
	Email string `json:"email,omitempty"`
	// PushToken はプッシュ通知用のデバイストークン。未登録の場合は空。
	PushToken string `json:"push_token,omitempty"`
	// Preferences は通知の受信設定。
	Preferences Preferences `json:"preferences"`
	// DisplayName は表示名。
	DisplayName string `json:"display_name"`
}

// envelope はユーザーディレクトリの応答形式。
type envelope struct {
	Success bool     `json:"success"`
	Data    wireUser `json:"data"`
	Message string   `json:"message"`
}

// wireUser は上流の応答に含まれるユーザー。
// 実装によってIDや表示名のフィールド名が異なるため、いずれも受け付ける。
type wireUser struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	Email       string       `json:"email"`
	PushToken   string       `json:"push_token"`
	Preferences *Preferences `json:"preferences"`
	DisplayName string       `json:"display_name"`
	FullName    string       `json:"full_name"`
	Name        string       `json:"name"`
}

// profile はwireUserを正規化したUserProfileに変換する。
// 受信設定が欠けている場合はすべて無効として扱う。
func (w wireUser) profile() *UserProfile {
	p := &UserProfile{
		ID:          firstNonEmpty(w.ID, w.UserID),
		Email:       w.Email,
		PushToken:   w.PushToken,
		DisplayName: firstNonEmpty(w.DisplayName, w.FullName, w.Name),
	}
	if w.Preferences != nil {
		p.Preferences = *w.Preferences
	}
	return p
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Client はユーザーディレクトリのクライアント。複数goroutineから安全に使用できる。
type Client struct {
	// http は上流へのHTTPクライアント。
	http *httpclient.Client
	// breaker は通信障害時に呼び出しを遮断するサーキットブレーカー。
	breaker *gobreaker.CircuitBreaker
	// log は構造化ロガー。
	log *zap.Logger
}

// Option はClientの設定を変更する関数。
type Option func(*options)

type options struct {
	timeout     time.Duration
	log         *zap.Logger
	httpOptions []httpclient.Option
	breaker     gobreaker.Settings
}

// WithTimeout は上流呼び出しのタイムアウトを設定する。
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithLogger はロガーを設定する。
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithHTTPClient は内部で使用するhttp.Clientを差し替える。テスト用。
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		o.httpOptions = append(o.httpOptions, httpclient.WithHTTPClient(hc))
	}
}

// WithBreakerTimeout はブレーカーが開いてから半開状態に移るまでの時間を設定する。
func WithBreakerTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.breaker.Timeout = timeout
	}
}

// New はユーザーディレクトリのクライアントを生成する。
func New(baseURL string, opts ...Option) *Client {
	o := &options{
		timeout: DefaultTimeout,
		log:     zap.NewNop(),
		breaker: gobreaker.Settings{
			Name:        "user-directory",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 5 && failureRatio >= 0.6
			},
			// 401や404は上流が正常に応答した結果なので失敗として数えない
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrUnauthorized)
			},
		},
	}
	for _, opt := range opts {
		opt(o)
	}

	log := o.log
	o.breaker.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn("サーキットブレーカーの状態が変化しました",
			zap.String("name", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	return &Client{
		http:    httpclient.New(baseURL, append([]httpclient.Option{httpclient.WithTimeout(o.timeout)}, o.httpOptions...)...),
		breaker: gobreaker.NewCircuitBreaker(o.breaker),
		log:     log,
	}
}

// GetUser はユーザーIDでプロファイルを取得する。
func (c *Client) GetUser(ctx context.Context, userID string) (*UserProfile, error) {
	path := "/v1/users/" + url.PathEscape(userID)
	user, err := c.fetch(ctx, path, func(status int) error {
		if status == http.StatusNotFound {
			return ErrUserNotFound
		}
		return nil
	})
	if err != nil {
		c.log.Warn("ユーザーの取得に失敗", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	return user, nil
}

// ValidateToken はアクセストークンを上流で検証し、トークンの持ち主のプロファイルを返す。
// 上流が401を返した場合はErrUnauthorized、それ以外の失敗はErrUnavailableを返す。
func (c *Client) ValidateToken(ctx context.Context, token string) (*UserProfile, error) {
	ctx = httpclient.WithBearerToken(ctx, token)
	return c.fetch(ctx, "/v1/users/me", func(status int) error {
		if status == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return nil
	})
}

// fetch はブレーカー経由でユーザーを取得する。
// classifyは上流のステータスコードをドメインのエラーに変換する。nilならErrUnavailableとする。
func (c *Client) fetch(ctx context.Context, path string, classify func(status int) error) (*UserProfile, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		var env envelope
		if err := c.http.GetJSON(ctx, path, &env); err != nil {
			if status := httpclient.StatusCode(err); status != 0 {
				if known := classify(status); known != nil {
					return nil, fmt.Errorf("%w: %w", known, err)
				}
			}
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return env.Data.profile(), nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil, err
	}
	return result.(*UserProfile), nil
}
