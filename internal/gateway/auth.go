package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/nao1215/notifyhub/pkg/directory"
	"github.com/nao1215/notifyhub/pkg/middleware"
)

// TokenDirectory はトークンを検証できるユーザーディレクトリ。
type TokenDirectory interface {
	ValidateToken(ctx context.Context, token string) (*directory.UserProfile, error)
}

// DirectoryValidator はユーザーディレクトリに問い合わせてトークンを検証するTokenValidatorを返す。
// 上流の401は無効なトークン、それ以外の失敗は検証不能として扱う。
func DirectoryValidator(dir TokenDirectory) middleware.TokenValidator {
	return middleware.TokenValidatorFunc(func(ctx context.Context, token string) (*middleware.Principal, error) {
		profile, err := dir.ValidateToken(ctx, token)
		switch {
		case err == nil:
			return &middleware.Principal{UserID: profile.ID, Email: profile.Email}, nil
		case errors.Is(err, directory.ErrUnauthorized):
			return nil, fmt.Errorf("%w: %w", middleware.ErrInvalidToken, err)
		default:
			return nil, fmt.Errorf("%w: %w", middleware.ErrValidatorUnavailable, err)
		}
	})
}
