package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwtIssuer はuserサービスが発行するトークンのiss。
const jwtIssuer = "notifyhub-user"

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
}

// GenerateJWT はユーザー情報からHS256で署名したJWTトークンを生成する。
// userサービスのログイン時に呼び出す。
func GenerateJWT(secret, userID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    jwtIssuer,
		},
		UserID: userID,
		Email:  email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseJWT はトークンの署名と有効期限を検証し、クレームを返す。
// HS256以外のアルゴリズムは受け付けない。
func ParseJWT(secret, tokenString string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(jwtIssuer),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// JWTValidator はローカルでJWTを検証するTokenValidatorを返す。
// トークンを発行したuserサービス自身で使用する。
func JWTValidator(secret string) TokenValidator {
	return TokenValidatorFunc(func(_ context.Context, token string) (*Principal, error) {
		claims, err := ParseJWT(secret, token)
		if err != nil {
			return nil, err
		}
		return &Principal{UserID: claims.UserID, Email: claims.Email}, nil
	})
}
