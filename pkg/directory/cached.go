package directory

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// cacheKeyPrefix はキャッシュしたプロファイルのキー接頭辞。
const cacheKeyPrefix = "user:"

// Cache はプロファイルを一時保存するキャッシュ。statusstore.Storeが満たす。
type Cache interface {
	Cache(ctx context.Context, key string, value any, ttl time.Duration) error
	GetCached(ctx context.Context, key string, dst any) bool
}

// CachedDirectory はGetUserの結果を短時間キャッシュするClientのラッパー。
// トークン検証はキャッシュせず、常に上流に問い合わせる。
type CachedDirectory struct {
	*Client
	cache Cache
	ttl   time.Duration
}

// NewCached はCachedDirectoryを生成する。
func NewCached(client *Client, cache Cache, ttl time.Duration) *CachedDirectory {
	return &CachedDirectory{Client: client, cache: cache, ttl: ttl}
}

// GetUser はキャッシュを優先してプロファイルを返す。
// キャッシュの読み書きに失敗しても上流の結果をそのまま返す。
func (d *CachedDirectory) GetUser(ctx context.Context, userID string) (*UserProfile, error) {
	key := cacheKeyPrefix + userID

	var cached UserProfile
	if d.cache.GetCached(ctx, key, &cached) {
		return &cached, nil
	}

	profile, err := d.Client.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := d.cache.Cache(ctx, key, profile, d.ttl); err != nil {
		d.log.Warn("プロファイルのキャッシュに失敗", zap.String("user_id", userID), zap.Error(err))
	}
	return profile, nil
}
