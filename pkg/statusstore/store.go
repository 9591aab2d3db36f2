// Package statusstore は通知ステータスレコードを保持するTTL付きキーバリューストアを提供する。
//
// バックエンドはRedis。レコードは notification:<id> キーにJSONで保存され、
// 一定時間（既定1時間）で自動的に失効する。未作成と失効済みは呼び出し側から区別できない。
package statusstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/pkg/message"
)

const (
	// DefaultStatusTTL は通知レコードの既定の有効期間。
	DefaultStatusTTL = time.Hour
	// DefaultCacheTTL は補助キャッシュの既定の有効期間。
	DefaultCacheTTL = 5 * time.Minute
	// defaultTimeout はRedisへの1往復あたりの既定タイムアウト。
	defaultTimeout = 2 * time.Second
	// keyPrefix は通知レコードのキー接頭辞。
	keyPrefix = "notification:"
	// maxUpdateAttempts はUpdateStatusが競合時に読み直す最大回数。
	maxUpdateAttempts = 16
)

var (
	// ErrNotFound はレコードが存在しない、または失効していることを表す。
	ErrNotFound = errors.New("ステータスレコードが見つかりません")
	// ErrUnavailable はストアに到達できないことを表す。
	ErrUnavailable = errors.New("ステータスストアに接続できません")
	// ErrConflict は同じレコードへの更新が競合し続け、書き戻せなかったことを表す。
	ErrConflict = errors.New("ステータスレコードの更新が競合しました")
)

// Store はRedisをバックエンドとするステータスストア。
// 内部のクライアントはコネクションプールを持ち、複数goroutineから安全に使用できる。
type Store struct {
	// client はRedisクライアント。
	client *redis.Client
	// statusTTL は通知レコードの有効期間。
	statusTTL time.Duration
	// timeout は1操作あたりのタイムアウト。
	timeout time.Duration
	// log は構造化ロガー。
	log *zap.Logger
}

// Option はStoreの設定を変更する関数。
type Option func(*Store)

// WithStatusTTL は通知レコードの有効期間を設定する。
func WithStatusTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.statusTTL = ttl
		}
	}
}

// WithTimeout は1操作あたりのタイムアウトを設定する。
func WithTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithLogger はロガーを設定する。
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// New は既存のRedisクライアントからStoreを生成する。
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client:    client,
		statusTTL: DefaultStatusTTL,
		timeout:   defaultTimeout,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect はURLで指定されたRedisに接続し、疎通確認を行ったStoreを返す。
// 呼び出し側は不要になった時点でCloseを呼ぶこと。
func Connect(ctx context.Context, url string, opts ...Option) (*Store, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("Redis URLの解析に失敗: %w", err)
	}
	s := New(redis.NewClient(redisOpts), opts...)
	if err := s.Ping(ctx); err != nil {
		_ = s.client.Close()
		return nil, err
	}
	s.log.Info("Redisに接続しました", zap.String("addr", redisOpts.Addr))
	return s, nil
}

// Close はRedisとの接続を閉じる。
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping はRedisとの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// StatusTTL は通知レコードの有効期間を返す。
func (s *Store) StatusTTL() time.Duration {
	return s.statusTTL
}

// SetStatus は通知レコードを無条件に上書き保存し、有効期間をリセットする。
func (s *Store) SetStatus(ctx context.Context, rec message.Record) error {
	data, err := message.Encode(rec)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Set(ctx, statusKey(rec.NotificationID), data, s.statusTTL).Err(); err != nil {
		s.log.Error("ステータスの保存に失敗",
			zap.String("notification_id", rec.NotificationID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	s.log.Debug("ステータスを保存しました",
		zap.String("notification_id", rec.NotificationID),
		zap.String("status", string(rec.Status)),
	)
	return nil
}

// GetStatus は通知レコードを取得する。
// 未作成・失効済みのいずれの場合もErrNotFoundを返す。
func (s *Store) GetStatus(ctx context.Context, notificationID string) (*message.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.client.Get(ctx, statusKey(notificationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.log.Error("ステータスの取得に失敗",
			zap.String("notification_id", notificationID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	rec, err := message.Decode[message.Record](data)
	if err != nil {
		return nil, fmt.Errorf("ステータスレコードが破損しています: %w", err)
	}
	return rec, nil
}

// UpdateStatus は notification:<id> をWATCHした状態で読み出し、mutateで変更したレコードを
// 有効期間をリセットして書き戻す。読み出しから書き戻しまでの間に他の更新が入った場合は
// 最新のレコードを読み直してmutateを再実行する。
//
// mutateが返したエラーはそのまま返し、書き込みは行わない。
// レコードが存在しない場合はErrNotFoundを返す。
func (s *Store) UpdateStatus(ctx context.Context, notificationID string, mutate func(*message.Record) error) (*message.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := statusKey(notificationID)
	var (
		updated *message.Record
		txErr   error
	)
	txf := func(tx *redis.Tx) error {
		txErr = s.modify(ctx, tx, key, mutate, &updated)
		return txErr
	}

	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, redis.TxFailedErr):
			s.log.Debug("ステータス更新が競合したため再試行します",
				zap.String("notification_id", notificationID),
				zap.Int("attempt", attempt),
			)
			continue
		case err == txErr:
			return nil, err
		default:
			s.log.Error("ステータスの更新に失敗",
				zap.String("notification_id", notificationID),
				zap.Error(err),
			)
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrConflict, notificationID)
}

// modify はWATCH中のトランザクションでレコードを読み出して変更し、MULTI/EXECで書き戻す。
// EXECが中断された場合はredis.TxFailedErrを返す。
func (s *Store) modify(ctx context.Context, tx *redis.Tx, key string, mutate func(*message.Record) error, out **message.Record) error {
	data, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	rec, err := message.Decode[message.Record](data)
	if err != nil {
		return fmt.Errorf("ステータスレコードが破損しています: %w", err)
	}
	if err := mutate(rec); err != nil {
		return err
	}
	encoded, err := message.Encode(rec)
	if err != nil {
		return err
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, encoded, s.statusTTL)
		return nil
	})
	if errors.Is(err, redis.TxFailedErr) {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	*out = rec
	return nil
}

// Cache は任意の値をJSONで一時保存する。ttlが0以下の場合はDefaultCacheTTLを使用する。
func (s *Store) Cache(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("キャッシュ値のシリアライズに失敗: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// GetCached はキャッシュされた値をdstにデシリアライズする。
// 読み取りに失敗した場合はエラーを返さずキャッシュミスとして扱う。
func (s *Store) GetCached(ctx context.Context, key string, dst any) bool {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("キャッシュの読み取りに失敗", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		s.log.Warn("キャッシュ値が破損しています", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// statusKey は通知IDからRedisのキーを生成する。
func statusKey(notificationID string) string {
	return keyPrefix + notificationID
}
