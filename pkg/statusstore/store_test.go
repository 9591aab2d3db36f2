package statusstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/notifyhub/pkg/message"
)

// newTestStore はminiredisを使ったテスト用ストアを生成する。
func newTestStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, opts...), mr
}

func testRecord(id string) message.Record {
	return message.Record{
		NotificationID:   id,
		Status:           message.StatusPending,
		NotificationType: message.TypeEmail,
		UserID:           "user-1",
		Recipient:        "a@b.com",
		RequestID:        "r1",
		CreatedAt:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestSetAndGetStatus(t *testing.T) {
	t.Parallel()

	t.Run("保存したレコードを取得できること", func(t *testing.T) {
		t.Parallel()

		store, mr := newTestStore(t)
		ctx := context.Background()

		require.NoError(t, store.SetStatus(ctx, testRecord("n-1")))

		got, err := store.GetStatus(ctx, "n-1")
		require.NoError(t, err)
		assert.Equal(t, testRecord("n-1"), *got)

		// キー形式とTTLの検証
		assert.True(t, mr.Exists("notification:n-1"))
		assert.Equal(t, time.Hour, mr.TTL("notification:n-1"))
	})

	t.Run("存在しないIDはErrNotFoundになること", func(t *testing.T) {
		t.Parallel()

		store, _ := newTestStore(t)
		_, err := store.GetStatus(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("TTL経過後は未作成と同じくErrNotFoundになること", func(t *testing.T) {
		t.Parallel()

		store, mr := newTestStore(t, WithStatusTTL(10*time.Second))
		ctx := context.Background()
		require.NoError(t, store.SetStatus(ctx, testRecord("n-2")))

		mr.FastForward(11 * time.Second)

		_, err := store.GetStatus(ctx, "n-2")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("上書き保存でTTLがリセットされること", func(t *testing.T) {
		t.Parallel()

		store, mr := newTestStore(t, WithStatusTTL(10*time.Second))
		ctx := context.Background()
		rec := testRecord("n-3")
		require.NoError(t, store.SetStatus(ctx, rec))

		mr.FastForward(8 * time.Second)
		rec.Status = message.StatusDelivered
		require.NoError(t, store.SetStatus(ctx, rec))
		mr.FastForward(8 * time.Second)

		got, err := store.GetStatus(ctx, "n-3")
		require.NoError(t, err)
		assert.Equal(t, message.StatusDelivered, got.Status)
	})

	t.Run("Redisが停止している場合はErrUnavailableになること", func(t *testing.T) {
		t.Parallel()

		store, mr := newTestStore(t)
		mr.Close()

		err := store.SetStatus(context.Background(), testRecord("n-4"))
		assert.ErrorIs(t, err, ErrUnavailable)

		_, err = store.GetStatus(context.Background(), "n-4")
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("破損したレコードはエラーになること", func(t *testing.T) {
		t.Parallel()

		store, mr := newTestStore(t)
		require.NoError(t, mr.Set("notification:broken", "{not json"))

		_, err := store.GetStatus(context.Background(), "broken")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
	})
}

func TestUpdateStatus(t *testing.T) {
	t.Parallel()

	t.Run("変更したレコードを書き戻しTTLをリセットすること", func(t *testing.T) {
		t.Parallel()

		store, mr := newTestStore(t)
		ctx := context.Background()
		require.NoError(t, store.SetStatus(ctx, testRecord("n-1")))
		mr.FastForward(30 * time.Minute)

		got, err := store.UpdateStatus(ctx, "n-1", func(rec *message.Record) error {
			rec.Status = message.StatusDelivered
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, message.StatusDelivered, got.Status)
		assert.Equal(t, time.Hour, mr.TTL("notification:n-1"))

		stored, err := store.GetStatus(ctx, "n-1")
		require.NoError(t, err)
		assert.Equal(t, message.StatusDelivered, stored.Status)
		assert.Equal(t, "a@b.com", stored.Recipient)
	})

	t.Run("存在しないIDはErrNotFoundになりmutateは呼ばれないこと", func(t *testing.T) {
		t.Parallel()

		store, _ := newTestStore(t)
		called := false
		_, err := store.UpdateStatus(context.Background(), "missing", func(*message.Record) error {
			called = true
			return nil
		})
		require.ErrorIs(t, err, ErrNotFound)
		assert.False(t, called)
	})

	t.Run("mutateのエラーはそのまま返し書き込まないこと", func(t *testing.T) {
		t.Parallel()

		store, _ := newTestStore(t)
		ctx := context.Background()
		require.NoError(t, store.SetStatus(ctx, testRecord("n-1")))

		errRejected := errors.New("rejected")
		_, err := store.UpdateStatus(ctx, "n-1", func(rec *message.Record) error {
			rec.Status = message.StatusFailed
			return errRejected
		})
		require.ErrorIs(t, err, errRejected)
		assert.False(t, errors.Is(err, ErrUnavailable))

		stored, err := store.GetStatus(ctx, "n-1")
		require.NoError(t, err)
		assert.Equal(t, message.StatusPending, stored.Status)
	})

	t.Run("読み出し後に他の更新が入った場合は最新のレコードで再実行すること", func(t *testing.T) {
		t.Parallel()

		store, _ := newTestStore(t)
		ctx := context.Background()
		require.NoError(t, store.SetStatus(ctx, testRecord("n-1")))

		var seen []message.Status
		_, err := store.UpdateStatus(ctx, "n-1", func(rec *message.Record) error {
			seen = append(seen, rec.Status)
			if len(seen) == 1 {
				// WATCH中のキーを別の接続から書き換える
				delivered := testRecord("n-1")
				delivered.Status = message.StatusDelivered
				require.NoError(t, store.SetStatus(ctx, delivered))
			}
			if rec.Status.IsTerminal() {
				return errors.New("terminal")
			}
			rec.Status = message.StatusPending
			return nil
		})
		require.Error(t, err)
		assert.Equal(t, []message.Status{message.StatusPending, message.StatusDelivered}, seen)

		stored, err := store.GetStatus(ctx, "n-1")
		require.NoError(t, err)
		assert.Equal(t, message.StatusDelivered, stored.Status)
	})

	t.Run("競合が続く場合はErrConflictになること", func(t *testing.T) {
		t.Parallel()

		store, _ := newTestStore(t)
		ctx := context.Background()
		require.NoError(t, store.SetStatus(ctx, testRecord("n-1")))

		calls := 0
		_, err := store.UpdateStatus(ctx, "n-1", func(rec *message.Record) error {
			calls++
			require.NoError(t, store.SetStatus(ctx, testRecord("n-1")))
			rec.Status = message.StatusFailed
			return nil
		})
		require.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, maxUpdateAttempts, calls)
	})

	t.Run("Redisが停止している場合はErrUnavailableになること", func(t *testing.T) {
		t.Parallel()

		store, mr := newTestStore(t, WithTimeout(200*time.Millisecond))
		mr.Close()

		_, err := store.UpdateStatus(context.Background(), "n-1", func(*message.Record) error { return nil })
		require.ErrorIs(t, err, ErrUnavailable)
	})
}

func TestCache(t *testing.T) {
	t.Parallel()

	type profile struct {
		Name string `json:"name"`
	}

	t.Run("キャッシュした値を取得できること", func(t *testing.T) {
		t.Parallel()

		store, mr := newTestStore(t)
		ctx := context.Background()
		require.NoError(t, store.Cache(ctx, "user:1", profile{Name: "Alice"}, time.Minute))

		var got profile
		assert.True(t, store.GetCached(ctx, "user:1", &got))
		assert.Equal(t, "Alice", got.Name)
		assert.Equal(t, time.Minute, mr.TTL("user:1"))
	})

	t.Run("TTL未指定の場合は既定値が使われること", func(t *testing.T) {
		t.Parallel()

		store, mr := newTestStore(t)
		require.NoError(t, store.Cache(context.Background(), "k", profile{Name: "x"}, 0))
		assert.Equal(t, DefaultCacheTTL, mr.TTL("k"))
	})

	t.Run("キャッシュミスはfalseを返すこと", func(t *testing.T) {
		t.Parallel()

		store, _ := newTestStore(t)
		var got profile
		assert.False(t, store.GetCached(context.Background(), "none", &got))
	})

	t.Run("読み取り失敗はエラーではなくキャッシュミスになること", func(t *testing.T) {
		t.Parallel()

		store, mr := newTestStore(t)
		mr.Close()

		var got profile
		assert.False(t, store.GetCached(context.Background(), "user:1", &got))
	})
}

func TestConnect(t *testing.T) {
	t.Parallel()

	t.Run("URLで接続できること", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)
		store, err := Connect(context.Background(), "redis://"+mr.Addr())
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		assert.NoError(t, store.Ping(context.Background()))
	})

	t.Run("不正なURLはエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := Connect(context.Background(), "://bad")
		assert.Error(t, err)
	})

	t.Run("接続できない場合はErrUnavailableになること", func(t *testing.T) {
		t.Parallel()

		_, err := Connect(context.Background(), "redis://127.0.0.1:1", WithTimeout(200*time.Millisecond))
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}
