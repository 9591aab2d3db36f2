package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound はユーザーが存在しないことを表す。
	ErrNotFound = errors.New("ユーザーが見つかりません")
	// ErrEmailExists はメールアドレスが登録済みであることを表す。
	ErrEmailExists = errors.New("メールアドレスは登録済みです")
)

// User はユーザーのDB行。
type User struct {
	// ID はユーザーの一意識別子。
	ID string
	// Email はメールアドレス。
	Email string
	// FullName は表示名。
	FullName string
	// PasswordHash はbcryptでハッシュ化したパスワード。
	PasswordHash string
	// PushToken はプッシュ通知用のデバイストークン。
	PushToken string
	// PrefEmail はメール通知を受け取るかどうか。
	PrefEmail bool
	// PrefPush はプッシュ通知を受け取るかどうか。
	PrefPush bool
	// CreatedAt は作成日時。
	CreatedAt time.Time
}

// repository はusersテーブルへのクエリを実行する。
type repository struct {
	db *sql.DB
}

const selectUser = `SELECT id, email, full_name, password_hash, push_token, pref_email, pref_push, created_at FROM users`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.PasswordHash, &u.PushToken, &u.PrefEmail, &u.PrefPush, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ユーザーの読み取りに失敗: %w", err)
	}
	return &u, nil
}

// create はユーザーを登録する。メールアドレスが重複している場合はErrEmailExistsを返す。
func (r *repository) create(ctx context.Context, u User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, full_name, password_hash, push_token, pref_email, pref_push) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.FullName, u.PasswordHash, u.PushToken, u.PrefEmail, u.PrefPush,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrEmailExists
		}
		return fmt.Errorf("ユーザーの登録に失敗: %w", err)
	}
	return nil
}

// getByID はIDでユーザーを取得する。
func (r *repository) getByID(ctx context.Context, id string) (*User, error) {
	return scanUser(r.db.QueryRowContext(ctx, selectUser+` WHERE id = ?`, id))
}

// getByEmail はメールアドレスでユーザーを取得する。
func (r *repository) getByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(r.db.QueryRowContext(ctx, selectUser+` WHERE email = ?`, email))
}

// updatePreferences は通知の受信設定を更新する。
func (r *repository) updatePreferences(ctx context.Context, id string, email, push bool) error {
	return r.update(ctx, `UPDATE users SET pref_email = ?, pref_push = ?, updated_at = datetime('now') WHERE id = ?`, email, push, id)
}

// updatePushToken はプッシュトークンを更新する。
func (r *repository) updatePushToken(ctx context.Context, id, token string) error {
	return r.update(ctx, `UPDATE users SET push_token = ?, updated_at = datetime('now') WHERE id = ?`, token, id)
}

func (r *repository) update(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("ユーザーの更新に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
