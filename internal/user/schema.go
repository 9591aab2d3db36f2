package user

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/pkg/migration"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// initSchema は未適用のマイグレーションを適用する。
func initSchema(ctx context.Context, db *sql.DB, log *zap.Logger) error {
	if _, err := migration.Run(ctx, db, migrations, "migrations", log); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
