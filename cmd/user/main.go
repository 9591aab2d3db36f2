// 開発用ユーザーディレクトリサービスのエントリポイント。
// ユーザー登録・ログイン・プロファイル参照を提供し、Gatewayからの参照先となる。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/internal/config"
	"github.com/nao1215/notifyhub/internal/user"
	"github.com/nao1215/notifyhub/pkg/logger"
)

func main() {
	cfg, err := config.LoadUser()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	logg, err := logger.New("user", cfg.LogLevel)
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer func() { _ = logg.Sync() }()

	server, err := user.NewServer(*cfg, logg)
	if err != nil {
		logg.Fatal("ユーザーディレクトリサーバーの初期化に失敗", zap.Error(err))
	}
	defer func() { _ = server.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		logg.Fatal("ユーザーディレクトリサービスの起動に失敗", zap.Error(err))
	}
}
