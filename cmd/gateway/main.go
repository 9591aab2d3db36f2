// API Gatewayサービスのエントリポイント。
// Bearerトークンを検証したうえで通知の受付・参照・更新を提供し、
// ユーザーAPIをディレクトリサービスへ転送する。外部からアクセス可能な唯一のサービス。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/internal/config"
	"github.com/nao1215/notifyhub/internal/gateway"
	"github.com/nao1215/notifyhub/internal/notification"
	"github.com/nao1215/notifyhub/pkg/broker"
	"github.com/nao1215/notifyhub/pkg/directory"
	"github.com/nao1215/notifyhub/pkg/logger"
	"github.com/nao1215/notifyhub/pkg/statusstore"
)

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	logg, err := logger.New("gateway", cfg.LogLevel)
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer func() { _ = logg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := statusstore.Connect(ctx, cfg.RedisURL,
		statusstore.WithStatusTTL(cfg.StatusTTL),
		statusstore.WithTimeout(cfg.StoreTimeout),
		statusstore.WithLogger(logg),
	)
	if err != nil {
		logg.Fatal("Redisへの接続に失敗", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	b := broker.New(cfg.RabbitMQURL,
		broker.WithMessageTTL(cfg.QueueMessageTTL),
		broker.WithPublishTimeout(cfg.PublishTimeout),
		broker.WithLogger(logg),
	)
	if err := b.Connect(ctx); err != nil {
		// 接続できるまでの間、発行は即座に失敗する
		logg.Warn("RabbitMQに接続できません。再接続を待ちます", zap.Error(err))
	}
	defer func() { _ = b.Close() }()
	go b.Supervise(ctx, cfg.ReconnectInterval)

	dir := directory.New(cfg.UserServiceURL,
		directory.WithTimeout(cfg.DirectoryTimeout),
		directory.WithLogger(logg),
	)
	var users notification.Directory = dir
	if cfg.UserCacheTTL > 0 {
		users = directory.NewCached(dir, store, cfg.UserCacheTTL)
	}

	svc := notification.NewService(users, b, store, notification.WithLogger(logg))
	server := gateway.NewServer(*cfg, gateway.Deps{
		Notifications: notification.NewHandler(svc, logg),
		Auth:          gateway.DirectoryValidator(dir),
		Checks: []gateway.HealthCheck{
			{Name: "broker", Check: b.Ping},
			{Name: "store", Check: store.Ping},
		},
		Log: logg,
	})

	if err := server.Run(ctx); err != nil {
		logg.Fatal("Gatewayサービスの起動に失敗", zap.Error(err))
	}
}
