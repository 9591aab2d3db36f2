// メッセージブローカーのトポロジーを宣言して終了するコマンド。
// 交換機・キュー・デッドレター設定を作成する。宣言は冪等で、何度実行してもよい。
package main

import (
	"context"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/internal/config"
	"github.com/nao1215/notifyhub/pkg/broker"
	"github.com/nao1215/notifyhub/pkg/logger"
)

// declareTimeout はトポロジー宣言全体のタイムアウト。
const declareTimeout = 30 * time.Second

func main() {
	cfg, err := config.LoadTopology()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	logg, err := logger.New("topology", cfg.LogLevel)
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer func() { _ = logg.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), declareTimeout)
	defer cancel()

	b := broker.New(cfg.RabbitMQURL,
		broker.WithMessageTTL(cfg.QueueMessageTTL),
		broker.WithLogger(logg),
	)
	if err := b.Connect(ctx); err != nil {
		logg.Fatal("トポロジーの宣言に失敗", zap.Error(err))
	}
	if err := b.Close(); err != nil {
		logg.Warn("接続のクローズに失敗", zap.Error(err))
	}

	logg.Info("トポロジーを宣言しました",
		zap.Strings("exchanges", []string{broker.ExchangeName, broker.DeadLetterExchangeName}),
		zap.Strings("queues", []string{broker.EmailQueue, broker.PushQueue, broker.FailedQueue}),
	)
}
