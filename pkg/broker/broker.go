package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/pkg/message"
)

const defaultPublishTimeout = 5 * time.Second

var (
	// ErrUnavailable はブローカーに発行できなかったことを表す。
	// 未接続、接続断、nack、確認応答のタイムアウトを含む。
	ErrUnavailable = errors.New("メッセージブローカーが利用できません")
	// ErrUnroutable はルーティングキーに対応するキューが存在しないことを表す。
	ErrUnroutable = errors.New("ルーティングキーに対応するキューがありません")
	// ErrOutcomeUnknown は確認応答を待つ前に打ち切られ、ブローカーが受理したか分からないことを表す。
	ErrOutcomeUnknown = errors.New("発行結果が不明です")
)

// Broker は共有の接続とチャネルを1つずつ保持し、すべての発行で再利用する。
// チャネルへのアクセスはミューテックスで直列化する。
type Broker struct {
	// url はRabbitMQの接続URL。
	url string
	// dial は接続を確立する関数。
	dial Dialer
	// messageTTL は配信キューのメッセージTTL。
	messageTTL time.Duration
	// publishTimeout は発行と確認応答待ちのタイムアウト。
	publishTimeout time.Duration
	// log は構造化ロガー。
	log *zap.Logger

	// mu はconnとchを保護する。
	mu sync.Mutex
	// conn は現在の接続。未接続の場合はnil。
	conn Connection
	// ch は現在のチャネル。未接続の場合はnil。
	ch Channel
}

// Option はBrokerの設定を変更する関数。
type Option func(*Broker)

// WithDialer は接続に使用する関数を差し替える。
func WithDialer(dial Dialer) Option {
	return func(b *Broker) {
		b.dial = dial
	}
}

// WithMessageTTL は配信キューのメッセージTTLを設定する。
func WithMessageTTL(ttl time.Duration) Option {
	return func(b *Broker) {
		if ttl > 0 {
			b.messageTTL = ttl
		}
	}
}

// WithPublishTimeout は発行と確認応答待ちのタイムアウトを設定する。
func WithPublishTimeout(timeout time.Duration) Option {
	return func(b *Broker) {
		if timeout > 0 {
			b.publishTimeout = timeout
		}
	}
}

// WithLogger はロガーを設定する。
func WithLogger(log *zap.Logger) Option {
	return func(b *Broker) {
		b.log = log
	}
}

// New は未接続のBrokerを生成する。使用前にConnectを呼ぶこと。
func New(url string, opts ...Option) *Broker {
	b := &Broker{
		url:            url,
		dial:           DialAMQP,
		messageTTL:     DefaultMessageTTL,
		publishTimeout: defaultPublishTimeout,
		log:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect は接続とチャネルを確立し、発行確認モードにしてトポロジーを宣言する。
// 既に接続済みの場合は何もしない。
func (b *Broker) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateMessageTTL(b.messageTTL); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ch != nil {
		return nil
	}

	conn, err := b.dial(b.url)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("%w: 発行確認モードの設定に失敗: %w", ErrUnavailable, err)
	}

	if err := DeclareTopology(ch, b.messageTTL); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	b.conn = conn
	b.ch = ch
	go b.watch(conn, conn.NotifyClose(make(chan *amqp.Error, 1)), ch.NotifyClose(make(chan *amqp.Error, 1)))

	b.log.Info("RabbitMQに接続しました", zap.String("exchange", ExchangeName))
	return nil
}

// watch は接続またはチャネルが閉じられたら共有ハンドルを破棄する。
// 以降の発行は再接続されるまで即座に失敗する。
func (b *Broker) watch(conn Connection, connClosed, chClosed chan *amqp.Error) {
	var reason *amqp.Error
	select {
	case reason = <-connClosed:
	case reason = <-chClosed:
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != conn {
		return
	}
	if b.ch != nil {
		_ = b.ch.Close()
	}
	_ = b.conn.Close()
	b.conn = nil
	b.ch = nil

	if reason != nil {
		b.log.Warn("RabbitMQとの接続が失われました", zap.String("reason", reason.Error()))
	}
}

// Connected は現在発行可能な状態かどうかを返す。
func (b *Broker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch != nil
}

// Ping は発行可能な状態でなければErrUnavailableを返す。ヘルスチェック用。
func (b *Broker) Ping(_ context.Context) error {
	if !b.Connected() {
		return fmt.Errorf("%w: 接続されていません", ErrUnavailable)
	}
	return nil
}

// Close はチャネルと接続を閉じる。
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return nil
	}
	var errs []error
	if err := b.ch.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := b.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	b.conn = nil
	b.ch = nil
	b.log.Info("RabbitMQとの接続を閉じました")
	return errors.Join(errs...)
}

// Publish は配信メッセージをメイン交換機に永続メッセージとして発行する。
// ブローカーがackを返した場合のみ成功とする。内部で再試行はしない。
func (b *Broker) Publish(ctx context.Context, routingKey string, msg message.DeliveryMessage) error {
	if !IsRoutable(routingKey) {
		return fmt.Errorf("%w: %s", ErrUnroutable, routingKey)
	}

	body, err := message.Encode(msg)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ch == nil {
		return fmt.Errorf("%w: 接続が確立されていません", ErrUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()

	confirm, err := b.ch.Publish(ctx, ExchangeName, routingKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    msg.NotificationID,
		Body:         body,
	})
	if err != nil {
		b.log.Error("メッセージの発行に失敗",
			zap.String("routing_key", routingKey),
			zap.String("notification_id", msg.NotificationID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// メッセージは送信済みで、ブローカーが受理している可能性がある
			b.log.Warn("確認応答を待つ前に打ち切られたため発行結果が不明です",
				zap.String("routing_key", routingKey),
				zap.String("message_id", msg.NotificationID),
				zap.Error(err),
			)
			return fmt.Errorf("%w: %w: %w", ErrUnavailable, ErrOutcomeUnknown, err)
		}
		return fmt.Errorf("%w: 確認応答を受信できません: %w", ErrUnavailable, err)
	}
	if !acked {
		b.log.Error("ブローカーがメッセージを拒否しました",
			zap.String("routing_key", routingKey),
			zap.String("notification_id", msg.NotificationID),
		)
		return fmt.Errorf("%w: nackを受信しました", ErrUnavailable)
	}

	b.log.Info("メッセージを発行しました",
		zap.String("routing_key", routingKey),
		zap.String("notification_id", msg.NotificationID),
	)
	return nil
}

// Supervise は接続が失われている間、interval毎に再接続を試みる。
// ctxがキャンセルされるまでブロックする。発行処理とは独立して動作する。
func (b *Broker) Supervise(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.Connected() {
				continue
			}
			if err := b.Connect(ctx); err != nil {
				b.log.Warn("RabbitMQへの再接続に失敗", zap.Error(err))
				continue
			}
			b.log.Info("RabbitMQに再接続しました")
		}
	}
}
