package broker

import (
	"errors"
	"fmt"
	"math"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// ExchangeName はメインのdirect交換機。
	ExchangeName = "notifications.direct"
	// DeadLetterExchangeName はデッドレター交換機。
	DeadLetterExchangeName = "dlx.notifications"

	// EmailQueue はメール配信キュー。
	EmailQueue = "email.queue"
	// PushQueue はプッシュ配信キュー。
	PushQueue = "push.queue"
	// FailedQueue はデッドレターキュー。
	FailedQueue = "failed.queue"

	// RoutingKeyEmail はメール配信キューのルーティングキー。
	RoutingKeyEmail = "email"
	// RoutingKeyPush はプッシュ配信キューのルーティングキー。
	RoutingKeyPush = "push"
	// RoutingKeyFailed はデッドレターキューのルーティングキー。
	RoutingKeyFailed = "failed"

	// DefaultMessageTTL は配信キューのメッセージTTL。
	DefaultMessageTTL = 5 * time.Minute
	// MaxMessageTTL はx-message-ttl（int32のミリ秒）で表せる最大のTTL。
	MaxMessageTTL = time.Duration(math.MaxInt32) * time.Millisecond
)

// ErrInvalidMessageTTL はメッセージTTLがx-message-ttlで表せない範囲にあることを表す。
var ErrInvalidMessageTTL = errors.New("メッセージTTLが範囲外です")

// ValidateMessageTTL はTTLが1ミリ秒以上MaxMessageTTL以下であることを確認する。
func ValidateMessageTTL(ttl time.Duration) error {
	if ttl < time.Millisecond || ttl > MaxMessageTTL {
		return fmt.Errorf("%w: %s（1ms以上%s以下）", ErrInvalidMessageTTL, ttl, MaxMessageTTL)
	}
	return nil
}

// deliveryQueues はメイン交換機にバインドする配信キューとルーティングキーの対応。
var deliveryQueues = []struct {
	name string
	key  string
}{
	{name: EmailQueue, key: RoutingKeyEmail},
	{name: PushQueue, key: RoutingKeyPush},
}

// IsRoutable はルーティングキーに対応する配信キューが存在するかを返す。
func IsRoutable(routingKey string) bool {
	for _, q := range deliveryQueues {
		if q.key == routingKey {
			return true
		}
	}
	return false
}

// DeliveryQueueArgs は配信キューの宣言引数を返す。
// x-message-ttl はミリ秒のint32で送る（既存キューとの引数一致のため型を固定する）。
func DeliveryQueueArgs(messageTTL time.Duration) amqp.Table {
	return amqp.Table{
		"x-message-ttl":             int32(messageTTL.Milliseconds()),
		"x-dead-letter-exchange":    DeadLetterExchangeName,
		"x-dead-letter-routing-key": RoutingKeyFailed,
	}
}

// DeclareTopology は交換機・キュー・バインディングを宣言する。
// すべて永続（durable）で、既に存在する場合は同じ定義であれば何もしない。
func DeclareTopology(ch Channel, messageTTL time.Duration) error {
	if messageTTL <= 0 {
		messageTTL = DefaultMessageTTL
	}
	if err := ValidateMessageTTL(messageTTL); err != nil {
		return err
	}

	for _, exchange := range []string{DeadLetterExchangeName, ExchangeName} {
		if err := ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return fmt.Errorf("交換機 %s の宣言に失敗: %w", exchange, err)
		}
	}

	if _, err := ch.QueueDeclare(FailedQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("キュー %s の宣言に失敗: %w", FailedQueue, err)
	}
	if err := ch.QueueBind(FailedQueue, RoutingKeyFailed, DeadLetterExchangeName, false, nil); err != nil {
		return fmt.Errorf("キュー %s のバインドに失敗: %w", FailedQueue, err)
	}

	for _, q := range deliveryQueues {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, DeliveryQueueArgs(messageTTL)); err != nil {
			return fmt.Errorf("キュー %s の宣言に失敗: %w", q.name, err)
		}
		if err := ch.QueueBind(q.name, q.key, ExchangeName, false, nil); err != nil {
			return fmt.Errorf("キュー %s のバインドに失敗: %w", q.name, err)
		}
	}
	return nil
}
