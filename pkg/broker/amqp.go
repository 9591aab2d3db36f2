package broker

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection はブローカーとの接続を抽象化したもの。
type Connection interface {
	// Channel は新しいチャネルを開く。
	Channel() (Channel, error)
	// NotifyClose は接続が閉じられた際に通知を受け取るチャネルを登録する。
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	// Close は接続を閉じる。
	Close() error
}

// Channel はトポロジー宣言と発行に必要なチャネル操作を抽象化したもの。
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	// Confirm はチャネルを発行確認モードにする。
	Confirm(noWait bool) error
	// Publish はメッセージを発行し、ブローカーからの確認応答を待つためのハンドルを返す。
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Confirmation はブローカーからの発行確認（ack / nack）を待つハンドル。
type Confirmation interface {
	// WaitContext は確認応答を待ち、ackならtrueを返す。
	WaitContext(ctx context.Context) (bool, error)
}

// Dialer はURLからブローカー接続を確立する関数。
type Dialer func(url string) (Connection, error)

// DialAMQP はamqp091-goでRabbitMQに接続する。
func DialAMQP(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("RabbitMQへの接続に失敗: %w", err)
	}
	return &amqpConnection{conn: conn}, nil
}

// amqpConnection は*amqp.ConnectionをConnectionに適合させる。
type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("チャネルのオープンに失敗: %w", err)
	}
	return &amqpChannel{Channel: ch}, nil
}

func (c *amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

// amqpChannel は*amqp.ChannelをChannelに適合させる。
type amqpChannel struct {
	*amqp.Channel
}

// Publish は遅延確認付きで発行する。mandatoryとimmediateは使用しない。
func (c *amqpChannel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error) {
	dc, err := c.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, errors.New("チャネルが発行確認モードになっていません")
	}
	return dc, nil
}
