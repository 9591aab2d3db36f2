package message

import (
	"time"
)

// NotificationType は通知チャネルの種類を表す。ブローカーのルーティングキーとしても使用する。
type NotificationType string

const (
	// TypeEmail はメール通知を表す。
	TypeEmail NotificationType = "email"
	// TypePush はプッシュ通知を表す。
	TypePush NotificationType = "push"
)

// Valid は既知の通知チャネルかどうかを返す。
func (t NotificationType) Valid() bool {
	return t == TypeEmail || t == TypePush
}

// Status は通知の配信状態を表す。
type Status string

const (
	// StatusPending は配信待ちを表す。
	StatusPending Status = "pending"
	// StatusDelivered は配信完了を表す。終端状態。
	StatusDelivered Status = "delivered"
	// StatusFailed は配信失敗を表す。終端状態。
	StatusFailed Status = "failed"
)

// Valid は既知の配信状態かどうかを返す。
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

// IsTerminal は終端状態（delivered または failed）かどうかを返す。
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Variables はテンプレートに埋め込む変数。
type Variables struct {
	// Name は宛先ユーザーの表示名。
	Name string `json:"name"`
	// Link はテンプレート内で使用するURL。
	Link string `json:"link"`
	// Meta は任意の追加変数。
	Meta map[string]any `json:"meta,omitempty"`
}

// Metadata は配信メッセージの付帯情報。
type Metadata struct {
	// Timestamp はメッセージを生成した日時。
	Timestamp time.Time `json:"timestamp"`
	// RetryCount は配信ワーカーによる再試行回数。生成時は0。
	RetryCount int `json:"retry_count"`
}

// DeliveryMessage はブローカーに発行する配信メッセージ。
// 件名や本文は含めず、テンプレートの描画は配信ワーカーに委ねる。
type DeliveryMessage struct {
	// NotificationID は通知の一意識別子（UUID）。
	NotificationID string `json:"notification_id"`
	// NotificationType は通知チャネル。
	NotificationType NotificationType `json:"notification_type"`
	// UserID は宛先ユーザーのID。
	UserID string `json:"user_id"`
	// Recipient は解決済みの宛先（メールアドレスまたはプッシュトークン）。
	Recipient string `json:"recipient"`
	// TemplateCode は配信ワーカーが使用するテンプレートの識別子。
	TemplateCode string `json:"template_code"`
	// Variables はテンプレート変数。
	Variables Variables `json:"variables"`
	// Priority は優先度（1=高, 2=通常, 3=低）。
	Priority int `json:"priority"`
	// Metadata はメッセージの付帯情報。
	Metadata Metadata `json:"metadata"`
}

// NewDeliveryMessage は再試行回数0、現在時刻付きの配信メッセージを生成する。
func NewDeliveryMessage(notificationID string, notificationType NotificationType, userID, recipient, templateCode string, vars Variables, priority int) DeliveryMessage {
	return DeliveryMessage{
		NotificationID:   notificationID,
		NotificationType: notificationType,
		UserID:           userID,
		Recipient:        recipient,
		TemplateCode:     templateCode,
		Variables:        vars,
		Priority:         priority,
		Metadata: Metadata{
			Timestamp:  time.Now().UTC(),
			RetryCount: 0,
		},
	}
}

// Record はステータスストアに保存する通知レコード。
// 一定時間で失効するキャッシュであり、永続的な台帳ではない。
type Record struct {
	// NotificationID は通知の一意識別子。
	NotificationID string `json:"notification_id"`
	// Status は現在の配信状態。
	Status Status `json:"status"`
	// NotificationType は通知チャネル。
	NotificationType NotificationType `json:"notification_type"`
	// UserID は宛先ユーザーのID。
	UserID string `json:"user_id"`
	// Recipient は解決済みの宛先。
	Recipient string `json:"recipient"`
	// RequestID は呼び出し元が指定した相関ID。
	RequestID string `json:"request_id"`
	// CreatedAt はレコードの作成日時。
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt は最後にステータスが更新された日時。
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	// Error は配信失敗時のエラー内容。
	Error string `json:"error,omitempty"`
}
