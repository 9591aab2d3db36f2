// Package broker はRabbitMQへの通知メッセージ発行とトポロジー管理を提供する。
//
// メイン交換機 notifications.direct にルーティングキー email / push で発行し、
// 各配信キューはメッセージTTLとデッドレター交換機 dlx.notifications を持つ。
// 期限切れや拒否されたメッセージはブローカー側で failed.queue に回送される。
// 消費側の再試行ロジックは持たず、トポロジーの確立と発行の契約のみを扱う。
package broker
