// Package notification は通知の受付・状態管理を行うオーケストレーターを提供する。
//
// 通知リクエストを検証し、ユーザーディレクトリで宛先と受信設定を確認したうえで
// 配信メッセージをブローカーに発行し、TTL付きのステータスレコードを作成する。
// 配信ワーカーからのステータス更新と、ステータスの参照もこのパッケージが扱う。
package notification
