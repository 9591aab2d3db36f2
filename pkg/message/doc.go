// Package message は通知配信で共有するメッセージとレコードの型を提供する。
//
// ブローカーに載せる配信メッセージ（DeliveryMessage）と、ステータスストアに
// 保存する通知レコード（Record）はGatewayと配信ワーカーの間の契約であり、
// JSONのフィールド名は変更しないこと。
package message
