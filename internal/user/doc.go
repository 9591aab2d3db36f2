// Package user は開発用のユーザーディレクトリサービスの内部実装を提供する。
//
// 外部のアイデンティティサービスの代わりにローカルで動かすための実装で、
// ユーザー登録、パスワードによるログインとJWT発行、プロファイル参照、
// 通知の受信設定とプッシュトークンの更新を行う。データはSQLiteに保存する。
package user
