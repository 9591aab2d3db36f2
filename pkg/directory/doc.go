// Package directory は外部ユーザーディレクトリ（アイデンティティサービス）のクライアントを提供する。
//
// ユーザープロファイルの取得とアクセストークンの検証のみを行う薄いアダプタ。
// 上流の404・401・それ以外の失敗をそれぞれ別のエラーとして返す。
// 連続した通信障害ではサーキットブレーカーが開き、ネットワークに触れずに失敗する。
package directory
