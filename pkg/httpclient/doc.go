// Package httpclient はサービス間のHTTP通信を行うJSONクライアントを提供する。
//
// ユーザーディレクトリの参照やトークン検証など、上流サービスの呼び出しで使用する。
// 2xx以外の応答はStatusErrorとして返し、呼び出し側が401や404といった
// 上流のステータスを区別できるようにする。
package httpclient
