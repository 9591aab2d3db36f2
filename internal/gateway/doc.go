// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線として機能する。
// Bearerトークンをユーザーディレクトリで検証したうえで通知APIを提供し、
// ユーザー登録・ログイン・プロファイル参照をディレクトリサービスに転送する。
package gateway
