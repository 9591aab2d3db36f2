// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// Bearerトークン認証、JWTの発行と検証、構造化リクエストログ、パニックリカバリ、
// CORS設定など、gatewayとuserサービスで共通して使用するミドルウェアを含む。
package middleware
