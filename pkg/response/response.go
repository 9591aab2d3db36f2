// Package response はHTTP APIの共通レスポンス形式を提供する。
//
// すべてのエンドポイントは {success, message, data, error} の形式で応答する。
package response

import (
	"github.com/gin-gonic/gin"
)

// Envelope は共通レスポンスの形式。
type Envelope struct {
	// Success は処理が成功したかどうか。
	Success bool `json:"success"`
	// Message は利用者向けのメッセージ。
	Message string `json:"message,omitempty"`
	// Data は処理結果。
	Data any `json:"data,omitempty"`
	// Error は失敗時のエラー内容。
	Error string `json:"error,omitempty"`
}

// OK は成功レスポンスを書き込む。
func OK(c *gin.Context, status int, message string, data any) {
	c.JSON(status, Envelope{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// Fail は失敗レスポンスを書き込む。
func Fail(c *gin.Context, status int, message string) {
	c.JSON(status, Envelope{
		Success: false,
		Error:   message,
	})
}

// Abort は失敗レスポンスを書き込み、後続のハンドラを実行しない。
func Abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, Envelope{
		Success: false,
		Error:   message,
	})
}
