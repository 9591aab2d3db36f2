package notification

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/pkg/middleware"
	"github.com/nao1215/notifyhub/pkg/response"
)

// Handler は通知APIのHTTPハンドラ。
type Handler struct {
	// svc はオーケストレーター。
	svc *Service
	// log は構造化ロガー。
	log *zap.Logger
}

// NewHandler は通知APIのハンドラを生成する。
func NewHandler(svc *Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, log: log}
}

// RegisterRoutes は通知APIのルーティングを設定する。
// authは通知の送信と参照に適用する。配信ワーカーが呼び出すステータス更新には適用しない。
func (h *Handler) RegisterRoutes(r gin.IRouter, auth gin.HandlerFunc) {
	notifications := r.Group("/notifications")
	{
		// 通知送信
		notifications.POST("", auth, h.handleCreate())
		notifications.POST("/send", auth, h.handleCreate())
		// ステータス参照
		notifications.GET("/:id/status", auth, h.handleGetStatus())
		// ステータス更新（配信ワーカーから呼び出される）
		notifications.POST("/:type/status", h.handleUpdateStatus())
	}
}

// handleCreate は通知を受け付けるハンドラ。
func (h *Handler) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Fail(c, http.StatusBadRequest, fmt.Sprintf("リクエストが不正です: %v", err))
			return
		}

		if p, ok := middleware.PrincipalFromContext(c.Request.Context()); ok {
			h.log.Debug("通知送信リクエスト",
				zap.String("caller", p.UserID),
				zap.String("request_id", req.RequestID),
			)
		}

		result, err := h.svc.Create(c.Request.Context(), req)
		if err != nil {
			h.fail(c, err)
			return
		}
		response.OK(c, http.StatusOK, "通知をキューに登録しました", result)
	}
}

// updateStatusResponse はステータス更新のJSONレスポンス構造。
type updateStatusResponse struct {
	// NotificationID は通知ID。
	NotificationID string `json:"notification_id"`
	// Status は更新後の状態。
	Status string `json:"status"`
}

// handleUpdateStatus は配信ワーカーからのステータス更新を受け付けるハンドラ。
func (h *Handler) handleUpdateStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Fail(c, http.StatusBadRequest, fmt.Sprintf("リクエストが不正です: %v", err))
			return
		}

		rec, err := h.svc.UpdateStatus(c.Request.Context(), c.Param("type"), req)
		if err != nil {
			h.fail(c, err)
			return
		}
		response.OK(c, http.StatusOK, "ステータスを更新しました", updateStatusResponse{
			NotificationID: rec.NotificationID,
			Status:         string(rec.Status),
		})
	}
}

// handleGetStatus は通知レコードを返すハンドラ。
func (h *Handler) handleGetStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := h.svc.GetStatus(c.Request.Context(), c.Param("id"))
		if err != nil {
			h.fail(c, err)
			return
		}
		response.OK(c, http.StatusOK, "", rec)
	}
}

// fail はエラーをHTTPレスポンスに変換する。5xxはログに記録する。
func (h *Handler) fail(c *gin.Context, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("通知APIの処理に失敗",
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	_ = c.Error(err)
	response.Fail(c, status, publicMessage(err))
}
