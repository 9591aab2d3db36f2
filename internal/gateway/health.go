package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// healthCheckTimeout は1つのヘルスチェックに許す時間。
const healthCheckTimeout = 2 * time.Second

// HealthCheck は依存先の死活確認。
type HealthCheck struct {
	// Name はチェック対象の名前（例: "broker", "store"）。
	Name string
	// Check は依存先が利用可能ならnilを返す。
	Check func(ctx context.Context) error
}

// healthResponse はヘルスチェックのJSONレスポンス構造。
type healthResponse struct {
	// Status は全体の状態（ok または degraded）。
	Status string `json:"status"`
	// Checks は依存先ごとの状態。
	Checks map[string]string `json:"checks"`
	// Timestamp は確認した日時。
	Timestamp time.Time `json:"timestamp"`
}

// handleHealth は依存先の死活を返すハンドラ。1つでも失敗していれば503を返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := healthResponse{
			Status:    "ok",
			Checks:    make(map[string]string, len(s.checks)),
			Timestamp: time.Now().UTC(),
		}
		code := http.StatusOK

		for _, hc := range s.checks {
			ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
			err := hc.Check(ctx)
			cancel()
			if err != nil {
				resp.Checks[hc.Name] = err.Error()
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[hc.Name] = "ok"
		}

		c.JSON(code, resp)
	}
}
