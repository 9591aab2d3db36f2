package gateway

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/pkg/middleware"
	"github.com/nao1215/notifyhub/pkg/response"
)

// maxProxyBody は転送するレスポンスボディの上限。
const maxProxyBody = 1 << 20

// handleProxy はディレクトリサービスの指定パスにリクエストを転送するハンドラを返す。
func (s *Server) handleProxy(path string) gin.HandlerFunc {
	return func(c *gin.Context) {
		proxyURL := s.cfg.UserServiceURL + path
		if c.Request.URL.RawQuery != "" {
			proxyURL += "?" + c.Request.URL.RawQuery
		}
		s.doProxy(c, c.Request.Method, proxyURL)
	}
}

// doProxy はリクエストをディレクトリサービスに転送する共通処理。
// 上流のステータスコードとボディをそのまま返す。
func (s *Server) doProxy(c *gin.Context, method, url string) {
	req, err := http.NewRequestWithContext(c.Request.Context(), method, url, c.Request.Body)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, "プロキシリクエストの作成に失敗しました")
		return
	}

	// 元のリクエストヘッダーを転送
	if ct := c.GetHeader("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	if p, ok := middleware.PrincipalFromContext(c.Request.Context()); ok {
		req.Header.Set("Authorization", "Bearer "+p.Token)
		req.Header.Set("X-User-ID", p.UserID)
	} else if authz := c.GetHeader("Authorization"); authz != "" {
		req.Header.Set("Authorization", authz)
	}

	resp, err := s.proxyClient.Do(req)
	if err != nil {
		s.log.Warn("プロキシエラー", zap.String("url", url), zap.Error(err))
		response.Fail(c, http.StatusBadGateway, "ユーザーディレクトリとの通信に失敗しました")
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProxyBody))
	if err != nil {
		response.Fail(c, http.StatusBadGateway, "レスポンスの読み取りに失敗しました")
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, body)
}
