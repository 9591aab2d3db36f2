package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/pkg/broker"
	"github.com/nao1215/notifyhub/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testAuth は "Bearer valid" だけを受け付ける認証ミドルウェア。
func testAuth() gin.HandlerFunc {
	return middleware.BearerAuth(middleware.TokenValidatorFunc(func(_ context.Context, token string) (*middleware.Principal, error) {
		if token != "valid" {
			return nil, middleware.ErrInvalidToken
		}
		return &middleware.Principal{UserID: testUserID}, nil
	}), zap.NewNop())
}

func newTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()

	f := newFixture(t)
	router := gin.New()
	NewHandler(f.svc, zap.NewNop()).RegisterRoutes(router, testAuth())
	return router, f
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, authorized bool) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authorized {
		req.Header.Set("Authorization", "Bearer valid")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), "body: %s", w.Body.String())
	return w, env
}

func scenarioBody() map[string]any {
	return map[string]any{
		"notification_type": "email",
		"user_id":           testUserID,
		"template_code":     "welcome",
		"variables":         map[string]any{"link": "https://x"},
		"request_id":        "r1",
		"priority":          1,
	}
}

func TestHandler_Create(t *testing.T) {
	t.Parallel()

	for _, path := range []string{"/notifications", "/notifications/send"} {
		t.Run(path+"で通知を受け付けること", func(t *testing.T) {
			t.Parallel()
			router, f := newTestRouter(t)

			w, env := doJSON(t, router, http.MethodPost, path, scenarioBody(), true)
			require.Equal(t, http.StatusOK, w.Code)
			assert.True(t, env.Success)
			assert.NotEmpty(t, env.Message)

			var data CreateResult
			require.NoError(t, json.Unmarshal(env.Data, &data))
			assert.Equal(t, "pending", string(data.Status))
			assert.Equal(t, "r1", data.RequestID)
			assert.NotEmpty(t, data.NotificationID)

			require.Len(t, f.pub.sent, 1)
			assert.Equal(t, "email", f.pub.sent[0].routingKey)
			assert.Equal(t, "a@b.com", f.pub.sent[0].msg.Recipient)
		})
	}

	t.Run("受信設定が無効なユーザーはエラーを返し発行しないこと", func(t *testing.T) {
		t.Parallel()
		router, f := newTestRouter(t)

		body := scenarioBody()
		body["user_id"] = otherUserID
		w, env := doJSON(t, router, http.MethodPost, "/notifications", body, true)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.False(t, env.Success)
		assert.NotEmpty(t, env.Error)
		assert.Zero(t, f.pub.count())
	})

	t.Run("トークンが無い場合は401でオーケストレーターに到達しないこと", func(t *testing.T) {
		t.Parallel()
		router, f := newTestRouter(t)

		w, _ := doJSON(t, router, http.MethodPost, "/notifications", scenarioBody(), false)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Zero(t, f.dir.calls)
		assert.Zero(t, f.pub.count())
	})

	t.Run("不正なJSONは400になること", func(t *testing.T) {
		t.Parallel()
		router, _ := newTestRouter(t)

		w, env := doJSON(t, router, http.MethodPost, "/notifications", `{"notification_type":`, true)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.False(t, env.Success)
	})

	t.Run("型が違うフィールドは400になること", func(t *testing.T) {
		t.Parallel()
		router, _ := newTestRouter(t)

		body := scenarioBody()
		body["priority"] = "high"
		w, _ := doJSON(t, router, http.MethodPost, "/notifications", body, true)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("存在しないユーザーは404になること", func(t *testing.T) {
		t.Parallel()
		router, _ := newTestRouter(t)

		body := scenarioBody()
		body["user_id"] = "11111111-2222-4333-8444-555555555555"
		w, _ := doJSON(t, router, http.MethodPost, "/notifications", body, true)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("ブローカー障害は503になること", func(t *testing.T) {
		t.Parallel()
		router, f := newTestRouter(t)

		f.pub.err = fmt.Errorf("%w: connection closed", broker.ErrUnavailable)
		w, env := doJSON(t, router, http.MethodPost, "/notifications", scenarioBody(), true)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "メッセージブローカーが利用できません", env.Error)
	})
}

func TestHandler_Status(t *testing.T) {
	t.Parallel()

	create := func(t *testing.T, router http.Handler) string {
		t.Helper()
		w, env := doJSON(t, router, http.MethodPost, "/notifications", scenarioBody(), true)
		require.Equal(t, http.StatusOK, w.Code)
		var data CreateResult
		require.NoError(t, json.Unmarshal(env.Data, &data))
		return data.NotificationID
	}

	t.Run("作成直後のステータスはpendingであること", func(t *testing.T) {
		t.Parallel()
		router, _ := newTestRouter(t)
		id := create(t, router)

		w, env := doJSON(t, router, http.MethodGet, "/notifications/"+id+"/status", nil, true)
		require.Equal(t, http.StatusOK, w.Code)

		var rec map[string]any
		require.NoError(t, json.Unmarshal(env.Data, &rec))
		assert.Equal(t, id, rec["notification_id"])
		assert.Equal(t, "pending", rec["status"])
		assert.Equal(t, "a@b.com", rec["recipient"])
	})

	t.Run("ステータス参照には認証が必要であること", func(t *testing.T) {
		t.Parallel()
		router, _ := newTestRouter(t)
		id := create(t, router)

		w, _ := doJSON(t, router, http.MethodGet, "/notifications/"+id+"/status", nil, false)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("配信ワーカーは認証なしでステータスを更新できること", func(t *testing.T) {
		t.Parallel()
		router, _ := newTestRouter(t)
		id := create(t, router)

		w, env := doJSON(t, router, http.MethodPost, "/notifications/email/status", map[string]any{
			"notification_id": id,
			"status":          "delivered",
			"timestamp":       "2026-03-04T06:00:00Z",
		}, false)
		require.Equal(t, http.StatusOK, w.Code)

		var data map[string]string
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.Equal(t, id, data["notification_id"])
		assert.Equal(t, "delivered", data["status"])

		_, env = doJSON(t, router, http.MethodGet, "/notifications/"+id+"/status", nil, true)
		var rec map[string]any
		require.NoError(t, json.Unmarshal(env.Data, &rec))
		assert.Equal(t, "delivered", rec["status"])
		assert.Equal(t, "2026-03-04T06:00:00Z", rec["updated_at"])
	})

	t.Run("終端状態からpendingへの更新は409になること", func(t *testing.T) {
		t.Parallel()
		router, _ := newTestRouter(t)
		id := create(t, router)

		w, _ := doJSON(t, router, http.MethodPost, "/notifications/email/status", map[string]any{
			"notification_id": id, "status": "failed", "error": "bounced",
		}, false)
		require.Equal(t, http.StatusOK, w.Code)

		w, _ = doJSON(t, router, http.MethodPost, "/notifications/email/status", map[string]any{
			"notification_id": id, "status": "pending",
		}, false)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("未知のIDの参照と更新は404になること", func(t *testing.T) {
		t.Parallel()
		router, _ := newTestRouter(t)

		w, _ := doJSON(t, router, http.MethodGet, "/notifications/unknown/status", nil, true)
		assert.Equal(t, http.StatusNotFound, w.Code)

		w, _ = doJSON(t, router, http.MethodPost, "/notifications/email/status", map[string]any{
			"notification_id": "unknown", "status": "delivered",
		}, false)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("不正なタイムスタンプは400になること", func(t *testing.T) {
		t.Parallel()
		router, _ := newTestRouter(t)
		id := create(t, router)

		w, _ := doJSON(t, router, http.MethodPost, "/notifications/email/status", map[string]any{
			"notification_id": id, "status": "delivered", "timestamp": "yesterday",
		}, false)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
