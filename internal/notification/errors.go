package notification

import (
	"errors"
	"net/http"

	"github.com/nao1215/notifyhub/pkg/broker"
	"github.com/nao1215/notifyhub/pkg/statusstore"
)

var (
	// ErrValidation はリクエストの形式が不正であることを表す。外部呼び出しの前に返される。
	ErrValidation = errors.New("リクエストが不正です")
	// ErrUserNotFound は宛先ユーザーを解決できなかったことを表す。
	ErrUserNotFound = errors.New("ユーザーが見つかりません")
	// ErrPreferenceDenied はユーザーが該当チャネルの通知を無効にしていることを表す。
	ErrPreferenceDenied = errors.New("ユーザーがこの種類の通知を無効にしています")
	// ErrRecipientUnavailable はユーザーに該当チャネルの宛先が登録されていないことを表す。
	ErrRecipientUnavailable = errors.New("宛先が登録されていません")
	// ErrNotFound は通知レコードが存在しない、または失効していることを表す。
	ErrNotFound = errors.New("通知が見つかりません")
	// ErrInvalidTransition は終端状態からpendingへ戻す更新であることを表す。
	ErrInvalidTransition = errors.New("終端状態の通知をpendingに戻すことはできません")
)

// httpStatus はエラーをHTTPステータスコードに変換する。
func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrPreferenceDenied),
		errors.Is(err, ErrRecipientUnavailable):
		return http.StatusBadRequest
	case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, statusstore.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, broker.ErrUnavailable), errors.Is(err, statusstore.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage は利用者に返すエラーメッセージを返す。
// 依存先の障害は内部の詳細を含めず、障害の種類だけを伝える。
func publicMessage(err error) string {
	switch {
	case errors.Is(err, broker.ErrUnavailable):
		return "メッセージブローカーが利用できません"
	case errors.Is(err, statusstore.ErrUnavailable):
		return "ステータスストアが利用できません"
	case httpStatus(err) == http.StatusInternalServerError:
		return "内部サーバーエラーが発生しました"
	default:
		return err.Error()
	}
}
