package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/hitoshi/vanish/internal/model"
)

// retryAfterSeconds は一時障害の応答に付けるRetry-Afterの既定値。
// 同期キューはこれとは別に自前の指数バックオフを持つ。
const retryAfterSeconds = 1

// ErrorResponseBody はエラー応答のJSON。
// kindはクライアントが再送するかどうかの判断に使う分類で、model.ErrorKindの値をとる。
type ErrorResponseBody struct {
	Code      string `json:"code"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
	Message   string `json:"message"`
	Category  string `json:"category"`
	Action    string `json:"action"`
}

// internalError は原因を隠した500応答の本文。
var internalError = &model.APIError{
	Code:     "INTERNAL_ERROR",
	Message:  "内部エラーが発生しました。",
	Category: "system",
	Action:   "しばらく待ってから再度お試しください。",
}

// WriteErrorResponse はapiErrをstatusCodeで書き込む。
// apiErr.Errは応答に含めない。
// 再試行できる分類で、呼び出し側がRetry-Afterを設定していなければ既定値を付ける。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	retryable := model.IsRetryable(apiErr)
	h := w.Header()
	h.Set("Content-Type", "application/json")
	if retryable && h.Get("Retry-After") == "" {
		h.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:      apiErr.Code,
		Kind:      string(model.KindOf(apiErr)),
		Retryable: retryable,
		Message:   apiErr.Message,
		Category:  apiErr.Category,
		Action:    apiErr.Action,
	})
}

// WriteInternalServerError はパニックや分類外のエラーに対する500を書き込む。
// 詳細はログにのみ残す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, internalError)
}
