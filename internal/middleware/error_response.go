package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/calbridge/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
type ErrorResponseBody struct {
	Error string `json:"error"`
}

// WriteJSON はJSONレスポンスを書き込む。
func WriteJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// WriteError は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteError(w http.ResponseWriter, statusCode int, kind string) {
	WriteJSON(w, statusCode, ErrorResponseBody{Error: kind})
}

// WriteAuthError はAuthErrorをエラー分類に応じたステータスで書き込む。
// 認証系エラーは一律401となり、呼び出し元は再接続を促す判断に使う。
// プロバイダー固有エラーはプロバイダーのステータスがそのまま通る。
func WriteAuthError(w http.ResponseWriter, err *model.AuthError) {
	WriteError(w, err.HTTPStatus(), string(err.Kind))
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteError(w, http.StatusInternalServerError, "internal_error")
}
