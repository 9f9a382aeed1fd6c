package middleware

import (
	"log/slog"
	"net/http"
)

// NewOriginCheckMiddleware は状態変更メソッドのOriginヘッダーを検証する
// ミドルウェアを返す（CSRF対策）。
// 安全なメソッド（GET, HEAD, OPTIONS）と、Originヘッダーを送らない
// クライアント（同一オリジンのフォーム以外、CLIなど）は通過させる。
// Originが存在して許可リストに無い場合のみ403で拒否する。
func NewOriginCheckMiddleware(allowedOrigins ...string) func(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin != "" {
			allowed[origin] = true
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			origin := r.Header.Get("Origin")
			if origin != "" && !allowed[origin] {
				slog.Warn("origin check failed",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("origin", origin),
				)
				http.Error(w, "forbidden origin", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// isSafeMethod は状態を変更しないHTTPメソッドかどうかを返す。
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
