package middleware

import (
	"log/slog"
	"net/http"

	apierrors "github.com/pribylovaa/examprep-console/internal/errors"
	logctx "github.com/pribylovaa/examprep-console/pkg/log"
)

// Recover перехватывает panic и отвечает конвертом прокси 500
// {"message":"Proxy request failed","error":"internal error"}. Детали паники не утекают на клиент.
func Recover() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := newStatusWriter(w)

			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				logctx.From(r.Context()).
					LogAttrs(r.Context(), slog.LevelError, "panic",
						slog.String("path", r.URL.Path),
						slog.Any("reason", rec),
					)

				if !sw.wrote {
					apierrors.WriteProxyFailure(sw, "internal error")
				}
			}()

			next.ServeHTTP(sw, r)
		})
	}
}
