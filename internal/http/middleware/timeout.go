package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrServiceTimeout — причина отмены контекста входящего запроса по общему дедлайну шлюза.
// Прокси отдаёт её в поле error конверта сбоя.
var ErrServiceTimeout = errors.New("gateway deadline exceeded")

// Timeout навешивает общий deadline на входящий запрос, если его ещё нет.
// Значение <=0 делает мидлвар no-op.
func Timeout(d time.Duration) Middleware {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := r.Context().Deadline(); ok {
				next.ServeHTTP(w, r)
				return
			}

			ctx, cancel := context.WithTimeoutCause(r.Context(), d, ErrServiceTimeout)
			defer cancel()

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
