package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/pribylovaa/examprep-console/internal/clients/interceptors"
)

// RequestID обеспечивает наличие X-Request-Id:
//  1. читает заголовок X-Request-Id, если есть;
//  2. иначе генерирует UUID;
//  3. кладёт id в заголовок ответа и в контекст по ключу interceptors.CtxRequestID.
//
// В апстрим прокси id не уходит: пересылаются только Authorization и Content-Type.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(interceptors.HeaderRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(interceptors.HeaderRequestID, id)

			ctx := interceptors.WithRequestID(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDFrom возвращает id запроса из контекста ("" если нет).
func RequestIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(interceptors.CtxRequestID).(string)
	return id
}
