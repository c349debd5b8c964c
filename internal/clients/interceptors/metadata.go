// interceptors — цепочка http.RoundTripper для исходящих вызовов HTTP-клиента консоли.
package interceptors

import (
	"context"
	"net/http"
)

type CtxKey string

const CtxRequestID CtxKey = "request_id"

const HeaderRequestID = "X-Request-Id"

// Middleware оборачивает транспорт.
type Middleware func(next http.RoundTripper) http.RoundTripper

// RoundTripFunc — адаптер функции к http.RoundTripper.
type RoundTripFunc func(*http.Request) (*http.Response, error)

func (f RoundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// Chain собирает транспорт: первый middleware оказывается внешним.
// base == nil -> http.DefaultTransport.
func Chain(base http.RoundTripper, mws ...Middleware) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}

	rt := base
	for i := len(mws) - 1; i >= 0; i-- {
		rt = mws[i](rt)
	}

	return rt
}

// WithRequestID кладёт request_id в контекст; ClientWithMetadata отправит его апстриму.
func WithRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, CtxRequestID, rid)
}

// ClientWithMetadata — добавляет в исходящий запрос заголовки:
//   - X-Request-Id (если есть в контексте и ещё не выставлен),
//   - User-Agent (если передан параметром).
//
// Исходный *http.Request не изменяется.
func ClientWithMetadata(userAgent string) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripFunc(func(r *http.Request) (*http.Response, error) {
			var rid string
			if v := r.Context().Value(CtxRequestID); v != nil {
				rid, _ = v.(string)
			}

			setRID := rid != "" && r.Header.Get(HeaderRequestID) == ""
			if !setRID && userAgent == "" {
				return next.RoundTrip(r)
			}

			r = r.Clone(r.Context())
			if setRID {
				r.Header.Set(HeaderRequestID, rid)
			}
			if userAgent != "" {
				r.Header.Set("User-Agent", userAgent)
			}

			return next.RoundTrip(r)
		})
	}
}
