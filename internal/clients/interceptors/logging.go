package interceptors

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pribylovaa/examprep-console/pkg/log"
)

// ClientLogging — логирование исходящих HTTP-вызовов.
// Поведение:
//   - берёт X-Request-Id из запроса (или генерирует новый и добавляет);
//   - добавляет поля method/path, прокладывает обогащённый логгер в контекст (pkg/log);
//   - пишет одну финальную запись msg="http_client": status, dur.
//
// Безопасность: не логирует тела и заголовки (Authorization в том числе).
func ClientLogging(base *slog.Logger) Middleware {
	if base == nil {
		base = slog.Default()
	}

	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripFunc(func(r *http.Request) (*http.Response, error) {
			start := time.Now()

			rid := r.Header.Get(HeaderRequestID)
			if rid == "" {
				rid = uuid.NewString()
			}

			l := base.With(
				slog.String("request_id", rid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)

			r = r.Clone(log.Into(r.Context(), l))
			r.Header.Set(HeaderRequestID, rid)

			resp, err := next.RoundTrip(r)
			if err != nil {
				l.Warn("http_client",
					slog.Int("status", 0),
					slog.Duration("dur", time.Since(start)),
					slog.String("err", err.Error()),
				)
				return nil, err
			}

			l.Info("http_client",
				slog.Int("status", resp.StatusCode),
				slog.Duration("dur", time.Since(start)),
			)

			return resp, nil
		})
	}
}
