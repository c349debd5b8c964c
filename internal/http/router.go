package http

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/pribylovaa/examprep-console/internal/errors"
	"github.com/pribylovaa/examprep-console/internal/http/handlers"
	"github.com/pribylovaa/examprep-console/internal/http/middleware"
)

// Options — параметры сборки HTTP-роутера.
type Options struct {
	Logger   *slog.Logger
	Timeout  time.Duration
	BasePath string // например, "/api"; если пустой — роуты регистрируются на корне.
}

// proxyMethods — методы, которые прокси пересылает. Остальные получают 405 в JSON.
var proxyMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
	http.MethodPatch,
}

// NewRouter собирает http.Handler с chi и подключёнными middleware/роутами.
func NewRouter(h *handlers.Handlers, opts Options) http.Handler {
	root := chi.NewRouter()

	// Middleware (внешний -> внутренний).
	root.Use(
		middleware.Recover(),            // паника -> конверт прокси 500
		middleware.RequestID(),          // X-Request-Id до логирования
		middleware.Logging(opts.Logger), // request-scoped логгер в контексте + запись "http"
	)

	if opts.Timeout > 0 {
		root.Use(middleware.Timeout(opts.Timeout))
	}

	if opts.BasePath != "" && opts.BasePath != "/" {
		sub := chi.NewRouter()
		registerRoutes(sub, h)
		root.Mount(opts.BasePath, sub)
		return root
	}

	registerRoutes(root, h)

	return root
}

func registerRoutes(r chi.Router, h *handlers.Handlers) {
	for _, m := range proxyMethods {
		r.Method(m, "/proxy/*", http.HandlerFunc(h.Proxy))
	}

	r.MethodNotAllowed(methodNotAllowed)
}

// methodNotAllowed заменяет text/plain-ответ chi; свой обработчик chi Allow не ставит.
func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", strings.Join(proxyMethods, ", "))
	apierrors.WriteMethodNotAllowed(w, r.Method)
}
