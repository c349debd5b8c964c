package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/pribylovaa/examprep-console/internal/config"
	"github.com/pribylovaa/examprep-console/internal/metrics"
)

const (
	DefaultUpstreamTimeout = 30 * time.Second
	// defaultMaxMemory — порог ParseMultipartForm: крупные файлы уходят во временные файлы.
	defaultMaxMemory = 32 << 20
)

// Handlers агрегирует зависимости прокси.
type Handlers struct {
	upstream  string
	timeout   time.Duration
	client    *http.Client
	metrics   *metrics.Metrics
	maxMemory int64
}

type Option func(*Handlers)

// WithHTTPClient подменяет клиент исходящих вызовов.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Handlers) { h.client = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handlers) { h.metrics = m }
}

func New(cfg config.UpstreamConfig, opts ...Option) *Handlers {
	h := &Handlers{
		upstream:  strings.TrimRight(cfg.BaseURL, "/"),
		timeout:   cfg.Timeout,
		maxMemory: defaultMaxMemory,
	}
	if h.timeout <= 0 {
		h.timeout = DefaultUpstreamTimeout
	}

	for _, opt := range opts {
		opt(h)
	}

	if h.client == nil {
		// Редиректы не следуем: клиент должен увидеть статус апстрима как есть.
		h.client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}

	return h
}

// writeJSON — единый ответ с Content-Type: application/json.
// body == nil — ответ без тела.
func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_, _ = w.Write(body)
	}
}
