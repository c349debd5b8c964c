package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/pribylovaa/examprep-console/internal/errors"
	"github.com/pribylovaa/examprep-console/internal/formdata"
	logctx "github.com/pribylovaa/examprep-console/pkg/log"
)

// Proxy пересылает {base}/proxy/{path...} в {upstream}/{path...}.
//
// Заголовки: только Authorization и Content-Type (кроме multipart: его
// Content-Type с boundary собирает кодировщик заново). Тело: у GET/DELETE
// нет; multipart перекодируется; иначе JSON проверяется и сжимается.
// Неразборное тело превращается в «без тела», запрос всё равно уходит.
//
// Ответ всегда JSON: JSON апстрима отдаётся как есть, прочее оборачивается
// в {"message": text, "error": text}; статус апстрима сохраняется.
// 204/304 и JSON-ответ с пустым телом отдаются с тем же статусом без тела,
// а не как сбой прокси.
// Любой сбой -> 500 {"message":"Proxy request failed","error": detail}.
func (h *Handlers) Proxy(w http.ResponseWriter, r *http.Request) {
	lg := logctx.From(r.Context())
	path := upstreamPath(r)

	status, body, err := h.forward(r, path)
	if err != nil {
		lg.Warn("proxy_forward_failed",
			slog.String("method", r.Method),
			slog.String("upstream_path", "/"+path),
			slog.String("err", err.Error()),
		)
		h.metrics.ObserveProxy(r.Method, http.StatusInternalServerError)
		apierrors.WriteProxyFailure(w, err.Error())
		return
	}

	h.metrics.ObserveProxy(r.Method, status)
	writeJSON(w, status, body)
}

func (h *Handlers) forward(r *http.Request, path string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	target := h.upstream + "/" + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	body, contentType := h.outboundBody(r)

	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return 0, nil, fmt.Errorf("build upstream request: %w", err)
	}

	if v := r.Header.Get("Authorization"); v != "" {
		req.Header.Set("Authorization", v)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	h.metrics.ObserveUpstream(r.Method, time.Since(start))
	if err != nil {
		return 0, nil, upstreamErr(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, upstreamErr(ctx, err)
	}

	return relay(resp.StatusCode, resp.Header.Get("Content-Type"), raw)
}

// upstreamPath — хвост {path...} в экранированном виде. chi сопоставляет по
// RawPath, если он есть, иначе по декодированному Path: во втором случае
// экранирование восстанавливается, чтобы %3F или %23 не резали URL апстрима.
func upstreamPath(r *http.Request) string {
	p := strings.TrimLeft(chi.URLParam(r, "*"), "/")
	if r.URL.RawPath != "" {
		return p
	}

	return (&url.URL{Path: p}).EscapedPath()
}

// outboundBody возвращает тело и Content-Type исходящего запроса.
func (h *Handlers) outboundBody(r *http.Request) (io.Reader, string) {
	if r.Method == http.MethodGet || r.Method == http.MethodDelete {
		return nil, passContentType(r)
	}

	if isMultipart(r.Header.Get("Content-Type")) {
		return h.multipartBody(r)
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, passContentType(r)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, passContentType(r)
	}

	return &buf, passContentType(r)
}

func (h *Handlers) multipartBody(r *http.Request) (io.Reader, string) {
	if err := r.ParseMultipartForm(h.maxMemory); err != nil {
		logctx.From(r.Context()).Debug("proxy_multipart_dropped", slog.String("err", err.Error()))
		return nil, ""
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	form, err := formdata.FromMultipart(r.MultipartForm)
	if err != nil {
		return nil, ""
	}

	body, ct, err := form.Encode()
	if err != nil {
		return nil, ""
	}

	return body, ct
}

// passContentType — входящий Content-Type, если это не multipart.
func passContentType(r *http.Request) string {
	ct := r.Header.Get("Content-Type")
	if isMultipart(ct) {
		return ""
	}

	return ct
}

func relay(status int, contentType string, raw []byte) (int, []byte, error) {
	if status == http.StatusNoContent || status == http.StatusNotModified {
		return status, nil, nil
	}

	if isJSON(contentType) {
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 {
			return status, nil, nil
		}
		if !json.Valid(trimmed) {
			return 0, nil, fmt.Errorf("upstream returned invalid JSON (status %d)", status)
		}

		return status, trimmed, nil
	}

	text := string(raw)
	wrapped, err := json.Marshal(apierrors.ProxyFailure{Message: text, Error: text})
	if err != nil {
		return 0, nil, fmt.Errorf("wrap upstream body: %w", err)
	}

	return status, wrapped, nil
}

// upstreamErr добавляет к ошибке причину отмены контекста (таймаут апстрима или шлюза).
func upstreamErr(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) {
		return fmt.Errorf("upstream request: %w: %w", cause, err)
	}

	return fmt.Errorf("upstream request: %w", err)
}

func isMultipart(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	return err == nil && mt == "multipart/form-data"
}

func isJSON(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}

	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
