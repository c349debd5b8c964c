// clients — HTTP-клиент консоли: bearer-токен из хранилища сессии,
// собственный таймаут на каждый вызов и единая форма ответа/ошибки.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pribylovaa/examprep-console/internal/clients/interceptors"
	"github.com/pribylovaa/examprep-console/internal/config"
	apierrors "github.com/pribylovaa/examprep-console/internal/errors"
	"github.com/pribylovaa/examprep-console/internal/formdata"
	"github.com/pribylovaa/examprep-console/internal/session"
)

const DefaultTimeout = 30 * time.Second

// errCallTimeout — причина отмены контекста вызова по его собственному таймауту.
var errCallTimeout = errors.New("call timeout exceeded")

// Request — один исходящий вызов. Body и Form взаимоисключающие; Form имеет приоритет.
type Request struct {
	Method   string
	Endpoint string
	Header   http.Header
	Body     any
	Form     *formdata.Form
	Timeout  time.Duration
}

// Response — успешный ответ (2xx).
// Data — поле data тела, если тело является объектом с таким полем, иначе всё тело.
type Response struct {
	Status  int
	Message string
	Data    json.RawMessage
	Errors  map[string]string
}

// Client — безопасен для конкурентного использования. Хранилище сессии только читает.
type Client struct {
	baseURL   string
	timeout   time.Duration
	userAgent string
	public    map[string]struct{}
	store     session.Store
	log       *slog.Logger

	base http.RoundTripper
	http *http.Client
}

type Option func(*Client)

// WithTransport подменяет базовый транспорт (по умолчанию http.DefaultTransport).
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.base = rt }
}

type RequestOption func(*Request)

// WithHeader добавляет заголовок вызова. Authorization всё равно перекрывается токеном из сессии.
func WithHeader(key, value string) RequestOption {
	return func(r *Request) {
		if r.Header == nil {
			r.Header = http.Header{}
		}
		r.Header.Set(key, value)
	}
}

// WithTimeout задаёт таймаут вызова; d <= 0 -> таймаут клиента.
func WithTimeout(d time.Duration) RequestOption {
	return func(r *Request) { r.Timeout = d }
}

// New собирает клиент. Цепочка транспорта: metadata -> logging -> base.
func New(cfg config.ClientConfig, store session.Store, log *slog.Logger, opts ...Option) *Client {
	if log == nil {
		log = slog.Default()
	}

	c := &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		public:    make(map[string]struct{}, len(cfg.PublicEndpoints)),
		store:     store,
		log:       log,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	for _, ep := range cfg.PublicEndpoints {
		if ep = strings.TrimSpace(ep); ep != "" {
			c.public[ep] = struct{}{}
		}
	}

	for _, opt := range opts {
		opt(c)
	}

	c.http = &http.Client{
		Transport: interceptors.Chain(c.base,
			interceptors.ClientWithMetadata(c.userAgent),
			interceptors.ClientLogging(log),
		),
	}

	return c
}

func (c *Client) Get(ctx context.Context, endpoint string, out any, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, build(http.MethodGet, endpoint, nil, nil, opts), out)
}

func (c *Client) Post(ctx context.Context, endpoint string, body, out any, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, build(http.MethodPost, endpoint, body, nil, opts), out)
}

func (c *Client) Put(ctx context.Context, endpoint string, body, out any, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, build(http.MethodPut, endpoint, body, nil, opts), out)
}

func (c *Client) Patch(ctx context.Context, endpoint string, body, out any, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, build(http.MethodPatch, endpoint, body, nil, opts), out)
}

func (c *Client) Delete(ctx context.Context, endpoint string, out any, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, build(http.MethodDelete, endpoint, nil, nil, opts), out)
}

// PostMultipart отправляет форму; Content-Type с boundary выставляет кодировщик.
func (c *Client) PostMultipart(ctx context.Context, endpoint string, form *formdata.Form, out any, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, build(http.MethodPost, endpoint, nil, form, opts), out)
}

func (c *Client) PutMultipart(ctx context.Context, endpoint string, form *formdata.Form, out any, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, build(http.MethodPut, endpoint, nil, form, opts), out)
}

func build(method, endpoint string, body any, form *formdata.Form, opts []RequestOption) *Request {
	r := &Request{Method: method, Endpoint: endpoint, Body: body, Form: form}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Do выполняет вызов и декодирует Data в out (если out != nil).
//
// Каждый вызов живёт в собственном контексте с таймаутом: его истечение
// обрывает запрос и даёт *apierrors.Error{Kind: timeout, Status: 408}.
// Отмена вызова не затрагивает другие вызовы. Любая ошибка — *apierrors.Error.
func (c *Client) Do(ctx context.Context, r *Request, out any) (*Response, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	ctx, cancel := context.WithTimeoutCause(ctx, timeout, errCallTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, r)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.callErr(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.callErr(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apierrors.Remote(resp.StatusCode, raw)
	}

	return decode(resp.StatusCode, raw, out)
}

func (c *Client) newRequest(ctx context.Context, r *Request) (*http.Request, error) {
	var (
		body        io.Reader
		contentType = "application/json"
	)

	switch {
	case r.Form != nil:
		b, ct, err := r.Form.Encode()
		if err != nil {
			return nil, apierrors.InvalidRequest(err)
		}
		body, contentType = b, ct
	case r.Body != nil:
		b, err := json.Marshal(r.Body)
		if err != nil {
			return nil, apierrors.InvalidRequest(err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, c.url(r.Endpoint), body)
	if err != nil {
		return nil, apierrors.InvalidRequest(err)
	}

	req.Header.Set("Content-Type", contentType)
	for k, vs := range r.Header {
		// Для формы Content-Type задаёт только кодировщик.
		if r.Form != nil && http.CanonicalHeaderKey(k) == "Content-Type" {
			continue
		}
		req.Header[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}

	if !c.isPublic(r.Endpoint) {
		tok, err := session.AccessToken(ctx, c.store)
		if err != nil {
			c.log.Warn("session_read_failed", slog.String("err", err.Error()))
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	return req, nil
}

// callErr различает таймаут вызова, отмену вызывающим и сбой транспорта.
func (c *Client) callErr(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return apierrors.Unavailable(err)
	}

	cause := context.Cause(ctx)
	if errors.Is(cause, errCallTimeout) {
		return apierrors.Timeout(cause)
	}

	return apierrors.From(cause)
}

func (c *Client) url(endpoint string) string {
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}

	return c.baseURL + endpoint
}

func (c *Client) isPublic(endpoint string) bool {
	path := endpoint
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	_, ok := c.public[path]
	return ok
}

func decode(status int, raw []byte, out any) (*Response, error) {
	resp := &Response{Status: status}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return resp, nil
	}

	if !json.Valid(raw) {
		return nil, apierrors.Malformed(status, fmt.Errorf("non-JSON body of %d bytes", len(raw)))
	}

	resp.Data = json.RawMessage(raw)

	if raw[0] == '{' {
		var env struct {
			Message string            `json:"message"`
			Data    json.RawMessage   `json:"data"`
			Errors  map[string]string `json:"errors"`
		}
		// errors иного формата не мешает разобрать остальное тело.
		if err := json.Unmarshal(raw, &env); err == nil {
			resp.Errors = env.Errors
		} else {
			var msgOnly struct {
				Message string          `json:"message"`
				Data    json.RawMessage `json:"data"`
			}
			_ = json.Unmarshal(raw, &msgOnly)
			env.Message, env.Data = msgOnly.Message, msgOnly.Data
		}
		resp.Message = env.Message
		if len(env.Data) > 0 {
			resp.Data = env.Data
		}
	}

	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return nil, apierrors.Malformed(status, err)
		}
	}

	return resp, nil
}
