// errors стандартизирует ошибки слоя доступа к API.
//
// Любой сбой клиента (таймаут, ответ апстрима не 2xx, обрыв транспорта)
// и любой сбой прокси приводится к одной форме {message, errors, status}:
// вызывающий код никогда не видит «сырых» транспортных ошибок.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Нестандартный код часто используемый для "клиент закрыл соединение".
const StatusClientClosedRequest = 499

// DefaultMessage подставляется, если апстрим не прислал message.
const DefaultMessage = "Request failed"

// ProxyFailureMessage — фиксированное сообщение прокси при внутреннем сбое.
const ProxyFailureMessage = "Proxy request failed"

const MethodNotAllowedMessage = "Method not allowed"

// Kind — стабильная машиночитаемая категория ошибки.
type Kind string

const (
	// KindTimeout — вызов не уложился в свой таймаут (408).
	KindTimeout Kind = "timeout"
	// KindRemote — апстрим ответил не 2xx; статус и message берутся из ответа.
	KindRemote Kind = "remote_error"
	// KindProxyInternal — любой сбой внутри прокси при пересылке (500).
	KindProxyInternal Kind = "proxy_internal"
	// KindRefreshFailure — обмен refresh-токена не удался; сессия очищена.
	KindRefreshFailure Kind = "refresh_failure"
	// KindCanceled — вызывающий отменил контекст раньше ответа (499).
	KindCanceled Kind = "canceled"
	// KindUnavailable — транспорт не смог доставить запрос (503).
	KindUnavailable Kind = "unavailable"
	// KindMalformed — 2xx-ответ, тело которого не является JSON.
	KindMalformed Kind = "malformed_response"
	// KindInvalidRequest — запрос не удалось собрать (тело не сериализуется, плохой URL).
	KindInvalidRequest Kind = "invalid_request"
)

// Error — единая форма отказа для вызывающих HTTP-клиента.
type Error struct {
	Kind    Kind              `json:"kind"`
	Message string            `json:"message"`
	Errors  map[string]string `json:"errors,omitempty"`
	Status  int               `json:"status"`

	err error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s (%d): %s: %v", e.Kind, e.Status, e.Message, e.err)
	}

	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// Timeout — вызов превысил таймаут.
func Timeout(err error) *Error {
	return &Error{Kind: KindTimeout, Status: http.StatusRequestTimeout, Message: "request timed out", err: err}
}

// Canceled — вызывающий отменил запрос.
func Canceled(err error) *Error {
	return &Error{Kind: KindCanceled, Status: StatusClientClosedRequest, Message: "request canceled", err: err}
}

// Unavailable — сетевой сбой без ответа апстрима.
func Unavailable(err error) *Error {
	return &Error{Kind: KindUnavailable, Status: http.StatusServiceUnavailable, Message: "upstream unavailable", err: err}
}

// Malformed — апстрим ответил успешно, но тело не JSON.
func Malformed(status int, err error) *Error {
	return &Error{Kind: KindMalformed, Status: status, Message: "malformed response body", err: err}
}

// InvalidRequest — запрос не был отправлен: его не удалось собрать.
func InvalidRequest(err error) *Error {
	return &Error{Kind: KindInvalidRequest, Status: http.StatusBadRequest, Message: "invalid request", err: err}
}

// RefreshFailed оборачивает причину неудачного обмена refresh-токена.
func RefreshFailed(err error) *Error {
	status := http.StatusUnauthorized
	if e, ok := As(err); ok && e.Status != 0 {
		status = e.Status
	}

	return &Error{Kind: KindRefreshFailure, Status: status, Message: "session refresh failed", err: err}
}

// Remote строит ошибку из тела не-2xx ответа апстрима.
// Тело может быть как {message, errors}, так и конвертом прокси {message, error}.
func Remote(status int, body []byte) *Error {
	e := &Error{Kind: KindRemote, Status: status, Message: DefaultMessage}

	var full struct {
		Message string            `json:"message"`
		Error   string            `json:"error"`
		Errors  map[string]string `json:"errors"`
	}
	if err := json.Unmarshal(body, &full); err != nil {
		// errors другого формата (массив/вложенные объекты) — берём хотя бы message.
		var msgOnly struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &msgOnly) == nil && msgOnly.Message != "" {
			e.Message = msgOnly.Message
		}
		return e
	}

	switch {
	case full.Message != "":
		e.Message = full.Message
	case full.Error != "":
		e.Message = full.Error
	}
	e.Errors = full.Errors

	return e
}

// As извлекает *Error из цепочки.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}

	return nil, false
}

// From приводит любую ошибку к *Error:
//   - *Error в цепочке возвращается как есть;
//   - context.DeadlineExceeded -> timeout/408;
//   - context.Canceled -> canceled/499;
//   - прочее -> unavailable/503.
//
// err == nil — программная ошибка вызова: возвращаем nil.
func From(err error) *Error {
	if err == nil {
		return nil
	}

	if e, ok := As(err); ok {
		return e
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout(err)
	case errors.Is(err, context.Canceled):
		return Canceled(err)
	default:
		return Unavailable(err)
	}
}

// StatusOf возвращает HTTP-статус ошибки (0 для nil).
func StatusOf(err error) int {
	if e := From(err); e != nil {
		return e.Status
	}

	return 0
}

// IsKind сообщает, относится ли ошибка к категории k.
func IsKind(err error, k Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == k
}

// ProxyFailure — тело ответа прокси при внутреннем сбое.
type ProxyFailure struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// WriteProxyFailure пишет фиксированный ответ 500 {"message":"Proxy request failed","error":detail}.
func WriteProxyFailure(w http.ResponseWriter, detail string) {
	writeFailure(w, http.StatusInternalServerError, ProxyFailure{Message: ProxyFailureMessage, Error: detail})
}

// WriteMethodNotAllowed пишет 405 в том же JSON-конверте.
func WriteMethodNotAllowed(w http.ResponseWriter, method string) {
	writeFailure(w, http.StatusMethodNotAllowed, ProxyFailure{
		Message: MethodNotAllowedMessage,
		Error:   "method " + method + " is not supported",
	})
}

func writeFailure(w http.ResponseWriter, status int, body ProxyFailure) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
