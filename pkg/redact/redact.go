// redact маскирует чувствительные значения перед записью в лог:
// e-mail оператора консоли, access/refresh-токены и заголовок Authorization.
package redact

import "strings"

const (
	tokenStub    = "[REDACTED_TOKEN]"
	passwordStub = "[REDACTED_PASSWORD]"
)

// Email оставляет первый символ локальной части и домен: "admin@school.io" -> "a***@school.io".
// Строка без ровно одного '@' маскируется целиком.
func Email(s string) string {
	local, domain, ok := strings.Cut(s, "@")
	if !ok || strings.Contains(domain, "@") || local == "" {
		return "***"
	}

	r := []rune(local)
	return string(r[:1]) + "***@" + domain
}

// Token возвращает заглушку для непустого токена и "" для пустого,
// чтобы в логах было видно факт наличия токена.
func Token(s string) string {
	if s == "" {
		return ""
	}

	return tokenStub
}

// Bearer маскирует значение заголовка Authorization, сохраняя схему.
func Bearer(header string) string {
	scheme, _, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok {
		return Token(header)
	}

	return scheme + " " + tokenStub
}

// Password возвращает литерал-заглушку для пароля.
func Password() string { return passwordStub }
