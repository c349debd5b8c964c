// session описывает клиентскую сессию консоли и контракт её хранилища.
//
// Сессией владеет только Store: писать её могут login, refresh и logout,
// читают все вызовы HTTP-клиента перед отправкой запроса.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pribylovaa/examprep-console/internal/models"
)

var (
	// ErrNotFound — в хранилище нет сессии.
	ErrNotFound = errors.New("session not found")
	// ErrNoExpiry — из ответа сервера не удалось вывести срок жизни токена.
	ErrNoExpiry = errors.New("session expiry unknown")
	// ErrNoAccessToken — ответ сервера не содержит access-токена.
	ErrNoAccessToken = errors.New("access token missing")
)

// Session — учётные данные пользователя и момент истечения access-токена.
// Если AccessToken задан, ExpiresAt тоже задан: хранилище доверяет последней записи.
type Session struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	UserID       int64     `json:"userId"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Valid — токен есть и now < ExpiresAt.
func (s Session) Valid(now time.Time) bool {
	return s.AccessToken != "" && now.Before(s.ExpiresAt)
}

// Refreshable — есть и access-, и refresh-токен.
func (s Session) Refreshable() bool {
	return s.AccessToken != "" && s.RefreshToken != ""
}

// TTL — остаток жизни access-токена (отрицательный, если истёк).
func (s Session) TTL(now time.Time) time.Duration {
	return s.ExpiresAt.Sub(now)
}

//go:generate mockgen -source=session.go -destination=mocks/mock_store.go -package=mocks

// Store — хранилище сессии. Реализации обязаны быть безопасны для конкурентного использования.
type Store interface {
	// Get возвращает текущую сессию или ErrNotFound.
	Get(ctx context.Context) (Session, error)
	// Set атомарно заменяет сессию целиком.
	Set(ctx context.Context, s Session) error
	// Clear удаляет сессию; отсутствие сессии ошибкой не считается.
	Clear(ctx context.Context) error
}

// AccessToken возвращает сохранённый access-токен ("" если сессии нет).
func AccessToken(ctx context.Context, st Store) (string, error) {
	s, err := st.Get(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}

	return s.AccessToken, nil
}

// RefreshToken возвращает сохранённый refresh-токен ("" если сессии нет).
func RefreshToken(ctx context.Context, st Store) (string, error) {
	s, err := st.Get(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}

	return s.RefreshToken, nil
}

// IsValid — true, если токен есть и now < ExpiresAt. Ошибка хранилища трактуется как false.
func IsValid(ctx context.Context, st Store, now time.Time) bool {
	s, err := st.Get(ctx)
	if err != nil {
		return false
	}

	return s.Valid(now)
}

// FromTokens строит сессию из ответа login/refresh-token.
//
// ExpiresAt = now + expiresIn. Если expiresIn не задан, используется claim exp
// access-токена (JWT разбирается без проверки подписи: клиент ключа не знает,
// подпись проверяет сервер). Без обоих источников возвращается ErrNoExpiry.
func FromTokens(resp models.TokenResponse, now time.Time) (Session, error) {
	const op = "session/FromTokens"

	if resp.AccessToken == "" {
		return Session{}, fmt.Errorf("%s: %w", op, ErrNoAccessToken)
	}

	s := Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		UserID:       resp.UserID,
	}

	if resp.ExpiresIn > 0 {
		s.ExpiresAt = now.Add(time.Duration(resp.ExpiresIn) * time.Second)
		return s, nil
	}

	exp, err := expiryFromJWT(resp.AccessToken)
	if err != nil {
		return Session{}, fmt.Errorf("%s: %w", op, err)
	}
	s.ExpiresAt = exp

	return s, nil
}

func expiryFromJWT(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrNoExpiry, err)
	}

	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}

	return claims.ExpiresAt.Time, nil
}
