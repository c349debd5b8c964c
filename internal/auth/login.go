package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pribylovaa/examprep-console/internal/session"
	"github.com/pribylovaa/examprep-console/pkg/redact"
)

// Login выполняет вход и сохраняет новую сессию целиком.
func (c *Coordinator) Login(ctx context.Context, email, password string) (session.Session, error) {
	const op = "auth/Login"

	lg := c.logger(ctx).With(slog.String("email", redact.Email(email)))

	resp, err := c.api.Login(ctx, email, password)
	if err != nil {
		lg.Warn("login_failed", slog.String("err", err.Error()))
		return session.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	s, err := session.FromTokens(resp, c.now())
	if err != nil {
		lg.Warn("login_failed", slog.String("err", err.Error()))
		return session.Session{}, fmt.Errorf("%s: %w: %w", op, ErrInvalidTokenResponse, err)
	}

	if err := c.store.Set(ctx, s); err != nil {
		return session.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	lg.Info("login_ok",
		slog.Int64("user_id", s.UserID),
		slog.String("access_token", redact.Token(s.AccessToken)),
		slog.Duration("ttl", s.TTL(c.now())),
	)

	return s, nil
}

// Logout очищает сессию локально: удалённый API отдельного выхода не имеет.
func (c *Coordinator) Logout(ctx context.Context) error {
	const op = "auth/Logout"

	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	c.logger(ctx).Info("logout_ok")

	return nil
}
