package clients

import (
	"context"

	"github.com/pribylovaa/examprep-console/internal/models"
)

const (
	EndpointLogin   = "/auth/login"
	EndpointRefresh = "/auth/refresh-token"
)

// AuthAPI — обмены с разделом /auth удалённого API через тот же клиент.
type AuthAPI struct {
	c *Client
}

func NewAuthAPI(c *Client) *AuthAPI { return &AuthAPI{c: c} }

// Login — POST /auth/login {email, password}.
func (a *AuthAPI) Login(ctx context.Context, email, password string) (models.TokenResponse, error) {
	var out models.TokenResponse
	if _, err := a.c.Post(ctx, EndpointLogin, models.LoginRequest{Email: email, Password: password}, &out); err != nil {
		return models.TokenResponse{}, err
	}

	return out, nil
}

// Refresh — POST /auth/refresh-token {refreshToken}. Таймаут вызова задаёт ctx.
func (a *AuthAPI) Refresh(ctx context.Context, refreshToken string) (models.TokenResponse, error) {
	var out models.TokenResponse
	if _, err := a.c.Post(ctx, EndpointRefresh, models.RefreshRequest{RefreshToken: refreshToken}, &out); err != nil {
		return models.TokenResponse{}, err
	}

	return out, nil
}
