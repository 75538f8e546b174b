package apiclient

import (
	"context"
	"time"

	"github.com/ConfabulousDev/todo-sync/internal/models"
)

// AuthResponse is returned by Register and Login
type AuthResponse struct {
	Message   string       `json:"message"`
	User      *models.User `json:"user"`
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// Register creates an account. On success the client keeps the returned token.
func (c *Client) Register(ctx context.Context, email, password, name string) (*AuthResponse, error) {
	req := map[string]string{"email": email, "password": password, "name": name}
	var resp AuthResponse
	if err := c.Post(ctx, "/api/v1/auth/register", req, &resp); err != nil {
		return nil, err
	}
	c.SetToken(resp.Token)
	return &resp, nil
}

// Login exchanges credentials for a token. On success the client keeps the token.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResponse, error) {
	req := map[string]string{"email": email, "password": password}
	var resp AuthResponse
	if err := c.Post(ctx, "/api/v1/auth/login", req, &resp); err != nil {
		return nil, err
	}
	c.SetToken(resp.Token)
	return &resp, nil
}

// Me returns the profile of the token's owner
func (c *Client) Me(ctx context.Context) (*models.User, error) {
	var resp struct {
		User *models.User `json:"user"`
	}
	if err := c.Get(ctx, "/api/v1/auth/me", &resp); err != nil {
		return nil, err
	}
	return resp.User, nil
}
