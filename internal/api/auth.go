package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bhandras/huddle/internal/transport"
	"github.com/bhandras/huddle/pkg/types"
)

// Login exchanges a username and password for a credential pair.
func (c *Client) Login(ctx context.Context, username, password string) (*types.AuthResponse, error) {
	var out types.AuthResponse
	err := c.do(ctx, &transport.Request{
		Method:    http.MethodPost,
		Path:      path("api", "auth", "login"),
		Body:      map[string]string{"username": username, "password": password},
		Anonymous: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	if err := validateAuth(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Register creates an account and returns its credential pair.
func (c *Client) Register(ctx context.Context, reg types.Registration) (*types.AuthResponse, error) {
	var out types.AuthResponse
	err := c.do(ctx, &transport.Request{
		Method:    http.MethodPost,
		Path:      path("api", "auth", "register"),
		Body:      reg,
		Anonymous: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	if err := validateAuth(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh exchanges a refresh credential for a new access credential. The
// transport renews on its own; this is exposed for callers that manage
// credentials by hand.
func (c *Client) Refresh(ctx context.Context, refresh string) (string, error) {
	var out struct {
		Access string `json:"access"`
	}
	err := c.do(ctx, &transport.Request{
		Method:    http.MethodPost,
		Path:      transport.DefaultRefreshPath,
		Body:      map[string]string{"refresh": refresh},
		Anonymous: true,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.Access == "" {
		return "", fmt.Errorf("refresh response missing access credential")
	}
	return out.Access, nil
}

// Me fetches the identity the current credential belongs to.
func (c *Client) Me(ctx context.Context) (*types.Identity, error) {
	var out types.Identity
	if err := c.get(ctx, path("api", "users", "me"), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func validateAuth(resp *types.AuthResponse) error {
	if resp.Access == "" || resp.Refresh == "" {
		return fmt.Errorf("auth response missing credentials")
	}
	return nil
}
