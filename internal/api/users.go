package api

import (
	"context"

	"github.com/bhandras/huddle/pkg/types"
)

// ProfileUpdate carries editable profile fields. Empty fields are left
// unchanged.
type ProfileUpdate struct {
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// UpdateProfile edits the current user's profile.
func (c *Client) UpdateProfile(ctx context.Context, update ProfileUpdate) (*types.Identity, error) {
	var out types.Identity
	if err := c.put(ctx, path("api", "users", "me"), update, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settings fetches the current user's preferences.
func (c *Client) Settings(ctx context.Context) (*types.Settings, error) {
	var out types.Settings
	if err := c.get(ctx, path("api", "users", "me", "settings"), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSettings replaces the current user's preferences.
func (c *Client) UpdateSettings(ctx context.Context, settings types.Settings) (*types.Settings, error) {
	var out types.Settings
	if err := c.put(ctx, path("api", "users", "me", "settings"), settings, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
