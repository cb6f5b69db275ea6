package sdk

import (
	"context"

	"github.com/bhandras/huddle/internal/api"
	"github.com/bhandras/huddle/internal/chat"
	"github.com/bhandras/huddle/pkg/types"
)

// Restore resumes a persisted session, if any. It never fails; a session
// that cannot be verified leaves the client logged out.
func (c *Client) Restore(ctx context.Context) (types.Identity, bool) {
	if c.ctxErr(ctx) != nil {
		return types.Identity{}, false
	}
	return c.session.Restore(ctx)
}

// Ready is closed once the first Restore has finished.
func (c *Client) Ready() <-chan struct{} { return c.session.Ready() }

// Identity returns the logged-in user.
func (c *Client) Identity() (types.Identity, bool) { return c.session.Identity() }

// Login authenticates with a username and password.
func (c *Client) Login(ctx context.Context, username, password string) (types.Identity, error) {
	if err := c.ctxErr(ctx); err != nil {
		return types.Identity{}, err
	}
	me, err := c.session.Login(ctx, username, password)
	if err != nil {
		c.fail("Login failed", err)
	}
	return me, err
}

// Register creates an account and logs into it.
func (c *Client) Register(ctx context.Context, reg types.Registration) (types.Identity, error) {
	if err := c.ctxErr(ctx); err != nil {
		return types.Identity{}, err
	}
	me, err := c.session.Register(ctx, reg)
	if err != nil {
		c.fail("Registration failed", err)
	}
	return me, err
}

// Logout clears the session. It is safe to call when logged out.
func (c *Client) Logout() error { return c.session.Logout() }

// RefreshIdentity refetches the logged-in user.
func (c *Client) RefreshIdentity(ctx context.Context) (types.Identity, error) {
	return c.session.RefreshIdentity(ctx)
}

// UpdateProfile edits the logged-in user's profile.
func (c *Client) UpdateProfile(ctx context.Context, update api.ProfileUpdate) (types.Identity, error) {
	me, err := c.session.UpdateProfile(ctx, update)
	if err != nil {
		c.fail("Failed to update profile", err)
	}
	return me, err
}

// Settings returns the logged-in user's settings.
func (c *Client) Settings(ctx context.Context) (*types.Settings, error) {
	return c.api.Settings(ctx)
}

// UpdateSettings replaces the logged-in user's settings.
func (c *Client) UpdateSettings(ctx context.Context, settings types.Settings) (*types.Settings, error) {
	s, err := c.api.UpdateSettings(ctx, settings)
	if err != nil {
		c.fail("Failed to update settings", err)
	}
	return s, err
}

// handleIdentity forwards identity changes and forgets per-user state when
// the session ends.
func (c *Client) handleIdentity(identity types.Identity, ok bool) {
	if !ok {
		c.mu.Lock()
		c.threads = make(map[types.ID]*chat.Thread)
		c.projects = make(map[types.ID]*chat.Project)
		push := c.push
		c.push = nil
		c.mu.Unlock()

		if push != nil {
			_ = push.Close()
		}
	}

	c.emit(func(l Listener) {
		if l.OnSession != nil {
			l.OnSession(identity, ok)
		}
	})
}
