package api

import (
	"context"

	"github.com/bhandras/huddle/pkg/types"
)

// ListProjects returns the projects visible to the current user.
func (c *Client) ListProjects(ctx context.Context) ([]types.Project, error) {
	return list[types.Project](ctx, c, path("api", "projects"))
}

// GetProject fetches one project by slug.
func (c *Client) GetProject(ctx context.Context, slug string) (*types.Project, error) {
	var out types.Project
	if err := c.get(ctx, path("api", "projects", slug), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateProject(ctx context.Context, project types.Project) (*types.Project, error) {
	var out types.Project
	if err := c.post(ctx, path("api", "projects"), project, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateProject(ctx context.Context, slug string, project types.Project) (*types.Project, error) {
	var out types.Project
	if err := c.put(ctx, path("api", "projects", slug), project, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteProject(ctx context.Context, slug string) error {
	return c.delete(ctx, path("api", "projects", slug))
}

// ListMembers returns a project's memberships.
func (c *Client) ListMembers(ctx context.Context, slug string) ([]types.Membership, error) {
	return list[types.Membership](ctx, c, path("api", "projects", slug, "members"))
}

// NewMember is the body of AddMember. LocalID is echoed back by servers that
// support client-generated ids.
type NewMember struct {
	User    types.ID `json:"user"`
	Role    string   `json:"role"`
	LocalID string   `json:"local_id,omitempty"`
}

func (c *Client) AddMember(ctx context.Context, slug string, member NewMember) (*types.Membership, error) {
	var out types.Membership
	if err := c.post(ctx, path("api", "projects", slug, "members"), member, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateMember changes a member's role.
func (c *Client) UpdateMember(ctx context.Context, slug string, memberID types.ID, role string) (*types.Membership, error) {
	var out types.Membership
	body := map[string]string{"role": role}
	if err := c.patch(ctx, path("api", "projects", slug, "members", memberID.String()), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RemoveMember(ctx context.Context, slug string, memberID types.ID) error {
	return c.delete(ctx, path("api", "projects", slug, "members", memberID.String()))
}
