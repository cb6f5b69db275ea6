package sdk

import (
	"context"
	"fmt"

	"github.com/bhandras/huddle/internal/chat"
	"github.com/bhandras/huddle/pkg/types"
)

// Projects lists the projects visible to the logged-in user.
func (c *Client) Projects(ctx context.Context) ([]types.Project, error) {
	if err := c.ctxErr(ctx); err != nil {
		return nil, err
	}
	projects, err := c.api.ListProjects(ctx)
	if err != nil {
		c.fail("Failed to fetch projects", err)
		return nil, err
	}
	return projects, nil
}

// Project fetches the project with slug and returns its scope. Scopes are
// cached per project until logout.
func (c *Client) Project(ctx context.Context, slug string) (*chat.Project, error) {
	if err := c.ctxErr(ctx); err != nil {
		return nil, err
	}
	project, err := c.api.GetProject(ctx, slug)
	if err != nil {
		c.fail("Failed to fetch project", err)
		return nil, err
	}
	return c.ProjectScope(*project)
}

// ProjectScope returns the scope for an already fetched project.
func (c *Client) ProjectScope(project types.Project) (*chat.Project, error) {
	if project.ID.IsZero() {
		return nil, fmt.Errorf("project has no id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if p, ok := c.projects[project.ID]; ok {
		return p, nil
	}

	var p *chat.Project
	p = chat.NewProject(project, chat.ProjectOptions{
		API:     c.api,
		Notify:  c.notify,
		Metrics: c.metrics,
		OnThreadsChange: func() {
			threads := p.Threads()
			c.emit(func(l Listener) {
				if l.OnThreads != nil {
					l.OnThreads(project.ID, threads)
				}
			})
		},
		OnMembersChange: func() {
			members := p.Members()
			c.emit(func(l Listener) {
				if l.OnMembers != nil {
					l.OnMembers(project.ID, members)
				}
			})
		},
	})
	c.projects[project.ID] = p
	return p, nil
}

// Thread returns the scope for threadID, creating it on first use. Call
// Load on it to fetch the history.
func (c *Client) Thread(threadID types.ID) (*chat.Thread, error) {
	if threadID.IsZero() {
		return nil, fmt.Errorf("missing thread id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if t, ok := c.threads[threadID]; ok {
		return t, nil
	}

	var t *chat.Thread
	t = chat.NewThread(threadID, chat.ThreadOptions{
		API:     c.api,
		Self:    c.session.Identity,
		Notify:  c.notify,
		Metrics: c.metrics,
		OnChange: func() {
			messages := t.Messages()
			c.emit(func(l Listener) {
				if l.OnMessages != nil {
					l.OnMessages(threadID, messages)
				}
			})
		},
	})
	c.threads[threadID] = t
	return t, nil
}

// OpenThread returns the scope for threadID with its history loaded.
func (c *Client) OpenThread(ctx context.Context, threadID types.ID) (*chat.Thread, error) {
	t, err := c.Thread(threadID)
	if err != nil {
		return nil, err
	}
	if err := t.Load(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// SendMessage posts content to a thread.
func (c *Client) SendMessage(ctx context.Context, threadID types.ID, content string) (types.Message, error) {
	t, err := c.Thread(threadID)
	if err != nil {
		return types.Message{}, err
	}
	return t.Send(ctx, content)
}

// AskAgent posts prompt to a thread's agent and returns the reply.
func (c *Client) AskAgent(ctx context.Context, threadID types.ID, prompt string) (types.Message, error) {
	t, err := c.Thread(threadID)
	if err != nil {
		return types.Message{}, err
	}
	return t.AskAgent(ctx, prompt)
}

func (c *Client) lookupThread(id types.ID) *chat.Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threads[id]
}

func (c *Client) lookupProject(id types.ID) *chat.Project {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projects[id]
}
