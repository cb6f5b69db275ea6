package api

import (
	"context"

	"github.com/bhandras/huddle/pkg/types"
)

// NewThread is the body of CreateThread.
type NewThread struct {
	Project      types.ID   `json:"project"`
	Title        string     `json:"title"`
	Participants []types.ID `json:"participants"`
	Role         string     `json:"role,omitempty"`
	LocalID      string     `json:"local_id,omitempty"`
}

// NewMessage is the body of SendMessage.
type NewMessage struct {
	Content string `json:"content"`
	LocalID string `json:"local_id,omitempty"`
}

// AgentPrompt is the body of AskAgent. LocalID is echoed on the stored
// prompt, not on the reply.
type AgentPrompt struct {
	Message string `json:"message"`
	LocalID string `json:"local_id,omitempty"`
}

// ListThreads returns the chat threads of a project.
func (c *Client) ListThreads(ctx context.Context, projectID types.ID) ([]types.Thread, error) {
	return list[types.Thread](ctx, c, path("api", "chat", "projects", projectID.String(), "threads"))
}

func (c *Client) CreateThread(ctx context.Context, projectID types.ID, thread NewThread) (*types.Thread, error) {
	if thread.Project.IsZero() {
		thread.Project = projectID
	}
	if thread.Participants == nil {
		thread.Participants = []types.ID{}
	}
	var out types.Thread
	if err := c.post(ctx, path("api", "chat", "projects", projectID.String(), "threads"), thread, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMessages returns a thread's messages, oldest first.
func (c *Client) ListMessages(ctx context.Context, threadID types.ID) ([]types.Message, error) {
	return list[types.Message](ctx, c, path("api", "chat", "threads", threadID.String(), "messages"))
}

func (c *Client) SendMessage(ctx context.Context, threadID types.ID, msg NewMessage) (*types.Message, error) {
	var out types.Message
	if err := c.post(ctx, path("api", "chat", "threads", threadID.String(), "messages"), msg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AskAgent posts a prompt to the thread's agent and returns its reply. The
// server stores the prompt as a human message but does not return it.
func (c *Client) AskAgent(ctx context.Context, threadID types.ID, prompt AgentPrompt) (*types.Message, error) {
	var out types.Message
	if err := c.post(ctx, path("api", "chat", "threads", threadID.String(), "messages", "ask_agent"), prompt, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
