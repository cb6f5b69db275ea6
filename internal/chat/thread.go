// Package chat holds the collaborative scopes the UI renders: the messages
// of one thread and the threads and members of one project. Every user write
// goes through an optimistic.Coordinator so it is visible immediately.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bhandras/huddle/internal/api"
	"github.com/bhandras/huddle/internal/metrics"
	"github.com/bhandras/huddle/internal/optimistic"
	"github.com/bhandras/huddle/pkg/logger"
	"github.com/bhandras/huddle/pkg/types"
)

// ErrEmptyMessage is returned when sending blank content.
var ErrEmptyMessage = errors.New("message is empty")

// MessageAPI is the subset of the REST API a Thread uses.
type MessageAPI interface {
	ListMessages(ctx context.Context, threadID types.ID) ([]types.Message, error)
	SendMessage(ctx context.Context, threadID types.ID, msg api.NewMessage) (*types.Message, error)
	AskAgent(ctx context.Context, threadID types.ID, prompt api.AgentPrompt) (*types.Message, error)
}

// IdentityFunc returns the logged-in user, used to attribute local drafts.
type IdentityFunc func() (types.Identity, bool)

// ThreadOptions configures a Thread.
type ThreadOptions struct {
	API     MessageAPI
	Self    IdentityFunc
	Notify  Notifier
	Metrics *metrics.Metrics
	Now     func() time.Time
	// OnChange runs after every change to the message list.
	OnChange func()
}

// Thread is the message list of one chat thread.
type Thread struct {
	id     types.ID
	api    MessageAPI
	self   IdentityFunc
	notify Notifier
	now    func() time.Time

	messages *optimistic.Coordinator[types.Message]
}

// NewThread constructs the scope for threadID.
func NewThread(threadID types.ID, opts ThreadOptions) *Thread {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Thread{
		id:     threadID,
		api:    opts.API,
		self:   opts.Self,
		notify: opts.Notify,
		now:    now,
		messages: optimistic.New(optimistic.Options[types.Message]{
			Scope:    "messages",
			Key:      func(m types.Message) string { return m.ID.String() },
			Echo:     echoedLocalID,
			Same:     sameHumanMessage,
			Metrics:  opts.Metrics,
			Now:      now,
			OnChange: opts.OnChange,
		}),
	}
}

// ID returns the thread id.
func (t *Thread) ID() types.ID { return t.id }

// Load refetches the message list and merges it with unsent drafts.
func (t *Thread) Load(ctx context.Context) error {
	msgs, err := t.api.ListMessages(ctx, t.id)
	if err != nil {
		t.notify.notify("Failed to fetch messages", err)
		return err
	}
	t.messages.Reconcile(msgs)
	return nil
}

// Send posts a human message. The draft is visible until the server
// confirms or rejects it.
func (t *Thread) Send(ctx context.Context, content string) (types.Message, error) {
	if strings.TrimSpace(content) == "" {
		return types.Message{}, ErrEmptyMessage
	}

	msg, err := t.messages.Track(ctx, t.draft(content), func(ctx context.Context, localID string) (types.Message, error) {
		sent, err := t.api.SendMessage(ctx, t.id, api.NewMessage{Content: content, LocalID: localID})
		if err != nil {
			return types.Message{}, err
		}
		return *sent, nil
	})
	if err != nil {
		t.notify.notify("Failed to send message", err)
		return types.Message{}, err
	}
	return msg, nil
}

// AskAgent posts prompt to the thread's agent. The prompt shows as a draft
// until the agent answers; the reply is appended after it.
//
// The server stores the prompt but only returns the reply, so the prompt
// stays accepted until its stored copy arrives by push or Load.
func (t *Thread) AskAgent(ctx context.Context, prompt string) (types.Message, error) {
	if strings.TrimSpace(prompt) == "" {
		return types.Message{}, ErrEmptyMessage
	}

	localID := t.messages.Apply(t.draft(prompt))
	reply, err := t.api.AskAgent(ctx, t.id, api.AgentPrompt{Message: prompt, LocalID: localID})
	if err != nil {
		t.messages.Fail(localID, err)
		err = fmt.Errorf("%w: %w", optimistic.ErrMutationRejected, err)
		t.notify.notify("Failed to get AI response", err)
		return types.Message{}, err
	}

	t.messages.Accept(localID)
	t.messages.Upsert(*reply)
	return *reply, nil
}

// ApplyPush merges a message delivered over the push channel.
func (t *Thread) ApplyPush(msg types.Message) {
	if !msg.Thread.IsZero() && msg.Thread != t.id {
		return
	}
	if msg.ID.IsZero() {
		logger.Debugf("chat: dropping pushed message without id")
		return
	}
	t.messages.Upsert(msg)
}

// Messages returns the visible messages in order.
func (t *Thread) Messages() []types.Message { return t.messages.Values() }

// Entries returns the visible messages with their delivery state.
func (t *Thread) Entries() []optimistic.Entry[types.Message] { return t.messages.Items() }

// echoedLocalID reads the local id the server copied onto a stored human
// message. Agent replies never settle a draft.
func echoedLocalID(m types.Message) string {
	if m.Kind == types.MessageAgent {
		return ""
	}
	return m.LocalID
}

// sameHumanMessage pairs an accepted draft with a stored copy that came back
// without its local id.
func sameHumanMessage(draft, stored types.Message) bool {
	if stored.Kind == types.MessageAgent || draft.Content != stored.Content {
		return false
	}
	if !draft.SenderUser.IsZero() && !stored.SenderUser.IsZero() {
		return draft.SenderUser == stored.SenderUser
	}
	return true
}

func (t *Thread) draft(content string) types.Message {
	created := t.now()
	msg := types.Message{
		Thread:    t.id,
		Kind:      types.MessageHuman,
		Content:   content,
		CreatedAt: &created,
	}
	if t.self != nil {
		if me, ok := t.self(); ok {
			msg.SenderUser = me.ID
			msg.Sender = &me
		}
	}
	return msg
}
