package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bhandras/huddle/internal/api"
	"github.com/bhandras/huddle/internal/optimistic"
	"github.com/bhandras/huddle/internal/transport"
	"github.com/bhandras/huddle/pkg/types"
)

// fakeAPI is an in-memory backend. When hook is set it runs inside every
// write call, before the result is returned.
type fakeAPI struct {
	mu       sync.Mutex
	messages []types.Message
	threads  []types.Thread
	members  []types.Membership
	nextID   int
	failWith error
	hook     func()
	asked    []string
}

func (f *fakeAPI) id() types.ID {
	f.nextID++
	return types.ID(fmt.Sprintf("%d", f.nextID))
}

func (f *fakeAPI) beforeWrite() error {
	if f.hook != nil {
		f.hook()
	}
	return f.failWith
}

func (f *fakeAPI) ListMessages(_ context.Context, _ types.ID) ([]types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	return append([]types.Message(nil), f.messages...), nil
}

func (f *fakeAPI) SendMessage(_ context.Context, threadID types.ID, msg api.NewMessage) (*types.Message, error) {
	if err := f.beforeWrite(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m := types.Message{ID: f.id(), Thread: threadID, Kind: types.MessageHuman, Content: msg.Content, LocalID: msg.LocalID}
	f.messages = append(f.messages, m)
	return &m, nil
}

func (f *fakeAPI) AskAgent(_ context.Context, threadID types.ID, prompt api.AgentPrompt) (*types.Message, error) {
	if err := f.beforeWrite(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, prompt.Message)
	human := types.Message{ID: f.id(), Thread: threadID, Kind: types.MessageHuman, Content: prompt.Message, LocalID: prompt.LocalID}
	reply := types.Message{ID: f.id(), Thread: threadID, Kind: types.MessageAgent, Content: "re: " + prompt.Message}
	f.messages = append(f.messages, human, reply)
	return &reply, nil
}

func (f *fakeAPI) ListThreads(_ context.Context, _ types.ID) ([]types.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Thread(nil), f.threads...), nil
}

func (f *fakeAPI) CreateThread(_ context.Context, projectID types.ID, thread api.NewThread) (*types.Thread, error) {
	if err := f.beforeWrite(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t := types.Thread{ID: f.id(), Title: thread.Title, Project: projectID, LocalID: thread.LocalID}
	f.threads = append(f.threads, t)
	return &t, nil
}

func (f *fakeAPI) ListMembers(_ context.Context, _ string) ([]types.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Membership(nil), f.members...), nil
}

func (f *fakeAPI) AddMember(_ context.Context, _ string, member api.NewMember) (*types.Membership, error) {
	if err := f.beforeWrite(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m := types.Membership{ID: f.id(), User: member.User, Role: member.Role}
	f.members = append(f.members, m)
	return &m, nil
}

func (f *fakeAPI) RemoveMember(_ context.Context, _ string, _ types.ID) error {
	return f.beforeWrite()
}

type notes struct {
	mu   sync.Mutex
	msgs []string
}

func (n *notes) notifier() Notifier {
	return func(message string, _ error) {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.msgs = append(n.msgs, message)
	}
}

func (n *notes) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

func self() (types.Identity, bool) {
	return types.Identity{ID: "u1", Username: "ada"}, true
}

func validationError(body string) error {
	return transport.NewRequestError("POST", "/x/", 400, []byte(body))
}

func contents(msgs []types.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func TestThreadSendShowsDraftThenConfirms(t *testing.T) {
	backend := &fakeAPI{}
	thread := NewThread("t1", ThreadOptions{API: backend, Self: self})

	backend.hook = func() {
		entries := thread.Entries()
		require.Len(t, entries, 1)
		require.True(t, entries[0].Pending())
		require.Equal(t, "hello", entries[0].Value.Content)
		require.Equal(t, "ada", entries[0].Value.Sender.Username)
	}

	msg, err := thread.Send(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, types.ID("1"), msg.ID)

	entries := thread.Entries()
	require.Len(t, entries, 1)
	require.False(t, entries[0].Pending())
	require.Equal(t, "1", entries[0].ServerID)

	// A refetch lists the same message once.
	require.NoError(t, thread.Load(context.Background()))
	require.Equal(t, []string{"hello"}, contents(thread.Messages()))
}

func TestThreadSendFailureRemovesDraft(t *testing.T) {
	backend := &fakeAPI{failWith: validationError(`{"content":["Ensure this field has no more than 4000 characters."]}`)}
	n := &notes{}
	thread := NewThread("t1", ThreadOptions{API: backend, Notify: n.notifier()})

	_, err := thread.Send(context.Background(), "too long")
	require.ErrorIs(t, err, optimistic.ErrMutationRejected)
	require.ErrorIs(t, err, transport.ErrValidation)
	require.Empty(t, thread.Messages())
	require.Equal(t, []string{"content: Ensure this field has no more than 4000 characters."}, n.all())
}

func TestThreadRejectsEmptyMessage(t *testing.T) {
	thread := NewThread("t1", ThreadOptions{API: &fakeAPI{}})
	_, err := thread.Send(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)
	require.Empty(t, thread.Entries())
}

func TestThreadAskAgentAppendsReplyAfterPrompt(t *testing.T) {
	backend := &fakeAPI{}
	thread := NewThread("t1", ThreadOptions{API: backend, Self: self})
	ctx := context.Background()

	reply, err := thread.AskAgent(ctx, "why?")
	require.NoError(t, err)
	require.Equal(t, types.MessageAgent, reply.Kind)
	require.Equal(t, []string{"why?", "re: why?"}, contents(thread.Messages()))
	require.Zero(t, thread.messages.Pending())

	// The refetch replaces the local prompt with the stored one.
	require.NoError(t, thread.Load(ctx))
	msgs := thread.Messages()
	require.Equal(t, []string{"why?", "re: why?"}, contents(msgs))
	require.Equal(t, types.ID("1"), msgs[0].ID)
}

func TestThreadAskAgentPromptSettledByPush(t *testing.T) {
	backend := &fakeAPI{}
	thread := NewThread("t1", ThreadOptions{API: backend, Self: self})

	_, err := thread.AskAgent(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, optimistic.StatusAccepted, thread.Entries()[0].Status)

	// The server pushes the stored prompt and the reply.
	backend.mu.Lock()
	stored := append([]types.Message(nil), backend.messages...)
	backend.mu.Unlock()
	require.NotEmpty(t, stored[0].LocalID)
	for _, msg := range stored {
		thread.ApplyPush(msg)
	}

	entries := thread.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "1", entries[0].ServerID)
	require.Equal(t, "hello", entries[0].Value.Content)
	require.Equal(t, "2", entries[1].ServerID)
	require.Equal(t, "re: hello", entries[1].Value.Content)
	for _, e := range entries {
		require.Equal(t, optimistic.StatusConfirmed, e.Status)
	}
}

func TestThreadAskAgentPromptPairsWithUnechoedPush(t *testing.T) {
	backend := &fakeAPI{}
	thread := NewThread("t1", ThreadOptions{API: backend, Self: self})

	_, err := thread.AskAgent(context.Background(), "hello")
	require.NoError(t, err)

	// A backend that drops local_id still stores the prompt as ours.
	thread.ApplyPush(types.Message{ID: "1", Thread: "t1", SenderUser: "u1", Kind: types.MessageHuman, Content: "hello"})

	require.Equal(t, []string{"hello", "re: hello"}, contents(thread.Messages()))
	entries := thread.Entries()
	require.Equal(t, "1", entries[0].ServerID)
	require.Equal(t, "2", entries[1].ServerID)
}

func TestThreadAskAgentFailureRemovesPrompt(t *testing.T) {
	backend := &fakeAPI{failWith: fmt.Errorf("%w: 502", transport.ErrTransient)}
	n := &notes{}
	thread := NewThread("t1", ThreadOptions{API: backend, Notify: n.notifier()})

	_, err := thread.AskAgent(context.Background(), "why?")
	require.Error(t, err)
	require.Empty(t, thread.Messages())
	require.Equal(t, []string{"Failed to get AI response: the server could not be reached."}, n.all())
}

func TestThreadApplyPush(t *testing.T) {
	backend := &fakeAPI{}
	thread := NewThread("t1", ThreadOptions{API: backend})

	var localID string
	backend.hook = func() {
		localID = thread.Entries()[0].LocalID
		// The push for our own message races ahead of the response.
		thread.ApplyPush(types.Message{ID: "1", Thread: "t1", Content: "mine", LocalID: localID})
	}
	_, err := thread.Send(context.Background(), "mine")
	require.NoError(t, err)

	thread.ApplyPush(types.Message{ID: "9", Thread: "other", Content: "elsewhere"})
	thread.ApplyPush(types.Message{ID: "2", Thread: "t1", Content: "theirs"})
	thread.ApplyPush(types.Message{Thread: "t1", Content: "no id"})

	require.Equal(t, []string{"mine", "theirs"}, contents(thread.Messages()))
}

func TestThreadLoadFailureNotifies(t *testing.T) {
	n := &notes{}
	thread := NewThread("t1", ThreadOptions{
		API:    &fakeAPI{failWith: fmt.Errorf("%w: gone", transport.ErrSessionExpired)},
		Notify: n.notifier(),
	})

	require.Error(t, thread.Load(context.Background()))
	require.Equal(t, []string{"Your session has expired. Please log in again."}, n.all())
}

func TestProjectThreadsAndMembers(t *testing.T) {
	backend := &fakeAPI{
		members: []types.Membership{{ID: "m1", User: "u1", Role: "owner"}, {ID: "m2", User: "u2", Role: "member"}},
	}
	p := NewProject(types.Project{ID: "p1", Slug: "core"}, ProjectOptions{API: backend})
	ctx := context.Background()

	thread, err := p.CreateThread(ctx, " planning ", nil)
	require.NoError(t, err)
	require.Equal(t, "planning", thread.Title)
	require.NoError(t, p.LoadThreads(ctx))
	require.Len(t, p.Threads(), 1)

	_, err = p.CreateThread(ctx, "", nil)
	require.ErrorIs(t, err, ErrEmptyTitle)

	require.NoError(t, p.LoadMembers(ctx))
	added, err := p.AddMember(ctx, "u3", "member")
	require.NoError(t, err)
	require.Len(t, p.Members(), 3)
	require.Equal(t, added.ID, p.Members()[2].ID)

	p.ApplyMemberRemoved("m2")
	require.Len(t, p.Members(), 2)

	p.ApplyThreadPush(types.Thread{ID: "t9", Project: "p1", Title: "pushed"})
	p.ApplyThreadPush(types.Thread{ID: "t8", Project: "p2", Title: "elsewhere"})
	require.Len(t, p.Threads(), 2)
}

func TestProjectRemoveMemberRestoresOnFailure(t *testing.T) {
	backend := &fakeAPI{
		members: []types.Membership{{ID: "m1"}, {ID: "m2"}, {ID: "m3"}},
	}
	n := &notes{}
	p := NewProject(types.Project{ID: "p1", Slug: "core"}, ProjectOptions{API: backend, Notify: n.notifier()})
	ctx := context.Background()
	require.NoError(t, p.LoadMembers(ctx))

	backend.failWith = validationError(`{"detail":"You cannot remove the project owner."}`)
	backend.hook = func() {
		// Hidden while the request is in flight.
		require.Len(t, p.Members(), 2)
	}
	err := p.RemoveMember(ctx, "m2")
	require.ErrorIs(t, err, optimistic.ErrMutationRejected)

	ids := []types.ID{}
	for _, m := range p.Members() {
		ids = append(ids, m.ID)
	}
	require.Equal(t, []types.ID{"m1", "m2", "m3"}, ids)
	require.Equal(t, []string{"You cannot remove the project owner."}, n.all())

	backend.failWith = nil
	backend.hook = nil
	require.NoError(t, p.RemoveMember(ctx, "m2"))
	require.Len(t, p.Members(), 2)
}

func TestUserMessage(t *testing.T) {
	require.Equal(t, "", UserMessage(nil, "x"))
	require.Equal(t, "Please log in first.", UserMessage(transport.ErrUnauthenticated, "x"))
	require.Equal(t, "bad thing", UserMessage(validationError(`{"message":"bad thing"}`), "x"))
	require.Equal(t, "first", UserMessage(validationError(`{"non_field_errors":["first","second"]}`), "x"))
	require.Equal(t, "fallback", UserMessage(validationError(`not json`), "fallback"))
	require.Equal(t, "fallback", UserMessage(errors.New("boom"), "fallback"))
}
