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
	"github.com/bhandras/huddle/pkg/types"
)

// ErrEmptyTitle is returned when creating a thread without a title.
var ErrEmptyTitle = errors.New("thread title is empty")

// ProjectAPI is the subset of the REST API a Project uses.
type ProjectAPI interface {
	ListThreads(ctx context.Context, projectID types.ID) ([]types.Thread, error)
	CreateThread(ctx context.Context, projectID types.ID, thread api.NewThread) (*types.Thread, error)
	ListMembers(ctx context.Context, slug string) ([]types.Membership, error)
	AddMember(ctx context.Context, slug string, member api.NewMember) (*types.Membership, error)
	RemoveMember(ctx context.Context, slug string, memberID types.ID) error
}

// ProjectOptions configures a Project.
type ProjectOptions struct {
	API     ProjectAPI
	Notify  Notifier
	Metrics *metrics.Metrics
	Now     func() time.Time

	OnThreadsChange func()
	OnMembersChange func()
}

// Project holds the threads and memberships of one project.
type Project struct {
	project types.Project
	api     ProjectAPI
	notify  Notifier
	metrics *metrics.Metrics
	now     func() time.Time

	threads *optimistic.Coordinator[types.Thread]
	members *optimistic.Coordinator[types.Membership]
}

// NewProject constructs the scope for project. Thread endpoints address the
// project by id and membership endpoints by slug, so both must be set.
func NewProject(project types.Project, opts ProjectOptions) *Project {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Project{
		project: project,
		api:     opts.API,
		notify:  opts.Notify,
		metrics: opts.Metrics,
		now:     now,
		threads: optimistic.New(optimistic.Options[types.Thread]{
			Scope:    "threads",
			Key:      func(t types.Thread) string { return t.ID.String() },
			Echo:     func(t types.Thread) string { return t.LocalID },
			Metrics:  opts.Metrics,
			Now:      now,
			OnChange: opts.OnThreadsChange,
		}),
		members: optimistic.New(optimistic.Options[types.Membership]{
			Scope:    "members",
			Key:      func(m types.Membership) string { return m.ID.String() },
			Echo:     func(m types.Membership) string { return m.LocalID },
			Metrics:  opts.Metrics,
			Now:      now,
			OnChange: opts.OnMembersChange,
		}),
	}
}

// Project returns the project record the scope was built for.
func (p *Project) Project() types.Project { return p.project }

// LoadThreads refetches the thread list.
func (p *Project) LoadThreads(ctx context.Context) error {
	threads, err := p.api.ListThreads(ctx, p.project.ID)
	if err != nil {
		p.notify.notify("Failed to fetch chat threads", err)
		return err
	}
	p.threads.Reconcile(threads)
	return nil
}

// CreateThread creates a thread, showing it immediately.
func (p *Project) CreateThread(ctx context.Context, title string, participants []types.ID) (types.Thread, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return types.Thread{}, ErrEmptyTitle
	}

	created := p.now()
	draft := types.Thread{
		Title:        title,
		Project:      p.project.ID,
		Participants: participants,
		CreatedAt:    &created,
	}
	thread, err := p.threads.Track(ctx, draft, func(ctx context.Context, localID string) (types.Thread, error) {
		t, err := p.api.CreateThread(ctx, p.project.ID, api.NewThread{
			Project:      p.project.ID,
			Title:        title,
			Participants: participants,
			LocalID:      localID,
		})
		if err != nil {
			return types.Thread{}, err
		}
		return *t, nil
	})
	if err != nil {
		p.notify.notify("Failed to create thread", err)
		return types.Thread{}, err
	}
	return thread, nil
}

// LoadMembers refetches the membership list.
func (p *Project) LoadMembers(ctx context.Context) error {
	members, err := p.api.ListMembers(ctx, p.project.Slug)
	if err != nil {
		p.notify.notify("Failed to fetch members", err)
		return err
	}
	p.members.Reconcile(members)
	return nil
}

// AddMember adds user with role, showing the membership immediately.
func (p *Project) AddMember(ctx context.Context, user types.ID, role string) (types.Membership, error) {
	draft := types.Membership{Project: p.project.ID, User: user, Role: role}
	m, err := p.members.Track(ctx, draft, func(ctx context.Context, localID string) (types.Membership, error) {
		added, err := p.api.AddMember(ctx, p.project.Slug, api.NewMember{User: user, Role: role, LocalID: localID})
		if err != nil {
			return types.Membership{}, err
		}
		return *added, nil
	})
	if err != nil {
		p.notify.notify("Failed to add member", err)
		return types.Membership{}, err
	}
	return m, nil
}

// RemoveMember hides the membership at once and puts it back in place if the
// server refuses.
func (p *Project) RemoveMember(ctx context.Context, memberID types.ID) error {
	restore, ok := p.members.Remove(memberID.String())

	if err := p.api.RemoveMember(ctx, p.project.Slug, memberID); err != nil {
		if ok {
			restore()
		}
		p.metrics.Mutation("members", metrics.OutcomeFailed)
		err = fmt.Errorf("%w: %w", optimistic.ErrMutationRejected, err)
		p.notify.notify("Failed to remove member", err)
		return err
	}
	p.metrics.Mutation("members", metrics.OutcomeConfirmed)
	return nil
}

// ApplyThreadPush merges a thread delivered over the push channel.
func (p *Project) ApplyThreadPush(thread types.Thread) {
	if !thread.Project.IsZero() && thread.Project != p.project.ID {
		return
	}
	if thread.ID.IsZero() {
		return
	}
	p.threads.Upsert(thread)
}

// ApplyMemberAdded merges a membership delivered over the push channel.
func (p *Project) ApplyMemberAdded(m types.Membership) {
	if !m.Project.IsZero() && m.Project != p.project.ID {
		return
	}
	if m.ID.IsZero() {
		return
	}
	p.members.Upsert(m)
}

// ApplyMemberRemoved drops a membership removed elsewhere.
func (p *Project) ApplyMemberRemoved(memberID types.ID) {
	p.members.Remove(memberID.String())
}

// Threads returns the visible threads in order.
func (p *Project) Threads() []types.Thread { return p.threads.Values() }

// Members returns the visible memberships in order.
func (p *Project) Members() []types.Membership { return p.members.Values() }

// ThreadEntries returns the visible threads with their delivery state.
func (p *Project) ThreadEntries() []optimistic.Entry[types.Thread] { return p.threads.Items() }

// MemberEntries returns the visible memberships with their delivery state.
func (p *Project) MemberEntries() []optimistic.Entry[types.Membership] { return p.members.Items() }
