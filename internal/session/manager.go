// Package session owns the login lifecycle of one running process: restore
// on startup, login, registration and logout.
//
// The Manager is the only writer of the current identity. The credential
// pair lives in the storage.CredentialStore and is renewed by the transport.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bhandras/huddle/internal/api"
	"github.com/bhandras/huddle/internal/storage"
	"github.com/bhandras/huddle/pkg/logger"
	"github.com/bhandras/huddle/pkg/types"
)

// ErrNotLoggedIn is returned by operations that need a session.
var ErrNotLoggedIn = errors.New("not logged in")

// Backend is the subset of the REST API the session lifecycle needs.
type Backend interface {
	Login(ctx context.Context, username, password string) (*types.AuthResponse, error)
	Register(ctx context.Context, reg types.Registration) (*types.AuthResponse, error)
	Me(ctx context.Context) (*types.Identity, error)
	UpdateProfile(ctx context.Context, update api.ProfileUpdate) (*types.Identity, error)
}

// ExpiryNotifier reports sessions cleared by a failed renewal.
type ExpiryNotifier interface {
	OnSessionExpired(fn func())
}

// Listener observes identity changes. ok is false after logout or expiry.
type Listener func(identity types.Identity, ok bool)

// Manager tracks the current identity.
type Manager struct {
	store   *storage.CredentialStore
	backend Backend

	// switchMu serialises operations that replace the session, so two
	// logins never interleave their clear and set.
	switchMu sync.Mutex

	mu        sync.Mutex
	identity  *types.Identity
	loading   bool
	ready     chan struct{}
	readyOnce sync.Once
	nextSub   int
	listeners map[int]Listener
}

// NewManager constructs a Manager. If expiry is non-nil the manager drops
// its identity whenever a renewal failure clears the session.
func NewManager(store *storage.CredentialStore, backend Backend, expiry ExpiryNotifier) *Manager {
	m := &Manager{
		store:     store,
		backend:   backend,
		ready:     make(chan struct{}),
		listeners: make(map[int]Listener),
	}
	if expiry != nil {
		expiry.OnSessionExpired(m.handleExpired)
	}
	return m
}

// Ready is closed once the first Restore has finished, whatever its outcome.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

// Loading reports whether a Restore is in progress.
func (m *Manager) Loading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loading
}

// Identity returns the current identity.
func (m *Manager) Identity() (types.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return types.Identity{}, false
	}
	return *m.identity, true
}

// Subscribe registers fn for identity changes and returns a func that
// removes it. Listeners run on the goroutine that made the change.
func (m *Manager) Subscribe(fn Listener) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Restore loads persisted credentials and verifies them by fetching the
// current identity. An expired access credential is renewed once by the
// transport on the way. Any failure leaves the process logged out; Restore
// never returns an error.
func (m *Manager) Restore(ctx context.Context) (types.Identity, bool) {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.setLoading(true)
	defer func() {
		m.setLoading(false)
		m.readyOnce.Do(func() { close(m.ready) })
	}()

	_, ok, err := m.store.Load()
	if err != nil {
		logger.Warnf("session: failed to read stored credentials: %v", err)
		m.drop()
		return types.Identity{}, false
	}
	if !ok {
		logger.Debugf("session: no stored credentials")
		m.drop()
		return types.Identity{}, false
	}

	me, err := m.backend.Me(ctx)
	if err != nil {
		logger.Warnf("session: could not verify stored credentials: %v", err)
		if err := m.store.Clear(); err != nil {
			logger.Errorf("session: failed to clear credentials: %v", err)
		}
		m.drop()
		return types.Identity{}, false
	}
	if err := m.store.SetIdentity(*me); err != nil {
		// Cleared by a concurrent logout.
		m.drop()
		return types.Identity{}, false
	}

	logger.Infof("session: restored session for %s", me.Username)
	m.set(*me)
	return *me, true
}

// Login authenticates with a username and password. On failure any prior
// session is left untouched.
func (m *Manager) Login(ctx context.Context, username, password string) (types.Identity, error) {
	resp, err := m.backend.Login(ctx, username, password)
	if err != nil {
		return types.Identity{}, fmt.Errorf("login: %w", err)
	}
	if err := m.switchTo(resp); err != nil {
		return types.Identity{}, fmt.Errorf("login: %w", err)
	}
	logger.Infof("session: logged in as %s", resp.User.Username)
	return resp.User, nil
}

// Register creates an account and logs into it. On failure any prior
// session is left untouched.
func (m *Manager) Register(ctx context.Context, reg types.Registration) (types.Identity, error) {
	resp, err := m.backend.Register(ctx, reg)
	if err != nil {
		return types.Identity{}, fmt.Errorf("register: %w", err)
	}
	if err := m.switchTo(resp); err != nil {
		return types.Identity{}, fmt.Errorf("register: %w", err)
	}
	logger.Infof("session: registered %s", resp.User.Username)
	return resp.User, nil
}

// Logout clears the session. Logging out without a session is a no-op.
func (m *Manager) Logout() error {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	if err := m.store.Clear(); err != nil {
		m.drop()
		return fmt.Errorf("logout: %w", err)
	}
	m.drop()
	return nil
}

// RefreshIdentity refetches the current identity from the server.
func (m *Manager) RefreshIdentity(ctx context.Context) (types.Identity, error) {
	if _, ok := m.Identity(); !ok {
		return types.Identity{}, ErrNotLoggedIn
	}
	me, err := m.backend.Me(ctx)
	if err != nil {
		return types.Identity{}, err
	}
	return m.replace(*me)
}

// UpdateProfile edits the current user's profile and adopts the returned
// identity.
func (m *Manager) UpdateProfile(ctx context.Context, update api.ProfileUpdate) (types.Identity, error) {
	if _, ok := m.Identity(); !ok {
		return types.Identity{}, ErrNotLoggedIn
	}
	me, err := m.backend.UpdateProfile(ctx, update)
	if err != nil {
		return types.Identity{}, err
	}
	return m.replace(*me)
}

// switchTo installs a new session: the old one is fully cleared before the
// new pair is stored.
func (m *Manager) switchTo(resp *types.AuthResponse) error {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	if err := m.store.Clear(); err != nil {
		m.drop()
		return err
	}
	m.drop()

	user := resp.User
	err := m.store.Save(storage.Credentials{
		Access:   resp.Access,
		Refresh:  resp.Refresh,
		Identity: &user,
	})
	if err != nil {
		return err
	}
	m.set(user)
	return nil
}

// replace swaps in a refetched identity for the same session.
func (m *Manager) replace(identity types.Identity) (types.Identity, error) {
	if err := m.store.SetIdentity(identity); err != nil {
		if errors.Is(err, storage.ErrNoSession) {
			m.drop()
			return types.Identity{}, ErrNotLoggedIn
		}
		return types.Identity{}, err
	}
	m.set(identity)
	return identity, nil
}

func (m *Manager) handleExpired() {
	logger.Infof("session: session expired")
	m.drop()
}

func (m *Manager) setLoading(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loading = v
}

func (m *Manager) set(identity types.Identity) {
	m.mu.Lock()
	m.identity = &identity
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(identity, true)
	}
}

// drop forgets the identity, notifying listeners if there was one.
func (m *Manager) drop() {
	m.mu.Lock()
	had := m.identity != nil
	m.identity = nil
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	if !had {
		return
	}
	for _, fn := range listeners {
		fn(types.Identity{}, false)
	}
}

func (m *Manager) snapshotListenersLocked() []Listener {
	out := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		out = append(out, fn)
	}
	return out
}
