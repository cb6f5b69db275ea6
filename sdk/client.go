// Package sdk is the embeddable entry point: it wires configuration, the
// credential store, the authenticated transport, the session lifecycle and
// the chat scopes behind one Client, and reports changes to a Listener.
package sdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bhandras/huddle/internal/api"
	"github.com/bhandras/huddle/internal/chat"
	"github.com/bhandras/huddle/internal/config"
	"github.com/bhandras/huddle/internal/metrics"
	"github.com/bhandras/huddle/internal/session"
	"github.com/bhandras/huddle/internal/storage"
	"github.com/bhandras/huddle/internal/transport"
	"github.com/bhandras/huddle/internal/websocket"
	"github.com/bhandras/huddle/pkg/logger"
	"github.com/bhandras/huddle/pkg/types"
)

const (
	// defaultDispatcherQueueSize is the mailbox size of the callback queue.
	defaultDispatcherQueueSize = 256
)

// ErrClosed is returned by operations on a closed Client.
var ErrClosed = errors.New("client closed")

// Listener receives SDK events. All callbacks run on one goroutine, in the
// order the changes happened. Nil fields are skipped.
type Listener struct {
	// OnSession reports login, logout and expiry.
	OnSession func(identity types.Identity, loggedIn bool)
	// OnMessages delivers the full visible message list of a thread,
	// drafts included.
	OnMessages func(threadID types.ID, messages []types.Message)
	OnThreads  func(projectID types.ID, threads []types.Thread)
	OnMembers  func(projectID types.ID, members []types.Membership)
	// OnError delivers user-facing failure messages.
	OnError func(message string)
}

// Options configures a Client beyond what config.Config carries.
type Options struct {
	Listener   Listener
	HTTPClient *http.Client
}

// Client is safe for concurrent use.
type Client struct {
	cfg       *config.Config
	metrics   *metrics.Metrics
	store     *storage.CredentialStore
	transport *transport.Transport
	api       *api.Client
	session   *session.Manager

	callbacks *dispatcher

	mu       sync.Mutex
	listener Listener
	threads  map[types.ID]*chat.Thread
	projects map[types.ID]*chat.Project
	push     *websocket.Client
	closed   bool
}

// New builds a Client from cfg. Nothing touches the network until Restore or
// Login.
func New(cfg *config.Config, opts Options) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("missing config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := storage.NewCredentialStore(cfg.HuddleHome)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	m := metrics.New()
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	tr := transport.New(transport.Options{
		BaseURL:       cfg.ServerURL,
		HTTPClient:    httpClient,
		RefreshWindow: cfg.RefreshWindow,
		Metrics:       m,
	}, store)
	backend := api.New(tr)

	c := &Client{
		cfg:       cfg,
		metrics:   m,
		store:     store,
		transport: tr,
		api:       backend,
		session:   session.NewManager(store, backend, tr),
		callbacks: newDispatcher(defaultDispatcherQueueSize),
		listener:  opts.Listener,
		threads:   make(map[types.ID]*chat.Thread),
		projects:  make(map[types.ID]*chat.Project),
	}
	c.session.Subscribe(c.handleIdentity)
	return c, nil
}

// SetListener replaces the listener.
func (c *Client) SetListener(listener Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = listener
}

// API exposes the REST bindings for calls that have no scope, such as
// project administration.
func (c *Client) API() *api.Client { return c.api }

// Gatherer exposes the client's metrics.
func (c *Client) Gatherer() prometheus.Gatherer { return c.metrics.Gatherer() }

// MetricsHandler serves the client's metrics in the Prometheus text format.
func (c *Client) MetricsHandler() http.Handler { return c.metrics.Handler() }

// Close stops push updates and flushes pending listener callbacks.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	push := c.push
	c.push = nil
	c.mu.Unlock()

	if push != nil {
		_ = push.Close()
	}
	c.callbacks.close()
	return nil
}

func (c *Client) getListener() Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

// emit queues fn against the current listener.
func (c *Client) emit(fn func(Listener)) {
	listener := c.getListener()
	_ = c.callbacks.do(func() { fn(listener) })
}

func (c *Client) emitError(message string) {
	c.emit(func(l Listener) {
		if l.OnError != nil {
			l.OnError(message)
		}
	})
}

// notify is the chat.Notifier shared by every scope.
func (c *Client) notify(message string, err error) {
	logger.Warnf("sdk: %s: %v", message, err)
	c.emitError(message)
}

// fail reports a failed operation that did not go through a chat scope.
func (c *Client) fail(fallback string, err error) {
	c.notify(chat.UserMessage(err, fallback), err)
}

func (c *Client) ctxErr(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return ctx.Err()
}
