// Package websocket subscribes to server push updates over Socket.IO and
// decodes them into huddle records.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	socket "github.com/zishang520/socket.io/clients/socket/v3"
	sio "github.com/zishang520/socket.io/v3/pkg/types"

	"github.com/bhandras/huddle/pkg/logger"
	"github.com/bhandras/huddle/pkg/types"
)

// Event is a push event name.
type Event string

const (
	EventMessageCreated Event = "message-created"
	EventThreadCreated  Event = "thread-created"
	EventMemberAdded    Event = "member-added"
	EventMemberRemoved  Event = "member-removed"
)

const (
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"

	// DefaultPath is the Socket.IO mount point of the push channel.
	DefaultPath = "/updates"

	defaultMinRefreshInterval = 10 * time.Second
	refreshTimeout            = 30 * time.Second
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("push client closed")

// Refresher renews the access credential. stale is the credential the
// failed handshake carried.
type Refresher func(ctx context.Context, stale string) (string, error)

// MemberRemoval is the payload of a member-removed event.
type MemberRemoval struct {
	Project types.ID `json:"project"`
	Member  types.ID `json:"member"`
}

// Options configures a Client.
type Options struct {
	ServerURL string
	Path      string
	Token     string
	// Transport is websocket or polling. Websocket still starts with a
	// polling handshake and upgrades.
	Transport string
	Refresh   Refresher
	// MinRefreshInterval bounds how often connect errors may trigger a
	// renewal.
	MinRefreshInterval time.Duration
}

// Client is a push channel subscription.
type Client struct {
	serverURL          string
	path               string
	transport          string
	minRefreshInterval time.Duration

	mu            sync.RWMutex
	token         string
	socket        *socket.Socket
	connected     bool
	closed        bool
	refresher     Refresher
	refreshing    bool
	lastRefreshAt time.Time

	onMessage       func(types.Message)
	onThread        func(types.Thread)
	onMemberAdded   func(types.Membership)
	onMemberRemoved func(MemberRemoval)

	// reconnectFn is swapped out in tests.
	reconnectFn func() error
}

// NewClient creates a push client. Nothing is dialled until Connect.
func NewClient(opts Options) *Client {
	c := &Client{
		serverURL:          strings.TrimRight(opts.ServerURL, "/"),
		path:               opts.Path,
		transport:          strings.ToLower(opts.Transport),
		minRefreshInterval: opts.MinRefreshInterval,
		token:              opts.Token,
		refresher:          opts.Refresh,
	}
	if c.path == "" {
		c.path = DefaultPath
	}
	if c.transport != TransportPolling {
		c.transport = TransportWebSocket
	}
	if c.minRefreshInterval <= 0 {
		c.minRefreshInterval = defaultMinRefreshInterval
	}
	c.reconnectFn = c.reconnect
	return c
}

// SetTokenRefresher installs the renewal used after authorization failures.
func (c *Client) SetTokenRefresher(fn Refresher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refresher = fn
}

// OnMessage registers the handler for message-created.
func (c *Client) OnMessage(fn func(types.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnThread registers the handler for thread-created.
func (c *Client) OnThread(fn func(types.Thread)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onThread = fn
}

// OnMemberAdded registers the handler for member-added.
func (c *Client) OnMemberAdded(fn func(types.Membership)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMemberAdded = fn
}

// OnMemberRemoved registers the handler for member-removed.
func (c *Client) OnMemberRemoved(fn func(MemberRemoval)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMemberRemoved = fn
}

// Connect dials the push channel with the current token. Connection
// progress is asynchronous; use WaitForConnect to block.
func (c *Client) Connect() error {
	c.mu.RLock()
	token := c.token
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	logger.Debugf("push: connecting to %s (path: %s, transport: %s)", c.serverURL, c.path, c.transport)

	opts := socket.DefaultOptions()
	opts.SetPath(c.path)
	if c.transport == TransportPolling {
		opts.SetTransports(sio.NewSet(socket.Polling))
	} else {
		opts.SetTransports(sio.NewSet(socket.Polling, socket.WebSocket))
	}
	opts.SetAuth(map[string]any{"token": token})

	sock, err := socket.Connect(c.serverURL, opts)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	sock.On(sio.EventName("connect"), func(args ...any) {
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		logger.Debugf("push: connected (id: %s)", sock.Id())
	})

	sock.On(sio.EventName("disconnect"), func(args ...any) {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		reason := ""
		if len(args) > 0 {
			if r, ok := args[0].(string); ok {
				reason = r
			}
		}
		logger.Debugf("push: disconnected: %s", reason)
	})

	sock.On(sio.EventName("connect_error"), func(args ...any) {
		if len(args) > 0 {
			logger.Warnf("push: connection error: %v", args[0])
		}
		c.maybeRefreshToken(args)
	})

	for _, event := range []Event{EventMessageCreated, EventThreadCreated, EventMemberAdded, EventMemberRemoved} {
		event := event
		sock.On(sio.EventName(event), func(args ...any) {
			c.dispatch(event, args)
		})
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sock.Disconnect()
		return ErrClosed
	}
	c.socket = sock
	c.mu.Unlock()
	return nil
}

// dispatch decodes a push payload and hands it to the registered handler.
// Handlers run on the Socket.IO event goroutine.
func (c *Client) dispatch(event Event, args []any) {
	if len(args) == 0 {
		logger.Warnf("push: %s without payload", event)
		return
	}
	raw, err := json.Marshal(args[0])
	if err != nil {
		logger.Warnf("push: failed to encode %s payload: %v", event, err)
		return
	}
	logger.Tracef("push: %s %s", event, raw)

	c.mu.RLock()
	onMessage, onThread := c.onMessage, c.onThread
	onAdded, onRemoved := c.onMemberAdded, c.onMemberRemoved
	c.mu.RUnlock()

	switch event {
	case EventMessageCreated:
		var msg types.Message
		if decode(event, raw, &msg) && onMessage != nil {
			onMessage(msg)
		}
	case EventThreadCreated:
		var thread types.Thread
		if decode(event, raw, &thread) && onThread != nil {
			onThread(thread)
		}
	case EventMemberAdded:
		var m types.Membership
		if decode(event, raw, &m) && onAdded != nil {
			onAdded(m)
		}
	case EventMemberRemoved:
		var r MemberRemoval
		if decode(event, raw, &r) && onRemoved != nil {
			onRemoved(r)
		}
	default:
		logger.Debugf("push: ignoring %s", event)
	}
}

func decode(event Event, raw []byte, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		logger.Warnf("push: malformed %s payload: %v", event, err)
		return false
	}
	return true
}

// maybeRefreshToken renews the credential and reconnects when a connect
// error looks like an authorization failure. At most one renewal runs at a
// time and renewals are spaced by minRefreshInterval.
func (c *Client) maybeRefreshToken(args []any) {
	if !isAuthError(args) {
		return
	}

	c.mu.Lock()
	refresher := c.refresher
	if refresher == nil || c.closed || c.refreshing ||
		time.Since(c.lastRefreshAt) < c.minRefreshInterval {
		c.mu.Unlock()
		return
	}
	c.refreshing = true
	c.lastRefreshAt = time.Now()
	stale := c.token
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.refreshing = false
			c.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()

		token, err := refresher(ctx, stale)
		if err != nil {
			logger.Warnf("push: token renewal failed: %v", err)
			return
		}

		c.mu.Lock()
		c.token = token
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		logger.Infof("push: token renewed, reconnecting")
		if err := c.reconnectFn(); err != nil {
			logger.Warnf("push: reconnect failed: %v", err)
		}
	}()
}

func isAuthError(args []any) bool {
	for _, arg := range args {
		msg := strings.ToLower(fmt.Sprint(arg))
		for _, marker := range []string{"401", "unauthorized", "unauthorised", "token", "expired", "authentication"} {
			if strings.Contains(msg, marker) {
				return true
			}
		}
	}
	return false
}

func (c *Client) reconnect() error {
	c.mu.Lock()
	old := c.socket
	c.socket = nil
	c.connected = false
	c.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}
	return c.Connect()
}

// WaitForConnect waits for the socket to report connected or times out.
func (c *Client) WaitForConnect(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.IsConnected() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return c.IsConnected()
}

// Close disconnects and prevents further reconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.socket != nil {
		c.socket.Disconnect()
		c.socket = nil
	}
	c.connected = false
	return nil
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	sock := c.socket
	connected := c.connected
	c.mu.RUnlock()

	if connected {
		return true
	}

	if sock != nil && sock.Connected() {
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		return true
	}

	return false
}
