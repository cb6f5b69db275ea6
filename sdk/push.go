package sdk

import (
	"fmt"
	"time"

	"github.com/bhandras/huddle/internal/session"
	"github.com/bhandras/huddle/internal/websocket"
	"github.com/bhandras/huddle/pkg/logger"
	"github.com/bhandras/huddle/pkg/types"
)

const connectTimeout = 10 * time.Second

// Connect subscribes to push updates for the logged-in user. Pushed records
// are merged into the open thread and project scopes. Calling Connect while
// connected is a no-op.
func (c *Client) Connect() error {
	token := c.store.AccessToken()
	if token == "" {
		return session.ErrNotLoggedIn
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.push != nil {
		c.mu.Unlock()
		return nil
	}
	push := websocket.NewClient(websocket.Options{
		ServerURL: c.cfg.ServerURL,
		Token:     token,
		Transport: c.cfg.SocketTransport,
		Refresh:   c.transport.Renew,
	})
	c.push = push
	c.mu.Unlock()

	c.subscribe(push)

	if err := push.Connect(); err != nil {
		c.dropPush(push)
		c.emitError(fmt.Sprintf("connect failed: %v", err))
		return err
	}
	if !push.WaitForConnect(connectTimeout) {
		// The socket keeps retrying in the background.
		logger.Warnf("sdk: push channel not connected after %s", connectTimeout)
	}
	return nil
}

// Disconnect stops push updates.
func (c *Client) Disconnect() {
	c.mu.Lock()
	push := c.push
	c.push = nil
	c.mu.Unlock()

	if push != nil {
		_ = push.Close()
	}
}

func (c *Client) dropPush(push *websocket.Client) {
	c.mu.Lock()
	if c.push == push {
		c.push = nil
	}
	c.mu.Unlock()
	_ = push.Close()
}

func (c *Client) subscribe(push *websocket.Client) {
	push.OnMessage(c.applyMessage)
	push.OnThread(c.applyThread)
	push.OnMemberAdded(c.applyMemberAdded)
	push.OnMemberRemoved(c.applyMemberRemoved)
}

func (c *Client) applyMessage(msg types.Message) {
	if t := c.lookupThread(msg.Thread); t != nil {
		t.ApplyPush(msg)
	}
}

func (c *Client) applyThread(thread types.Thread) {
	if p := c.lookupProject(thread.Project); p != nil {
		p.ApplyThreadPush(thread)
	}
}

func (c *Client) applyMemberAdded(m types.Membership) {
	if p := c.lookupProject(m.Project); p != nil {
		p.ApplyMemberAdded(m)
	}
}

func (c *Client) applyMemberRemoved(r websocket.MemberRemoval) {
	if p := c.lookupProject(r.Project); p != nil {
		p.ApplyMemberRemoved(r.Member)
	}
}
