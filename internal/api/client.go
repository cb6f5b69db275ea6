// Package api binds the backend's REST endpoints to typed calls.
//
// Every call goes through a transport.Transport, so credentials, renewal and
// error classification are handled there.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bhandras/huddle/internal/transport"
)

// Sender is the subset of transport.Transport the bindings use.
type Sender interface {
	Send(ctx context.Context, req *transport.Request) (*transport.Response, error)
}

// Client exposes the REST endpoints.
type Client struct {
	sender Sender
}

// New returns a Client sending through sender.
func New(sender Sender) *Client {
	return &Client{sender: sender}
}

func (c *Client) do(ctx context.Context, req *transport.Request, out any) error {
	resp, err := c.sender.Send(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := resp.Decode(out); err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, &transport.Request{Method: http.MethodGet, Path: path}, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, &transport.Request{Method: http.MethodPost, Path: path, Body: body}, out)
}

func (c *Client) put(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, &transport.Request{Method: http.MethodPut, Path: path, Body: body}, out)
}

func (c *Client) patch(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, &transport.Request{Method: http.MethodPatch, Path: path, Body: body}, out)
}

func (c *Client) delete(ctx context.Context, path string) error {
	return c.do(ctx, &transport.Request{Method: http.MethodDelete, Path: path}, nil)
}

// list fetches a collection endpoint. Paginated responses wrap items in
// {"results": [...]}; unpaginated ones return the bare array.
func list[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	resp, err := c.sender.Send(ctx, &transport.Request{Method: http.MethodGet, Path: path})
	if err != nil {
		return nil, err
	}
	items, err := decodeList[T](resp.Body)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	return items, nil
}

func decodeList[T any](body []byte) ([]T, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return []T{}, nil
	}

	if body[0] == '[' {
		var items []T
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("decode list: %w", err)
		}
		return items, nil
	}

	var page struct {
		Results []T `json:"results"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	if page.Results == nil {
		return []T{}, nil
	}
	return page.Results, nil
}

// path joins escaped segments into an API path with the trailing slash the
// backend expects.
func path(segments ...string) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	b.WriteByte('/')
	return b.String()
}
