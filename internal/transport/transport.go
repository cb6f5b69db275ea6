// Package transport sends every outbound API request.
//
// Transport attaches the current access credential, detects authorization
// failures, and renews the credential through a single shared renewal per
// expired credential. Each request is retried at most once after a renewal.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bhandras/huddle/internal/crypto"
	"github.com/bhandras/huddle/internal/metrics"
	"github.com/bhandras/huddle/internal/storage"
	"github.com/bhandras/huddle/internal/version"
	"github.com/bhandras/huddle/pkg/logger"
)

const (
	// DefaultRefreshPath is the credential renewal endpoint.
	DefaultRefreshPath = "/api/auth/token/refresh/"

	defaultHTTPTimeout = 15 * time.Second
	// renewalTimeout bounds a renewal detached from its callers' contexts.
	renewalTimeout = 30 * time.Second
	// maxResponseBytes caps how much of a response body is buffered.
	maxResponseBytes = 8 << 20
)

// Credentials is the view of the credential store the transport needs.
type Credentials interface {
	AccessToken() string
	RefreshToken() string
	Tokens() (access, refresh string)
	Rotate(prevRefresh, access, refresh string) error
	Invalidate(refresh string) (bool, error)
}

// Request describes one API call.
type Request struct {
	Method string
	// Path is appended to the base URL and must start with "/".
	Path  string
	Query url.Values
	// Body is JSON-encoded when non-nil.
	Body any
	// Anonymous requests never carry a credential and never trigger renewal
	// (login, register, the refresh call itself).
	Anonymous bool
}

// Response is a fully buffered 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v. An empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if r == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Options configures a Transport.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	// RefreshPath overrides DefaultRefreshPath.
	RefreshPath string
	// RefreshWindow enables proactive renewal of JWT access credentials
	// expiring within the window. Zero disables it.
	RefreshWindow time.Duration
	Metrics       *metrics.Metrics
	// Now is the clock used for proactive renewal.
	Now func() time.Time
}

// Transport is safe for concurrent use.
type Transport struct {
	baseURL     string
	refreshPath string
	client      *http.Client
	creds       Credentials
	window      time.Duration
	metrics     *metrics.Metrics
	now         func() time.Time

	// renewals holds at most one live renewal per refresh credential;
	// concurrent callers of the same session share its result.
	renewals singleflight.Group
	// waiting counts requests currently awaiting the live renewal.
	waiting atomic.Int32

	mu        sync.Mutex
	onExpired []func()
}

// New constructs a Transport.
func New(opts Options, creds Credentials) *Transport {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	refreshPath := opts.RefreshPath
	if refreshPath == "" {
		refreshPath = DefaultRefreshPath
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Transport{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		refreshPath: refreshPath,
		client:      client,
		creds:       creds,
		window:      opts.RefreshWindow,
		metrics:     opts.Metrics,
		now:         now,
	}
}

// OnSessionExpired registers fn to run after a failed renewal cleared the
// session. It runs once per cleared session, on the renewing goroutine.
func (t *Transport) OnSessionExpired(fn func()) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onExpired = append(t.onExpired, fn)
}

// BaseURL returns the configured backend base URL.
func (t *Transport) BaseURL() string { return t.baseURL }

// RenewalWaiters reports how many requests are awaiting the live renewal.
func (t *Transport) RenewalWaiters() int { return int(t.waiting.Load()) }

// attemptState is the per-request retry state machine.
type attemptState int

const (
	attemptInitial attemptState = iota
	attemptRetried
	attemptTerminal
)

// Send performs req and returns the buffered 2xx response.
//
// A 401 on a credentialed request triggers (or joins) a renewal and one retry
// with the renewed credential. A second 401 is terminal. Any other failure is
// returned as *RequestError or a transient network error.
func (t *Transport) Send(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	token := ""
	if !req.Anonymous {
		token = t.creds.AccessToken()
		if token != "" && t.window > 0 && crypto.ExpiresWithin(token, t.now(), t.window) {
			logger.Debugf("transport: access credential expiring, renewing before %s %s", req.Method, req.Path)
			if token, err = t.Renew(ctx, token); err != nil {
				return nil, err
			}
		}
	}

	state := attemptInitial
	for {
		resp, err := t.roundTrip(ctx, req, body, token)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		reqErr := newRequestError(req, resp)
		if !errors.Is(reqErr, ErrAuthorizationExpired) {
			return nil, reqErr
		}
		if token == "" {
			return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, reqErr)
		}

		switch state {
		case attemptInitial:
			renewed, err := t.Renew(ctx, token)
			if err != nil {
				return nil, err
			}
			token = renewed
			state = attemptRetried
			t.metrics.Retried()
			logger.Debugf("transport: retrying %s %s with renewed credential", req.Method, req.Path)

		default:
			state = attemptTerminal
			logger.Warnf("transport: %s %s rejected after renewal", req.Method, req.Path)
			return nil, fmt.Errorf("%w: credential rejected after renewal: %w", ErrSessionExpired, reqErr)
		}
	}
}

// Renew returns a valid access credential to replace stale.
//
// If the store already holds a different credential (another request renewed
// it first) that credential is returned without contacting the server.
// Otherwise the caller starts or joins the live renewal of its own session.
// Renewals are keyed by refresh credential, so a request from a session that
// replaced another never waits on the old session's renewal.
func (t *Transport) Renew(ctx context.Context, stale string) (string, error) {
	access, refreshToken := t.creds.Tokens()
	if access == "" {
		return "", fmt.Errorf("%w: session cleared", ErrSessionExpired)
	}
	if access != stale {
		return access, nil
	}
	if refreshToken == "" {
		return "", fmt.Errorf("%w: no refresh credential", ErrSessionExpired)
	}

	t.waiting.Add(1)
	defer t.waiting.Add(-1)

	leader := false
	ch := t.renewals.DoChan(t.refreshPath+"\x00"+refreshToken, func() (any, error) {
		leader = true
		return t.refresh(ctx, stale, refreshToken)
	})

	select {
	case res := <-ch:
		if !leader {
			t.metrics.RenewalJoined()
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type refreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// refresh performs the renewal call. It runs once per live renewal and is
// the only place that clears the session on renewal failure.
func (t *Transport) refresh(parent context.Context, stale, refreshToken string) (string, error) {
	// A renewal that finished between the caller's check and this flight
	// starting has already produced the credential to use.
	if current := t.creds.AccessToken(); current != stale {
		if current == "" {
			return "", fmt.Errorf("%w: session cleared", ErrSessionExpired)
		}
		return current, nil
	}

	t.metrics.RenewalStarted()

	// Detached so one caller giving up does not fail every waiter.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), renewalTimeout)
	defer cancel()

	logger.Debugf("transport: renewing access credential")

	req := &Request{Method: http.MethodPost, Path: t.refreshPath, Anonymous: true}
	body, err := encodeBody(map[string]string{"refresh": refreshToken})
	if err != nil {
		return "", err
	}
	resp, err := t.roundTrip(ctx, req, body, "")
	if err != nil {
		return "", t.expire(refreshToken, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", t.expire(refreshToken, newRequestError(req, resp))
	}

	var decoded refreshResponse
	if err := resp.Decode(&decoded); err != nil {
		return "", t.expire(refreshToken, err)
	}
	if decoded.Access == "" {
		return "", t.expire(refreshToken, fmt.Errorf("refresh response missing access credential"))
	}

	if err := t.creds.Rotate(refreshToken, decoded.Access, decoded.Refresh); err != nil {
		if errors.Is(err, storage.ErrNoSession) {
			// Logged out, or logged in again, while the renewal was in
			// flight.
			return "", fmt.Errorf("%w: session replaced during renewal", ErrSessionExpired)
		}
		return "", fmt.Errorf("store renewed credential: %w", err)
	}

	logger.Debugf("transport: access credential renewed")
	return decoded.Access, nil
}

// expire clears the session that held refreshToken after its renewal failed
// and notifies listeners. A session that was already replaced is left alone.
func (t *Transport) expire(refreshToken string, cause error) error {
	t.metrics.RenewalFailed()
	logger.Warnf("transport: renewal failed: %v", cause)

	cleared, err := t.creds.Invalidate(refreshToken)
	if err != nil {
		logger.Errorf("transport: failed to clear session: %v", err)
	}
	if !cleared {
		return fmt.Errorf("%w: %w", ErrSessionExpired, cause)
	}

	t.mu.Lock()
	hooks := append([]func(){}, t.onExpired...)
	t.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}

	return fmt.Errorf("%w: %w", ErrSessionExpired, cause)
}

func (t *Transport) roundTrip(ctx context.Context, req *Request, body []byte, token string) (*Response, error) {
	if t.baseURL == "" {
		return nil, fmt.Errorf("server URL not set")
	}
	if !strings.HasPrefix(req.Path, "/") {
		return nil, fmt.Errorf("request path %q must start with /", req.Path)
	}

	fullURL := t.baseURL + req.Path
	if len(req.Query) > 0 {
		fullURL += "?" + req.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		t.metrics.ObserveStatus(0)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s %s: %w", ErrTransient, method, req.Path, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		t.metrics.ObserveStatus(0)
		return nil, fmt.Errorf("%w: read response: %w", ErrTransient, err)
	}
	t.metrics.ObserveStatus(httpResp.StatusCode)

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}, nil
}

func encodeBody(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		return raw, nil
	}
}
