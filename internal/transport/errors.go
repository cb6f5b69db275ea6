package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrUnauthenticated is returned when the server demands a credential and
	// none is held. It describes a state, not a failure.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrAuthorizationExpired marks a 401 on a request that carried an access
	// credential. It triggers renewal and is never returned from Send.
	ErrAuthorizationExpired = errors.New("authorization expired")

	// ErrSessionExpired is returned when renewal failed (the session has been
	// cleared) or the server rejected a freshly renewed credential.
	ErrSessionExpired = errors.New("session expired")

	// ErrValidation classifies 4xx business errors.
	ErrValidation = errors.New("validation failed")

	// ErrTransient classifies network failures and 5xx responses.
	ErrTransient = errors.New("transient failure")
)

// RequestError carries a non-2xx response for the caller to interpret.
type RequestError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte

	kind error
}

func newRequestError(req *Request, resp *Response) *RequestError {
	return classify(req.Method, req.Path, resp.StatusCode, resp.Body, req.Anonymous)
}

// NewRequestError builds the error Send returns for a credentialed request
// answered with status.
func NewRequestError(method, path string, status int, body []byte) *RequestError {
	return classify(method, path, status, body, false)
}

func classify(method, path string, status int, body []byte, anonymous bool) *RequestError {
	e := &RequestError{
		Method:     method,
		Path:       path,
		StatusCode: status,
		Body:       body,
	}
	switch {
	case status == http.StatusUnauthorized && !anonymous:
		e.kind = ErrAuthorizationExpired
	case status >= 500:
		e.kind = ErrTransient
	default:
		e.kind = ErrValidation
	}
	return e
}

func (e *RequestError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, body)
}

func (e *RequestError) Unwrap() error { return e.kind }

// Status extracts the HTTP status from err, or 0 when err did not come from a
// server response.
func Status(err error) int {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode
	}
	return 0
}
