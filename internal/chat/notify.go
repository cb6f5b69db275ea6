package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bhandras/huddle/internal/transport"
)

// Notifier shows a user-facing message for a failed operation. err is the
// underlying error for logging.
type Notifier func(message string, err error)

func (n Notifier) notify(fallback string, err error) {
	if n == nil || err == nil {
		return
	}
	n(UserMessage(err, fallback), err)
}

// UserMessage renders err for display. Validation failures show the
// server's own explanation when it sent one; otherwise fallback is used.
func UserMessage(err error, fallback string) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, transport.ErrSessionExpired):
		return "Your session has expired. Please log in again."
	case errors.Is(err, transport.ErrUnauthenticated):
		return "Please log in first."
	case errors.Is(err, transport.ErrTransient):
		return fallback + ": the server could not be reached."
	}

	var reqErr *transport.RequestError
	if errors.As(err, &reqErr) {
		if detail := serverDetail(reqErr.Body); detail != "" {
			return detail
		}
	}
	return fallback
}

// serverDetail extracts a message from an error body such as
// {"detail": "..."}, {"message": "..."} or {"title": ["This field is required."]}.
func serverDetail(body []byte) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return ""
	}

	for _, key := range []string{"detail", "message", "non_field_errors"} {
		if msg := firstString(fields[key]); msg != "" {
			return msg
		}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if msg := firstString(fields[k]); msg != "" {
			return fmt.Sprintf("%s: %s", k, msg)
		}
	}
	return ""
}

func firstString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return strings.TrimSpace(list[0])
	}
	return ""
}
