package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ID is an opaque server identifier.
//
// The API has historically returned ids both as JSON numbers and as JSON
// strings depending on the resource. ID accepts either on decode and always
// encodes as a string. Callers must treat it as opaque; numeric rendering is a
// display concern only.
type ID string

// String implements fmt.Stringer.
func (id ID) String() string { return string(id) }

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool { return id == "" }

// UnmarshalJSON accepts a JSON string, a JSON number, or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode id: %w", err)
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("decode id: non-integer %s", n)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON encodes the id as a JSON string.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(id))
}

// Identity is the authenticated user record returned by the API.
//
// Identity values are replaced wholesale on every fetch.
type Identity struct {
	ID          ID         `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	Avatar      string     `json:"avatar,omitempty"`
	IsVerified  bool       `json:"is_verified,omitempty"`
	DateJoined  *time.Time `json:"date_joined,omitempty"`
}

// Name returns the display name, falling back to the username.
func (i Identity) Name() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.Username
}

// Registration carries the fields accepted by the register endpoint.
type Registration struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password2"`
	DisplayName     string `json:"display_name,omitempty"`
}

// AuthResponse is returned by the login and register endpoints.
type AuthResponse struct {
	User    Identity `json:"user"`
	Access  string   `json:"access"`
	Refresh string   `json:"refresh"`
}

// PermissionMode selects how agent actions are approved.
type PermissionMode string

const (
	PermissionSuggestFirst PermissionMode = "suggest_first"
	PermissionAutoAction   PermissionMode = "auto_action"
)

// Settings holds per-user preferences.
type Settings struct {
	DefaultPermissionMode PermissionMode `json:"default_permission_mode,omitempty"`
	GitHubUsername        string         `json:"github_username,omitempty"`
	GitHubPAT             string         `json:"github_pat,omitempty"`
}

// Project is a collaborative workspace.
type Project struct {
	ID                    ID             `json:"id,omitempty"`
	Name                  string         `json:"name,omitempty"`
	Slug                  string         `json:"slug,omitempty"`
	Description           string         `json:"description,omitempty"`
	Visibility            string         `json:"visibility,omitempty"`
	DefaultPermissionMode PermissionMode `json:"default_permission_mode,omitempty"`
	CreatedAt             *time.Time     `json:"created_at,omitempty"`
	UpdatedAt             *time.Time     `json:"updated_at,omitempty"`
	MemberCount           int            `json:"member_count,omitempty"`
	IsMember              bool           `json:"is_member,omitempty"`
	UserRole              string         `json:"user_role,omitempty"`
}

// Membership links a user to a project with a role.
type Membership struct {
	ID          ID         `json:"id,omitempty"`
	Project     ID         `json:"project,omitempty"`
	User        ID         `json:"user,omitempty"`
	UserDetails Identity   `json:"user_details"`
	Role        string     `json:"role,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	// LocalID is echoed back by servers that support client-generated ids.
	LocalID string `json:"local_id,omitempty"`
}

// Thread is a chat thread inside a project.
type Thread struct {
	ID           ID         `json:"id,omitempty"`
	Title        string     `json:"title"`
	Project      ID         `json:"project,omitempty"`
	Participants []ID       `json:"participants,omitempty"`
	Role         string     `json:"role,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	LocalID      string     `json:"local_id,omitempty"`
}

// MessageKind distinguishes human and agent messages.
type MessageKind string

const (
	MessageHuman MessageKind = "human"
	MessageAgent MessageKind = "agent"
)

// Message is a single chat message.
type Message struct {
	ID         ID             `json:"id,omitempty"`
	Thread     ID             `json:"thread,omitempty"`
	SenderUser ID             `json:"sender_user,omitempty"`
	Kind       MessageKind    `json:"sender_type,omitempty"`
	AgentRole  string         `json:"sender_agent_role,omitempty"`
	Sender     *Identity      `json:"sender_details,omitempty"`
	Content    string         `json:"content"`
	Meta       map[string]any `json:"meta,omitempty"`
	CreatedAt  *time.Time     `json:"created_at,omitempty"`
	UpdatedAt  *time.Time     `json:"updated_at,omitempty"`
	LocalID    string         `json:"local_id,omitempty"`
}
