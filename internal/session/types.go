package session

import (
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func UserTurn(content string) Turn      { return Turn{Role: RoleUser, Content: content} }
func AssistantTurn(content string) Turn { return Turn{Role: RoleAssistant, Content: content} }

// Scope decides whether a user shares one history across projects.
type Scope string

const (
	ScopeProject Scope = "project"
	ScopeUser    Scope = "user"
)

func ParseScope(v string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(v))) {
	case "", ScopeProject:
		return ScopeProject, nil
	case ScopeUser:
		return ScopeUser, nil
	default:
		return "", fmt.Errorf("invalid session scope %q (expected project|user)", v)
	}
}

// Key builds the session key for a user talking to a project under this scope.
func (s Scope) Key(userID, projectID string) Key {
	k := Key{UserID: strings.TrimSpace(userID)}
	if s != ScopeUser {
		k.ProjectID = strings.ToLower(strings.TrimSpace(projectID))
	}
	return k
}

// Key identifies one conversation history.
type Key struct {
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id,omitempty"`
}

func (k Key) String() string {
	if k.ProjectID == "" {
		return k.UserID
	}
	return k.ProjectID + "/" + k.UserID
}

// Info describes a session without exposing its history.
type Info struct {
	Key            Key       `json:"key"`
	Turns          int       `json:"turns"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}
