// Package history records what was said in a conversation. Entries are
// append-only and kept in the order they were written.
package history

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleHuman  Role = "human"
	RoleAI     Role = "ai"
	RoleSystem Role = "system"
)

// Entry is one message of a history session. ConversationID identifies the
// character configuration, HistoryID the session.
type Entry struct {
	ConversationID string    `json:"conf_uid"`
	HistoryID      string    `json:"history_uid"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Name           string    `json:"name,omitempty"`
	Avatar         string    `json:"avatar,omitempty"`
	CreatedAt      time.Time `json:"timestamp"`
}

type Recorder interface {
	Append(ctx context.Context, entry Entry) error
}

// Reader is implemented by recorders that can list a session back.
type Reader interface {
	Entries(ctx context.Context, conversationID, historyID string) ([]Entry, error)
}

// NewUID returns an identifier for a new history session. The timestamp
// prefix keeps sessions sortable by creation time.
func NewUID() string {
	return time.Now().Format("2006-01-02_15-04-05") + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Stamp fills CreatedAt when it is unset.
func (e Entry) Stamp(now time.Time) Entry {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return e
}
