package history

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryRecorder keeps entries in process memory.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Append(ctx context.Context, entry Entry) error {
	if entry.ConversationID == "" && entry.HistoryID == "" {
		return fmt.Errorf("history entry has no conversation or history id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry.Stamp(time.Now()))
	return nil
}

func (r *MemoryRecorder) Entries(_ context.Context, conversationID, historyID string) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entries []Entry
	for _, entry := range r.entries {
		if entry.ConversationID == conversationID && entry.HistoryID == historyID {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// All returns every entry regardless of session.
func (r *MemoryRecorder) All() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.entries)
}
