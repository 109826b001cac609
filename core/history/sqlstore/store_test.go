package sqlstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/koscakluka/ema-vtuber/core/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_AppendAndEntries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, history.Entry{ConversationID: "mao", HistoryID: "h1", Role: history.RoleHuman, Content: "hi"}))
	require.NoError(t, store.Append(ctx, history.Entry{ConversationID: "mao", HistoryID: "h2", Role: history.RoleHuman, Content: "elsewhere"}))
	require.NoError(t, store.Append(ctx, history.Entry{ConversationID: "mao", HistoryID: "h1", Role: history.RoleAI, Content: "hello", Name: "Mao", Avatar: "mao.png"}))

	entries, err := store.Entries(ctx, "mao", "h1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, history.RoleHuman, entries[0].Role)
	assert.Equal(t, "hi", entries[0].Content)
	assert.Equal(t, history.RoleAI, entries[1].Role)
	assert.Equal(t, "Mao", entries[1].Name)
	assert.Equal(t, "mao.png", entries[1].Avatar)
	assert.False(t, entries[1].CreatedAt.IsZero())
}

func TestStore_Histories(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"h1", "h2", "h1", "h3"} {
		require.NoError(t, store.Append(ctx, history.Entry{ConversationID: "mao", HistoryID: id, Role: history.RoleHuman, Content: id}))
	}
	require.NoError(t, store.Append(ctx, history.Entry{ConversationID: "other", HistoryID: "x", Role: history.RoleHuman}))

	ids, err := store.Histories(ctx, "mao")
	require.NoError(t, err)
	assert.Equal(t, []string{"h1", "h2", "h3"}, ids)
}

func TestStore_EmptySession(t *testing.T) {
	store := newTestStore(t)

	entries, err := store.Entries(context.Background(), "nobody", "nothing")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
