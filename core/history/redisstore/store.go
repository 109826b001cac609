// Package redisstore keeps history entries in Redis lists, one list per
// history session.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/koscakluka/ema-vtuber/core/history"
	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "ema:"

type Store struct {
	client    *redis.Client
	keyPrefix string
}

type Option func(*Store)

func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, keyPrefix: DefaultKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials addr and checks the connection.
func Connect(ctx context.Context, addr, password string, db int, opts ...Option) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return New(client, opts...), nil
}

func (s *Store) historyKey(conversationID, historyID string) string {
	return s.keyPrefix + "history:" + conversationID + ":" + historyID
}

func (s *Store) historiesKey(conversationID string) string {
	return s.keyPrefix + "histories:" + conversationID
}

func (s *Store) Append(ctx context.Context, entry history.Entry) error {
	data, err := json.Marshal(entry.Stamp(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, s.historyKey(entry.ConversationID, entry.HistoryID), data)
	pipe.SAdd(ctx, s.historiesKey(entry.ConversationID), entry.HistoryID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store history entry: %w", err)
	}
	return nil
}

func (s *Store) Entries(ctx context.Context, conversationID, historyID string) ([]history.Entry, error) {
	values, err := s.client.LRange(ctx, s.historyKey(conversationID, historyID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load history entries: %w", err)
	}

	entries := make([]history.Entry, 0, len(values))
	for _, value := range values {
		var entry history.Entry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Histories lists the history sessions of a conversation in no particular
// order.
func (s *Store) Histories(ctx context.Context, conversationID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.historiesKey(conversationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list histories: %w", err)
	}
	return ids, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
