package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"slackwatch/internal/slack"
)

// memoryStore keeps everything in process memory. It backs tests and
// throwaway runs; semantics mirror the sqlite driver exactly.
type memoryStore struct {
	mu sync.Mutex

	watermarks map[string]string // channel -> ts
	chanNames  map[string]string
	pending    map[string]*memEntry
	users      map[string][3]string // user_name, display_name, real_name
}

type memEntry struct {
	msg         PendingMessage
	processedAt time.Time
}

func NewMemory() Store {
	return &memoryStore{
		watermarks: map[string]string{},
		chanNames:  map[string]string{},
		pending:    map[string]*memEntry{},
		users:      map[string][3]string{},
	}
}

func (s *memoryStore) Watermark(_ context.Context, channelID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.watermarks[channelID]
	return ts, ok, nil
}

func (s *memoryStore) SetWatermark(_ context.Context, channelID, ts, channelName string) error {
	if ts == "" {
		return errors.New("empty watermark timestamp")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.watermarks[channelID]; ok && !slack.TSLess(cur, ts) {
		return nil
	}
	s.watermarks[channelID] = ts
	s.chanNames[channelID] = channelName
	return nil
}

func (s *memoryStore) Enqueue(_ context.Context, msg PendingMessage) error {
	if msg.ID == "" {
		return errors.New("pending message id is required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pending[msg.ID]; exists {
		return nil
	}
	s.pending[msg.ID] = &memEntry{msg: msg}
	return nil
}

func (s *memoryStore) ListPending(_ context.Context, limit int, channelFilter string) ([]PendingMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []PendingMessage
	for _, e := range s.pending {
		if !e.processedAt.IsZero() {
			continue
		}
		if channelFilter != "" && e.msg.ChannelID != channelFilter {
			continue
		}
		out = append(out, e.msg)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) MarkProcessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[id]
	if !ok {
		return fmt.Errorf("%w: pending message %s", ErrNotFound, id)
	}
	if e.processedAt.IsZero() {
		e.processedAt = time.Now()
	}
	return nil
}

func (s *memoryStore) PendingCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.pending {
		if e.processedAt.IsZero() {
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) CachedUser(_ context.Context, userID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return "", false, nil
	}
	return bestName(u[0], u[1], u[2]), true, nil
}

func (s *memoryStore) CacheUser(_ context.Context, userID, userName, displayName, realName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = [3]string{userName, displayName, realName}
	return nil
}

func (s *memoryStore) PruneProcessed(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.pending {
		if !e.processedAt.IsZero() && e.processedAt.Before(olderThan) {
			delete(s.pending, id)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) Close() error { return nil }
