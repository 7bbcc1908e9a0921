// Package store persists the pipeline's durable state: per-channel
// watermarks, the pending-message queue, and the user identity cache.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"slackwatch/pkg/logx"
)

var (
	ErrNotFound = errors.New("store: not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (the durable default)
//   - "memory": in-process maps, for tests and throwaway runs
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// PendingMessage is one classified, queued unit of work.
//
// Rows are immutable after Enqueue except for the processed mark, which hides
// them from ListPending. The poller never removes entries; downstream
// consumers ack via MarkProcessed.
type PendingMessage struct {
	ID              string          `json:"id"`
	ChannelID       string          `json:"channel_id"`
	ChannelName     string          `json:"channel_name,omitempty"`
	UserID          string          `json:"user_id"`
	UserName        string          `json:"user_name,omitempty"`
	Text            string          `json:"text"`
	Timestamp       string          `json:"timestamp"`
	ThreadTS        string          `json:"thread_ts,omitempty"`
	IsMention       bool            `json:"is_mention"`
	IsDM            bool            `json:"is_dm"`
	MatchedKeywords []string        `json:"matched_keywords,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

// Store is the checkpoint & queue contract the poller and the facade consume.
//
// SetWatermark must be durable before it returns: crash-safety of the
// at-most-once-per-cycle guarantee depends on it. It must also never move a
// watermark backwards, regardless of what callers pass in.
type Store interface {
	Watermark(ctx context.Context, channelID string) (ts string, ok bool, err error)
	SetWatermark(ctx context.Context, channelID, ts, channelName string) error

	// Enqueue is an idempotent upsert keyed by msg.ID; re-enqueuing an id
	// never duplicates it and never resurrects a processed entry.
	Enqueue(ctx context.Context, msg PendingMessage) error
	ListPending(ctx context.Context, limit int, channelFilter string) ([]PendingMessage, error)
	MarkProcessed(ctx context.Context, id string) error
	PendingCount(ctx context.Context) (int, error)

	CachedUser(ctx context.Context, userID string) (name string, ok bool, err error)
	CacheUser(ctx context.Context, userID, userName, displayName, realName string) error

	// PruneProcessed deletes processed entries older than the cutoff and
	// returns how many rows went away.
	PruneProcessed(ctx context.Context, olderThan time.Time) (int, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}

// bestName picks the human-facing name out of a cached profile.
func bestName(userName, displayName, realName string) string {
	if s := strings.TrimSpace(displayName); s != "" {
		return s
	}
	if s := strings.TrimSpace(realName); s != "" {
		return s
	}
	return strings.TrimSpace(userName)
}
