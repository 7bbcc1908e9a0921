package poller

import "time"

// Config is fixed at construction; the poller never re-reads it.
type Config struct {
	// Channels are polled sequentially, in this order, every cycle.
	Channels []string

	// Keywords must already be lower-cased (config load does this).
	// Order here is the order reported in matched_keywords.
	Keywords []string

	// WatchedUsers are always ingested regardless of message content.
	WatchedUsers []string

	// SelfUserID may be empty; Start fills it from identity validation.
	SelfUserID string

	// LoopbackChannel is the only channel where self-authored messages pass
	// classification. Empty means self is always filtered.
	LoopbackChannel string

	// Jitter bounds for the inter-cycle sleep.
	IntervalMin time.Duration
	IntervalMax time.Duration

	// BatchSize caps messages fetched per channel per cycle.
	BatchSize int

	Debug bool
}

// State is the poller lifecycle phase.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Stats are append-only counters incremented by the loop. Snapshots are
// returned by value; reset only happens via process restart.
type Stats struct {
	Polls          uint64    `json:"polls"`
	MessagesSeen   uint64    `json:"messages_seen"`
	MessagesQueued uint64    `json:"messages_queued"`
	Errors         uint64    `json:"errors"`
	StartedAt      time.Time `json:"started_at"`
}
