// Package slack talks to the Slack Web API and owns the small platform
// conventions (message timestamps, mention tokens, DM channel ids) the rest
// of the pipeline relies on.
package slack

import "context"

// Message is one entry from a channel's history, newest-first as returned by
// the platform.
type Message struct {
	TS       string `json:"ts"`
	UserID   string `json:"user,omitempty"`
	BotID    string `json:"bot_id,omitempty"`
	Text     string `json:"text,omitempty"`
	Subtype  string `json:"subtype,omitempty"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

type UserInfo struct {
	Name        string
	DisplayName string
	RealName    string
}

type Channel struct {
	ID   string
	Name string
}

type Identity struct {
	UserID      string
	DisplayName string
}

// Session is the transport contract the poller consumes.
//
// Implementations must honor ctx on every call; all methods may be called
// from the poll loop goroutine.
type Session interface {
	// ValidateIdentity confirms the token works and returns who we are.
	ValidateIdentity(ctx context.Context) (Identity, error)

	// FetchHistory returns up to limit messages from the channel.
	// If oldestExclusive is non-empty, only messages with ts strictly newer
	// than it are returned; if latestExclusive is non-empty, only messages
	// strictly older. Order is platform order (newest first), so a full page
	// holds the newest messages of the window and latestExclusive is how a
	// caller pages backward through the rest.
	FetchHistory(ctx context.Context, channelID string, limit int, oldestExclusive, latestExclusive string) ([]Message, error)

	// ListChannels returns all channels visible to the identity.
	ListChannels(ctx context.Context) ([]Channel, error)

	// FetchUserInfo resolves a user id to profile names.
	FetchUserInfo(ctx context.Context, userID string) (UserInfo, error)

	Close() error
}
