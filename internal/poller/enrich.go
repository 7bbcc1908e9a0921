package poller

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"slackwatch/internal/slack"
	"slackwatch/internal/store"
	"slackwatch/pkg/logx"
)

// ingest enriches a matched message, persists it, and fans it out to the
// registered callbacks. Enqueue failures are logged and counted; they never
// abort the rest of the batch.
func (s *Service) ingest(ctx context.Context, channelID, channelName string, m slack.Message) {
	raw, err := json.Marshal(m)
	if err != nil {
		raw = nil
	}

	msg := store.PendingMessage{
		ID:              slack.PendingID(channelID, m.TS),
		ChannelID:       channelID,
		ChannelName:     channelName,
		UserID:          m.UserID,
		UserName:        s.resolveUserName(ctx, m.UserID),
		Text:            m.Text,
		Timestamp:       m.TS,
		ThreadTS:        m.ThreadTS,
		IsMention:       slack.ContainsMention(m.Text, s.selfID),
		IsDM:            slack.IsDMChannel(channelID),
		MatchedKeywords: MatchKeywords(m.Text, s.cfg.Keywords),
		CreatedAt:       time.Now(),
		Raw:             raw,
	}

	if err := s.store.Enqueue(ctx, msg); err != nil {
		s.noteError()
		s.log.Error("enqueue failed",
			logx.String("id", msg.ID),
			logx.String("channel", channelID),
			logx.Err(err))
		return
	}
	s.bumpQueued()

	if s.cfg.Debug {
		s.log.Debug("message queued",
			logx.String("id", msg.ID),
			logx.String("user", msg.UserName),
			logx.Bool("mention", msg.IsMention),
			logx.Any("keywords", msg.MatchedKeywords))
	}

	s.dispatch(msg)
}

// resolveUserName is a read-through against the user cache: first hit wins
// forever (no TTL). Lookup failure falls back to the raw id.
func (s *Service) resolveUserName(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}
	if name, ok, err := s.store.CachedUser(ctx, userID); err == nil && ok && name != "" {
		return name
	}

	info, err := s.session.FetchUserInfo(ctx, userID)
	if err != nil {
		s.log.Warn("user lookup failed; using raw id",
			logx.String("user", userID),
			logx.Err(err))
		return userID
	}
	if err := s.store.CacheUser(ctx, userID, info.Name, info.DisplayName, info.RealName); err != nil {
		s.log.Warn("user cache write failed", logx.String("user", userID), logx.Err(err))
	}

	if name := pickName(info); name != "" {
		return name
	}
	return userID
}

func pickName(info slack.UserInfo) string {
	if s := strings.TrimSpace(info.DisplayName); s != "" {
		return s
	}
	if s := strings.TrimSpace(info.RealName); s != "" {
		return s
	}
	return strings.TrimSpace(info.Name)
}
