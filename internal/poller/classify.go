package poller

import (
	"strings"

	"slackwatch/internal/slack"
)

// System subtypes that are still worth classifying. Everything else
// (channel_join, channel_topic, ...) is noise.
var allowedSubtypes = map[string]bool{
	"bot_message":      true,
	"thread_broadcast": true,
}

// shouldProcess is the classification predicate. Rules, in order:
//
//  1. Self-authored messages pass only in the loopback channel; everywhere
//     else they are rejected outright to prevent feedback loops.
//  2. System subtypes outside the allow-list are rejected.
//  3. Watched users are accepted unconditionally.
//  4. A mention of our identity is accepted.
//  5. Any configured keyword appearing as a case-insensitive substring
//     is accepted.
func (s *Service) shouldProcess(m slack.Message, channelID string) bool {
	if s.selfID != "" && m.UserID == s.selfID {
		return s.cfg.LoopbackChannel != "" && channelID == s.cfg.LoopbackChannel
	}

	if m.Subtype != "" && !allowedSubtypes[m.Subtype] {
		return false
	}

	if _, ok := s.watched[m.UserID]; ok && m.UserID != "" {
		return true
	}

	if slack.ContainsMention(m.Text, s.selfID) {
		return true
	}

	return len(MatchKeywords(m.Text, s.cfg.Keywords)) > 0
}

// MatchKeywords returns the keywords found in text as case-insensitive
// substrings, preserving the configured order. Keywords must already be
// lower-cased; shared by classification and enrichment.
func MatchKeywords(text string, keywords []string) []string {
	if len(keywords) == 0 || text == "" {
		return nil
	}
	lower := strings.ToLower(text)
	var out []string
	for _, k := range keywords {
		if k != "" && strings.Contains(lower, k) {
			out = append(out, k)
		}
	}
	return out
}
