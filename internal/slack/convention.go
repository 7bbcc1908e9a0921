package slack

import "strings"

// Platform conventions kept as standalone helpers so they can be swapped if
// the backing chat platform ever changes. See the matching tests for the
// exact shapes.

// IsDMChannel reports whether a channel id names a direct-message channel.
// Slack DM ids start with "D" (e.g. "D024BE91L").
func IsDMChannel(channelID string) bool {
	return strings.HasPrefix(channelID, "D")
}

// MentionToken returns the wire form of a user mention, e.g. "<@U123ABC>".
func MentionToken(userID string) string {
	return "<@" + userID + ">"
}

// ContainsMention reports whether text mentions the given user.
func ContainsMention(text, userID string) bool {
	if userID == "" {
		return false
	}
	return strings.Contains(text, MentionToken(userID))
}

// PendingID builds the stable queue id for a message: channel id plus the
// source timestamp. The pair is unique within a workspace.
func PendingID(channelID, ts string) string {
	return channelID + ":" + ts
}

// TSLess compares two Slack timestamps ("1712345678.000200") numerically.
//
// Slack's fixed-width format makes plain string comparison work today, but
// the integer part grows a digit at epoch 10^10 and test fixtures use short
// forms like "99.5", so we compare the integer part by length first and only
// then lexicographically. Empty sorts before everything.
func TSLess(a, b string) bool {
	if a == b {
		return false
	}
	if a == "" {
		return true
	}
	if b == "" {
		return false
	}
	ai, af := splitTS(a)
	bi, bf := splitTS(b)
	if len(ai) != len(bi) {
		return len(ai) < len(bi)
	}
	if ai != bi {
		return ai < bi
	}
	return padFrac(af) < padFrac(bf)
}

// MaxTS returns the newer of two timestamps.
func MaxTS(a, b string) string {
	if TSLess(a, b) {
		return b
	}
	return a
}

func splitTS(ts string) (intPart, fracPart string) {
	if i := strings.IndexByte(ts, '.'); i >= 0 {
		return ts[:i], ts[i+1:]
	}
	return ts, ""
}

func padFrac(f string) string {
	// Slack uses 6 fractional digits; pad shorter forms so "5" < "45" compares
	// as 0.5 > 0.45.
	const width = 9
	if len(f) >= width {
		return f
	}
	return f + strings.Repeat("0", width-len(f))
}
