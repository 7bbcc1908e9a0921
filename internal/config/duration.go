package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a duration-string config value. Empty means
// "unset" and maps to 0 so callers can apply their own default; negative
// values are rejected because no timeout or interval here can be negative.
// path names the field in the error (e.g. "slack.http_timeout").
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
