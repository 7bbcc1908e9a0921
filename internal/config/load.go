package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// Manager owns the config file path and the last committed config.
//
// Unlike a generic hot-reload manager, only the logging section is ever
// re-applied at runtime; Watch() rejects everything else.
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	lastHash uint64
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Parse reads and strictly decodes the config file without committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, err := coerceToJSONBytes(m.path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}

	cfg.normalize()
	return &cfg, nil
}

// Load parses, validates and commits the config.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	// FNV-1a, inlined to avoid a dependency on hash/fnv allocation patterns.
	var h uint64 = 14695981039346656037
	for _, c := range b {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return h
}

// normalize fills defaults and canonicalizes matching inputs.
// Keywords are lower-cased here so the classifier never folds case per message.
func (c *Config) normalize() {
	if strings.TrimSpace(c.Slack.APIBaseURL) == "" {
		c.Slack.APIBaseURL = "https://slack.com/api"
	}
	if c.Slack.RatePerSec <= 0 {
		c.Slack.RatePerSec = 5
	}
	if strings.TrimSpace(c.Watch.PollIntervalMin) == "" {
		c.Watch.PollIntervalMin = "45s"
	}
	if strings.TrimSpace(c.Watch.PollIntervalMax) == "" {
		c.Watch.PollIntervalMax = "75s"
	}
	if c.Watch.FetchBatchSize <= 0 {
		c.Watch.FetchBatchSize = 50
	}
	if c.Watch.FetchBatchSize > 200 {
		c.Watch.FetchBatchSize = 200
	}

	kws := make([]string, 0, len(c.Watch.Keywords))
	for _, k := range c.Watch.Keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			kws = append(kws, k)
		}
	}
	c.Watch.Keywords = kws

	chs := make([]string, 0, len(c.Watch.Channels))
	for _, ch := range c.Watch.Channels {
		ch = strings.TrimSpace(ch)
		if ch != "" {
			chs = append(chs, ch)
		}
	}
	c.Watch.Channels = chs

	if strings.TrimSpace(c.API.Addr) == "" {
		c.API.Addr = "127.0.0.1:8710"
	}
	if strings.TrimSpace(c.Retention.Spec) == "" {
		c.Retention.Spec = "@hourly"
	}
	if strings.TrimSpace(c.Retention.MaxAge) == "" {
		c.Retention.MaxAge = "336h"
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = "sqlite"
	}
}

// Validate checks cross-field constraints. Call after normalize (Parse does both).
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Slack.Token) == "" {
		return errors.New("slack.token is required")
	}
	if len(c.Watch.Channels) == 0 {
		return errors.New("watch.channels must list at least one channel id")
	}

	minD, err := ParseDurationField("watch.poll_interval_min", c.Watch.PollIntervalMin)
	if err != nil {
		return err
	}
	maxD, err := ParseDurationField("watch.poll_interval_max", c.Watch.PollIntervalMax)
	if err != nil {
		return err
	}
	if minD <= 0 || maxD <= 0 {
		return errors.New("watch poll intervals must be > 0")
	}
	if minD > maxD {
		return fmt.Errorf("watch.poll_interval_min (%s) must be <= watch.poll_interval_max (%s)",
			c.Watch.PollIntervalMin, c.Watch.PollIntervalMax)
	}

	if _, err := ParseDurationField("slack.http_timeout", c.Slack.HTTPTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("retention.max_age", c.Retention.MaxAge); err != nil {
		return err
	}
	if _, err := ParseDurationField("api.read_timeout", c.API.ReadTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("api.write_timeout", c.API.WriteTimeout); err != nil {
		return err
	}

	if c.API.Enabled {
		if err := validateAPIAddr(c.API); err != nil {
			return err
		}
	}
	return nil
}

// PollIntervals returns the parsed jitter bounds. Validate guarantees they parse.
func (c *Config) PollIntervals() (time.Duration, time.Duration) {
	minD, _ := ParseDurationField("watch.poll_interval_min", c.Watch.PollIntervalMin)
	maxD, _ := ParseDurationField("watch.poll_interval_max", c.Watch.PollIntervalMax)
	return minD, maxD
}

// RetentionEnabled resolves the pointer default (omitted means on).
func (c *Config) RetentionEnabled() bool {
	if c.Retention.Enabled == nil {
		return true
	}
	return *c.Retention.Enabled
}

func validateAPIAddr(api APIConfig) error {
	host, _, err := net.SplitHostPort(strings.TrimSpace(api.Addr))
	if err != nil {
		return fmt.Errorf("api.addr: %w", err)
	}
	if isLoopbackHost(host) {
		return nil
	}
	if strings.TrimSpace(api.PprofToken) != "" || api.AllowInsecure {
		return nil
	}
	return fmt.Errorf("api.addr %q is not loopback; set api.pprof_token or api.allow_insecure", api.Addr)
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
