package config

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"slackwatch/pkg/logx"
)

// Watch re-reads the config file on change and invokes onLogging with the new
// logging section.
//
// Only the logging section is live-applied; if any other section differs from
// the committed config the change is logged and ignored (restart required).
// Returns when ctx is canceled.
func (m *Manager) Watch(ctx context.Context, log logx.Logger, onLogging func(LoggingConfig)) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	// debounce to avoid partial writes
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		cfg, err := m.Parse()
		if err != nil {
			log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
			return
		}

		// Skip redundant reloads when content is unchanged.
		h := hashConfig(cfg)
		m.mu.RLock()
		prev := m.cfg
		unchanged := h != 0 && h == m.lastHash
		m.mu.RUnlock()
		if unchanged || prev == nil {
			return
		}

		if pipelineChanged(prev, cfg) {
			log.Warn("config changed outside the logging section; restart required to apply",
				logx.String("path", m.path))
		}
		if err := cfg.Validate(); err != nil {
			log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}

		// Commit the logging section only; the running pipeline keeps its
		// load-time tunables.
		merged := *prev
		merged.Logging = cfg.Logging
		m.commit(&merged)
		if onLogging != nil {
			onLogging(cfg.Logging)
		}
		log.Info("logging config re-applied", logx.String("level", cfg.Logging.Level))
	}
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, reload)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			// Compare by basename (robust across absolute/relative paths).
			if strings.EqualFold(filepath.Base(ev.Name), file) {
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) != 0 {
					debounce()
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				log.Warn("config watch error", logx.Err(err), logx.String("dir", dir))
			}
		}
	}
}

// pipelineChanged reports whether anything other than logging differs.
func pipelineChanged(a, b *Config) bool {
	ca, cb := *a, *b
	ca.Logging = LoggingConfig{}
	cb.Logging = LoggingConfig{}
	return hashConfig(&ca) != hashConfig(&cb)
}
