// Package poller owns the background ingestion loop: it polls watched
// channels for new messages, classifies them against the interest rules,
// and enqueues matches behind a durable per-channel watermark.
package poller

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"slackwatch/internal/metrics"
	"slackwatch/internal/runtime/supervisor"
	"slackwatch/internal/slack"
	"slackwatch/internal/store"
	"slackwatch/pkg/logx"
)

type Service struct {
	cfg     Config
	session slack.Session
	store   store.Store
	rec     *metrics.Recorder // optional
	log     logx.Logger

	mu        sync.Mutex
	state     State
	selfID    string
	chanNames map[string]string
	sup       *supervisor.Supervisor
	runID     string

	watched map[string]struct{}

	cbMu  sync.Mutex
	cbSeq uint64
	cbs   []registeredCallback

	statsMu sync.Mutex
	stats   Stats

	// rng is only touched from the loop goroutine.
	rng *rand.Rand
}

// New wires the poller. rec may be nil (no metrics mirroring).
func New(cfg Config, session slack.Session, st store.Store, rec *metrics.Recorder, log logx.Logger) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.IntervalMin <= 0 {
		cfg.IntervalMin = 45 * time.Second
	}
	if cfg.IntervalMax < cfg.IntervalMin {
		cfg.IntervalMax = cfg.IntervalMin
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	watched := make(map[string]struct{}, len(cfg.WatchedUsers))
	for _, u := range cfg.WatchedUsers {
		if u != "" {
			watched[u] = struct{}{}
		}
	}
	return &Service{
		cfg:     cfg,
		session: session,
		store:   st,
		rec:     rec,
		log:     log,
		state:   StateStopped,
		selfID:  cfg.SelfUserID,
		watched: watched,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start validates identity, warms the channel-name cache, and spawns the
// single loop goroutine. Identity validation failure is fatal and returned
// to the caller; a failed name-cache load is logged and ignored.
//
// Calling Start while the loop is running logs a warning and is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		s.log.Warn("start requested but poller is not stopped", logx.String("state", string(s.state)))
		return nil
	}
	s.state = StateStarting
	s.mu.Unlock()

	ident, err := s.session.ValidateIdentity(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		return fmt.Errorf("validate identity: %w", err)
	}

	names := map[string]string{}
	if chans, err := s.session.ListChannels(ctx); err != nil {
		// Non-fatal: ids double as display names until the next restart.
		s.log.Warn("channel list load failed; using ids as display names", logx.Err(err))
	} else {
		for _, ch := range chans {
			names[ch.ID] = ch.Name
		}
	}

	s.mu.Lock()
	if s.selfID == "" {
		s.selfID = ident.UserID
	}
	s.chanNames = names
	s.runID = uuid.NewString()
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.state = StateRunning
	s.statsMu.Lock()
	if s.stats.StartedAt.IsZero() {
		s.stats.StartedAt = time.Now()
	}
	s.statsMu.Unlock()
	sup := s.sup
	s.mu.Unlock()

	s.log.Info("poller started",
		logx.String("run_id", s.runID),
		logx.String("self", s.selfID),
		logx.Int("channels", len(s.cfg.Channels)),
		logx.Int("keywords", len(s.cfg.Keywords)),
		logx.Duration("interval_min", s.cfg.IntervalMin),
		logx.Duration("interval_max", s.cfg.IntervalMax),
	)
	sup.Go("poll-loop", s.run)
	return nil
}

// Stop cancels the loop and waits for it to exit. Idempotent; a second Stop
// returns immediately.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	sup := s.sup
	s.mu.Unlock()

	var err error
	if sup != nil {
		err = sup.Stop(ctx)
	}

	s.mu.Lock()
	s.sup = nil
	s.state = StateStopped
	s.mu.Unlock()

	s.log.Info("poller stopped")
	return err
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SelfID reports the identity in use (configured or discovered at Start).
func (s *Service) SelfID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfID
}

func (s *Service) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Service) channelName(channelID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name, ok := s.chanNames[channelID]; ok && name != "" {
		return name
	}
	return channelID
}

func (s *Service) bumpPolls() {
	s.statsMu.Lock()
	s.stats.Polls++
	s.statsMu.Unlock()
	if s.rec != nil {
		s.rec.IncPolls()
	}
}

func (s *Service) bumpSeen() {
	s.statsMu.Lock()
	s.stats.MessagesSeen++
	s.statsMu.Unlock()
	if s.rec != nil {
		s.rec.AddSeen(1)
	}
}

func (s *Service) bumpQueued() {
	s.statsMu.Lock()
	s.stats.MessagesQueued++
	s.statsMu.Unlock()
	if s.rec != nil {
		s.rec.IncQueued()
	}
}

func (s *Service) noteError() {
	s.statsMu.Lock()
	s.stats.Errors++
	s.statsMu.Unlock()
	if s.rec != nil {
		s.rec.IncErrors()
	}
}
