package poller

import (
	"context"
	"fmt"
	"sort"
	"time"

	"slackwatch/internal/slack"
	"slackwatch/pkg/logx"
)

// run is the single long-lived loop goroutine. Any error escaping a cycle is
// logged and counted; the next cycle is the only recovery mechanism.
func (s *Service) run(ctx context.Context) error {
	s.log.Info("poll loop started")
	for {
		if err := s.pollAll(ctx); err != nil {
			if ctx.Err() != nil {
				s.log.Info("poll loop stopped")
				return nil
			}
			s.noteError()
			s.log.Error("poll cycle failed", logx.Err(err))
		}
		s.bumpPolls()

		// Jittered sleep avoids synchronized, bot-like request patterns.
		timer := time.NewTimer(s.jitter())
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			s.log.Info("poll loop stopped")
			return nil
		case <-timer.C:
		}
	}
}

func (s *Service) jitter() time.Duration {
	spread := s.cfg.IntervalMax - s.cfg.IntervalMin
	if spread <= 0 {
		return s.cfg.IntervalMin
	}
	return s.cfg.IntervalMin + time.Duration(s.rng.Int63n(int64(spread)+1))
}

// pollAll walks the configured channels sequentially. One broken channel
// (revoked access, deleted channel) must not halt polling of the others.
func (s *Service) pollAll(ctx context.Context) error {
	start := time.Now()
	for _, channelID := range s.cfg.Channels {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.pollChannel(ctx, channelID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.noteError()
			s.log.Warn("channel poll failed",
				logx.String("channel", channelID),
				logx.Err(err))
		}
	}
	if s.rec != nil {
		s.rec.ObserveCycle(time.Since(start))
	}
	if s.cfg.Debug {
		s.log.Debug("poll cycle finished", logx.Duration("dur", time.Since(start)))
	}
	return nil
}

// pollChannel runs one fetch/classify/checkpoint cycle for a channel.
//
// The watermark advances past every message evaluated, matched or not; that
// is what guarantees at-most-once evaluation across cycles.
func (s *Service) pollChannel(ctx context.Context, channelID string) error {
	wm, haveWM, err := s.store.Watermark(ctx, channelID)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}
	name := s.channelName(channelID)

	if !haveWM {
		return s.bootstrap(ctx, channelID, name)
	}

	msgs, err := s.fetchWindow(ctx, channelID, wm)
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	// The transport returns newest-first; normalize to chronological order so
	// dispatch and checkpoint advancement both see oldest-to-newest.
	batch := make([]slack.Message, len(msgs))
	copy(batch, msgs)
	sort.SliceStable(batch, func(i, j int) bool {
		return slack.TSLess(batch[i].TS, batch[j].TS)
	})

	maxTS := wm
	for _, m := range batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Stale or duplicate rows must neither be re-evaluated nor drag the
		// watermark backwards.
		if !slack.TSLess(wm, m.TS) {
			continue
		}
		s.bumpSeen()
		maxTS = slack.MaxTS(maxTS, m.TS)

		if s.shouldProcess(m, channelID) {
			s.ingest(ctx, channelID, name, m)
		}
	}

	if slack.TSLess(wm, maxTS) {
		if err := s.store.SetWatermark(ctx, channelID, maxTS, name); err != nil {
			return fmt.Errorf("advance watermark: %w", err)
		}
	}
	return nil
}

// maxHistoryPages bounds how many backward pages one cycle may fetch, so a
// channel with an enormous unread backlog cannot pin a cycle forever.
const maxHistoryPages = 10

// fetchWindow fetches everything strictly newer than the watermark. The
// transport hands back the NEWEST messages first, so a full page means older
// unread messages may still sit between the watermark and the oldest message
// fetched; advancing the watermark at that point would skip them forever.
// Page backward until the window closes or the page budget runs out.
func (s *Service) fetchWindow(ctx context.Context, channelID, wm string) ([]slack.Message, error) {
	var (
		window []slack.Message
		latest string
	)
	for page := 1; ; page++ {
		batch, err := s.session.FetchHistory(ctx, channelID, s.cfg.BatchSize, wm, latest)
		if err != nil {
			return nil, err
		}
		window = append(window, batch...)
		if len(batch) < s.cfg.BatchSize {
			return window, nil
		}
		if page >= maxHistoryPages {
			// Pathological backlog (page budget * batch unread). Take what we
			// have and say so; the gap below the oldest fetched message is
			// skipped when the watermark advances.
			s.log.Warn("history backlog exceeds page budget; skipping older messages",
				logx.String("channel", channelID),
				logx.Int("fetched", len(window)))
			return window, nil
		}
		oldest := batch[0].TS
		for _, m := range batch[1:] {
			if slack.TSLess(m.TS, oldest) {
				oldest = m.TS
			}
		}
		latest = oldest
	}
}

// bootstrap establishes a baseline watermark from the single most recent
// message without classifying or enqueuing anything, so a first deployment
// never floods the queue with historical backlog.
func (s *Service) bootstrap(ctx context.Context, channelID, name string) error {
	msgs, err := s.session.FetchHistory(ctx, channelID, 1, "", "")
	if err != nil {
		return fmt.Errorf("bootstrap fetch: %w", err)
	}
	if len(msgs) == 0 {
		// Nothing to anchor on; the channel bootstraps on the first cycle
		// that observes a message.
		s.log.Debug("bootstrap: channel has no history yet", logx.String("channel", channelID))
		return nil
	}
	if err := s.store.SetWatermark(ctx, channelID, msgs[0].TS, name); err != nil {
		return fmt.Errorf("bootstrap watermark: %w", err)
	}
	s.log.Info("channel bootstrapped",
		logx.String("channel", channelID),
		logx.String("watermark", msgs[0].TS))
	return nil
}
