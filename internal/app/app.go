// Package app composes the transport session, the store, and the poller into
// one start/stop/query surface. One App per process, constructed by the
// caller and passed around explicitly.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"slackwatch/internal/api"
	"slackwatch/internal/config"
	"slackwatch/internal/metrics"
	"slackwatch/internal/poller"
	"slackwatch/internal/slack"
	"slackwatch/internal/store"
	"slackwatch/pkg/logx"
)

type App struct {
	cfg *config.Config
	log logx.Logger

	mu          sync.Mutex
	initialized bool
	session     slack.Session
	store       store.Store
	rec         *metrics.Recorder
	poller      *poller.Service
	apiSrv      *api.Server
	retention   *retentionJob
}

func New(cfg *config.Config, log logx.Logger) *App {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &App{cfg: cfg, log: log}
}

// initialize constructs the collaborators exactly once. A later Start after
// a full Stop re-initializes from scratch. On any error the partially built
// collaborators are closed and cleared, so a retried Start never leaks a
// session or store from the failed attempt.
func (a *App) initialize() (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return nil
	}
	defer func() {
		if err == nil {
			return
		}
		if a.session != nil {
			_ = a.session.Close()
		}
		if a.store != nil {
			_ = a.store.Close()
		}
		a.session = nil
		a.store = nil
		a.rec = nil
		a.poller = nil
		a.apiSrv = nil
		a.retention = nil
	}()

	httpTimeout, err := config.ParseDurationField("slack.http_timeout", a.cfg.Slack.HTTPTimeout)
	if err != nil {
		return err
	}
	session, err := slack.NewClient(slack.ClientConfig{
		Token:      a.cfg.Slack.Token,
		BaseURL:    a.cfg.Slack.APIBaseURL,
		RatePerSec: a.cfg.Slack.RatePerSec,
		Timeout:    httpTimeout,
	}, a.log.With(logx.String("comp", "slack")))
	if err != nil {
		return fmt.Errorf("slack client: %w", err)
	}
	a.session = session

	busy, err := config.ParseDurationField("storage.busy_timeout", a.cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	st, err := store.Open(store.Config{
		Driver:      a.cfg.Storage.Driver,
		Path:        a.cfg.Storage.Path,
		BusyTimeout: busy,
	}, a.log.With(logx.String("comp", "store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = st

	rec := metrics.New()

	minD, maxD := a.cfg.PollIntervals()
	poll := poller.New(poller.Config{
		Channels:        a.cfg.Watch.Channels,
		Keywords:        a.cfg.Watch.Keywords,
		WatchedUsers:    a.cfg.Watch.Users,
		SelfUserID:      a.cfg.Watch.SelfUserID,
		LoopbackChannel: a.cfg.Watch.LoopbackChannel,
		IntervalMin:     minD,
		IntervalMax:     maxD,
		BatchSize:       a.cfg.Watch.FetchBatchSize,
		Debug:           a.cfg.Debug,
	}, session, st, rec, a.log.With(logx.String("comp", "poller")))

	a.rec = rec
	a.poller = poll

	if a.cfg.API.Enabled {
		readT, err := config.ParseDurationField("api.read_timeout", a.cfg.API.ReadTimeout)
		if err != nil {
			return err
		}
		writeT, err := config.ParseDurationField("api.write_timeout", a.cfg.API.WriteTimeout)
		if err != nil {
			return err
		}
		a.apiSrv = api.New(api.Config{
			Addr:          a.cfg.API.Addr,
			PprofToken:    a.cfg.API.PprofToken,
			AllowInsecure: a.cfg.API.AllowInsecure,
			ReadTimeout:   readT,
			WriteTimeout:  writeT,
		}, a, rec.Handler(), a.log.With(logx.String("comp", "api")))
	}

	if a.cfg.RetentionEnabled() {
		job, err := newRetentionJob(a.cfg.Retention, st, a.log.With(logx.String("comp", "retention")))
		if err != nil {
			return err
		}
		a.retention = job
	}

	a.initialized = true
	return nil
}

// Start brings the pipeline up. Identity-validation failure inside
// poller.Start is fatal and propagates; nothing else is.
func (a *App) Start(ctx context.Context) error {
	if err := a.initialize(); err != nil {
		return err
	}

	if err := a.poller.Start(ctx); err != nil {
		return err
	}

	if a.apiSrv != nil {
		if err := a.apiSrv.Start(ctx); err != nil {
			// Roll the poller back; a half-started app is worse than a
			// failed start.
			_ = a.poller.Stop(ctx)
			return fmt.Errorf("admin server: %w", err)
		}
	}
	if a.retention != nil {
		a.retention.Start()
	}

	a.log.Info("app started")
	return nil
}

// Stop tears down in strict order: outer surfaces first, then the poller,
// then the session, then the store, so in-flight poll work finishes before
// its dependencies disappear. Idempotent.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.initialized {
		a.mu.Unlock()
		return nil
	}
	retention := a.retention
	apiSrv := a.apiSrv
	poll := a.poller
	session := a.session
	st := a.store
	a.retention = nil
	a.apiSrv = nil
	a.poller = nil
	a.session = nil
	a.store = nil
	a.rec = nil
	a.initialized = false
	a.mu.Unlock()

	var errs []error
	if retention != nil {
		retention.Stop()
	}
	if apiSrv != nil {
		if err := apiSrv.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin server stop: %w", err))
		}
	}
	if poll != nil {
		if err := poll.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("poller stop: %w", err))
		}
	}
	if session != nil {
		if err := session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session close: %w", err))
		}
	}
	if st != nil {
		if err := st.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}

	a.log.Info("app stopped")
	return errors.Join(errs...)
}

func (a *App) Running() bool {
	a.mu.Lock()
	poll := a.poller
	a.mu.Unlock()
	return poll != nil && poll.Running()
}

// ListPending passes through to the store.
func (a *App) ListPending(ctx context.Context, limit int, channelFilter string) ([]store.PendingMessage, error) {
	a.mu.Lock()
	st := a.store
	a.mu.Unlock()
	if st == nil {
		return nil, errors.New("app not initialized")
	}
	return st.ListPending(ctx, limit, channelFilter)
}

// MarkProcessed passes through to the store.
func (a *App) MarkProcessed(ctx context.Context, id string) error {
	a.mu.Lock()
	st := a.store
	a.mu.Unlock()
	if st == nil {
		return errors.New("app not initialized")
	}
	return st.MarkProcessed(ctx, id)
}

// AddCallback registers a queued-message handler on the poller.
func (a *App) AddCallback(fn poller.Callback) poller.CallbackID {
	a.mu.Lock()
	poll := a.poller
	a.mu.Unlock()
	if poll == nil {
		return 0
	}
	return poll.AddCallback(fn)
}

func (a *App) RemoveCallback(id poller.CallbackID) {
	a.mu.Lock()
	poll := a.poller
	a.mu.Unlock()
	if poll != nil {
		poll.RemoveCallback(id)
	}
}

// Status implements api.Backend.
func (a *App) Status(ctx context.Context) (api.Status, error) {
	a.mu.Lock()
	poll := a.poller
	st := a.store
	rec := a.rec
	a.mu.Unlock()
	if poll == nil || st == nil {
		return api.Status{State: string(poller.StateStopped)}, nil
	}

	count, err := st.PendingCount(ctx)
	if err != nil {
		return api.Status{}, fmt.Errorf("pending count: %w", err)
	}
	if rec != nil {
		rec.SetPending(count)
	}

	return api.Status{
		State:        string(poll.State()),
		Running:      poll.Running(),
		PendingCount: count,
		Stats:        poll.Stats(),
		Config: api.ConfigSummary{
			Channels:        a.cfg.Watch.Channels,
			Keywords:        a.cfg.Watch.Keywords,
			WatchedUsers:    a.cfg.Watch.Users,
			SelfUserID:      poll.SelfID(),
			LoopbackChannel: a.cfg.Watch.LoopbackChannel,
			PollIntervalMin: a.cfg.Watch.PollIntervalMin,
			PollIntervalMax: a.cfg.Watch.PollIntervalMax,
			FetchBatchSize:  a.cfg.Watch.FetchBatchSize,
		},
	}, nil
}
