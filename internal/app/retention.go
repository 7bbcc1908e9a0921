package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"slackwatch/internal/config"
	"slackwatch/internal/store"
	"slackwatch/pkg/logx"
)

// retentionJob prunes processed queue rows on a cron schedule so the sqlite
// file does not grow without bound. Pending (unprocessed) rows are never
// touched.
type retentionJob struct {
	cron   *cron.Cron
	store  store.Store
	maxAge time.Duration
	log    logx.Logger
}

func newRetentionJob(cfg config.RetentionConfig, st store.Store, log logx.Logger) (*retentionJob, error) {
	maxAge, err := config.ParseDurationField("retention.max_age", cfg.MaxAge)
	if err != nil {
		return nil, err
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention.max_age must be positive, got %q", cfg.MaxAge)
	}

	j := &retentionJob{
		cron:   cron.New(),
		store:  st,
		maxAge: maxAge,
		log:    log,
	}
	if _, err := j.cron.AddFunc(cfg.Spec, j.runOnce); err != nil {
		return nil, fmt.Errorf("retention.spec %q: %w", cfg.Spec, err)
	}
	return j, nil
}

func (j *retentionJob) Start() {
	j.cron.Start()
	j.log.Info("retention schedule active", logx.Duration("max_age", j.maxAge))
}

// Stop halts the schedule and waits for an in-flight prune to finish.
func (j *retentionJob) Stop() {
	<-j.cron.Stop().Done()
}

func (j *retentionJob) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-j.maxAge)
	n, err := j.store.PruneProcessed(ctx, cutoff)
	if err != nil {
		j.log.Warn("retention prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		j.log.Info("pruned processed messages",
			logx.Int("removed", n),
			logx.Time("cutoff", cutoff))
	}
}
