package dlq

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	rtsup "notifyguard/internal/runtime/supervisor"
	logx "notifyguard/pkg/logx"
)

// StartProcessing runs ProcessPendingRetries every ProcessingInterval and the
// cleanup sweep on CleanupSchedule. Starting twice is a no-op.
func (q *Queue) StartProcessing(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.sup != nil {
		return nil
	}
	if q.store == nil {
		return ErrNoStore
	}

	cfg := q.Config()
	sup := rtsup.New(ctx, rtsup.WithLogger(q.log.With(logx.String("comp", "dlq.scheduler"))))
	q.sup = sup
	q.kick = make(chan struct{}, 1)
	if err := q.restartCronLocked(cfg); err != nil {
		sup.Cancel()
		q.sup, q.kick = nil, nil
		return err
	}

	kick := q.kick
	sup.GoRestart("dlq.processor", func(ctx context.Context) error {
		return q.loop(ctx, kick)
	})
	q.log.Info("dlq processing started",
		logx.Duration("interval", cfg.ProcessingInterval),
		logx.Int("batch_size", cfg.BatchSize),
		logx.String("cleanup_schedule", cfg.CleanupSchedule),
		logx.String("owner", q.owner),
	)
	return nil
}

// StopProcessing stops the ticker and cron and waits for an in-flight pass
// until ctx expires. Stopping a stopped queue is a no-op.
func (q *Queue) StopProcessing(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q.runMu.Lock()
	sup, c := q.sup, q.cron
	q.sup, q.cron, q.kick = nil, nil, nil
	q.runMu.Unlock()
	if sup == nil {
		return nil
	}

	var cronDone <-chan struct{}
	if c != nil {
		cronDone = c.Stop().Done()
	}
	err := sup.Stop(ctx)
	if cronDone != nil {
		select {
		case <-cronDone:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
	}
	q.log.Info("dlq processing stopped")
	return err
}

// Running reports whether the scheduler is active.
func (q *Queue) Running() bool {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	return q.sup != nil
}

func (q *Queue) loop(ctx context.Context, kick <-chan struct{}) error {
	interval := q.Config().ProcessingInterval
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-kick:
			if next := q.Config().ProcessingInterval; next != interval {
				interval = next
				t.Reset(interval)
			}
		case <-t.C:
			q.runScheduled(ctx)
		}
	}
}

// runScheduled swallows every error so the ticker keeps firing.
func (q *Queue) runScheduled(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("dlq scheduled pass panicked", logx.Any("panic", r))
		}
	}()
	if _, err := q.ProcessPendingRetries(ctx); err != nil {
		if errors.Is(err, ErrAlreadyProcessing) {
			q.log.Debug("dlq pass skipped, previous pass still running")
			return
		}
		if ctx.Err() != nil {
			return
		}
		q.log.Error("dlq scheduled pass failed", logx.Err(err))
	}
}

// restartCronLocked replaces the cleanup cron. Caller holds runMu.
func (q *Queue) restartCronLocked(cfg Config) error {
	if q.cron != nil {
		q.cron.Stop()
		q.cron = nil
	}
	if cfg.CleanupSchedule == "" {
		return nil
	}
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	base := context.Background()
	if q.sup != nil {
		base = q.sup.Context()
	}
	if _, err := c.AddFunc(cfg.CleanupSchedule, func() {
		ctx, cancel := context.WithTimeout(base, time.Minute)
		defer cancel()
		if _, err := q.Cleanup(ctx); err != nil {
			q.log.Error("dlq scheduled cleanup failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}
	c.Start()
	q.cron = c
	return nil
}
