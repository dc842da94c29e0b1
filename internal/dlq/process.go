package dlq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"notifyguard/internal/breaker"
	"notifyguard/internal/eventbus"
	"notifyguard/internal/notification"
	"notifyguard/internal/storage"
	logx "notifyguard/pkg/logx"
)

// ProcessReport summarizes one ProcessPendingRetries pass.
type ProcessReport struct {
	Attempted         int           `json:"attempted"`
	Succeeded         int           `json:"succeeded"`
	Rescheduled       int           `json:"rescheduled"`
	ShortCircuited    int           `json:"short_circuited"`
	PermanentlyFailed int           `json:"permanently_failed"`
	ProcessingErrors  int           `json:"processing_errors"`
	Interrupted       int           `json:"interrupted"`
	ClaimLost         int           `json:"claim_lost"`
	Exhausted         int           `json:"exhausted"`
	Took              time.Duration `json:"took"`
	Totals            Metrics       `json:"totals"`
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeRescheduled
	outcomeShortCircuited
	outcomePermanent
	outcomeProcessingError
	outcomeInterrupted
	outcomeClaimLost
)

// ProcessPendingRetries claims up to BatchSize due rows, oldest NextRetryAt
// first, and retries them concurrently. Every row settles before it returns.
// A pass already in progress makes it return ErrAlreadyProcessing.
func (q *Queue) ProcessPendingRetries(ctx context.Context) (ProcessReport, error) {
	if q.store == nil {
		return ProcessReport{}, ErrNoStore
	}
	if !q.processing.CompareAndSwap(false, true) {
		return ProcessReport{}, ErrAlreadyProcessing
	}
	defer q.processing.Store(false)

	started := time.Now()
	cfg := q.Config()
	exhausted, err := q.expireExhausted(ctx, cfg)
	if err != nil {
		return ProcessReport{}, err
	}
	rows, err := q.store.ClaimDue(ctx, storage.ClaimRequest{
		Owner:           q.owner,
		Now:             q.clock.Now(),
		Lease:           cfg.ClaimLease,
		RetryCountBelow: cfg.MaxRetryAttempts,
		Limit:           cfg.BatchSize,
	})
	if err != nil {
		return ProcessReport{}, fmt.Errorf("dlq claim: %w", err)
	}

	results := make([]outcome, len(rows))
	var wg sync.WaitGroup
	for i := range rows {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = q.retryOne(ctx, rows[i], cfg)
		}(i)
	}
	wg.Wait()

	rep := ProcessReport{Attempted: len(rows), Exhausted: exhausted}
	for _, r := range results {
		switch r {
		case outcomeSucceeded:
			rep.Succeeded++
		case outcomeRescheduled:
			rep.Rescheduled++
		case outcomeShortCircuited:
			rep.ShortCircuited++
		case outcomePermanent:
			rep.PermanentlyFailed++
		case outcomeProcessingError:
			rep.ProcessingErrors++
		case outcomeInterrupted:
			rep.Interrupted++
		case outcomeClaimLost:
			rep.ClaimLost++
		}
	}
	rep.Took = time.Since(started)

	totals, err := q.GetMetrics(ctx)
	if err != nil {
		q.log.Warn("dlq metrics after pass failed", logx.Err(err))
	} else {
		rep.Totals = totals
		q.alertOn(ctx, totals)
	}

	if rep.Attempted > 0 || rep.Exhausted > 0 {
		q.log.Info("dlq pass finished",
			logx.Int("attempted", rep.Attempted),
			logx.Int("succeeded", rep.Succeeded),
			logx.Int("rescheduled", rep.Rescheduled),
			logx.Int("short_circuited", rep.ShortCircuited),
			logx.Int("permanent", rep.PermanentlyFailed),
			logx.Int("processing_errors", rep.ProcessingErrors),
			logx.Int("interrupted", rep.Interrupted),
			logx.Int("exhausted", rep.Exhausted),
			logx.Duration("took", rep.Took),
		)
	}
	q.bus.Publish(eventbus.Event{Type: eventbus.DLQProcessed, Data: rep})
	return rep, nil
}

// retryOne never panics; a panic in dispatch becomes a processing error.
func (q *Queue) retryOne(ctx context.Context, row storage.FailedNotification, cfg Config) (res outcome) {
	log := q.log.With(logx.String("id", row.ID), logx.String("channel", row.Channel), logx.Int("retry_count", row.RetryCount))
	defer func() {
		if r := recover(); r != nil {
			log.Error("dlq retry panicked", logx.Any("panic", r), logx.String("stack", logx.StackTrace(3, 16)))
			res = q.markProcessingError(ctx, row, fmt.Errorf("panic: %v", r), log)
		}
	}()

	payload, err := notification.Decode(notification.Channel(row.Channel), row.Payload)
	if err != nil {
		return q.markProcessingError(ctx, row, err, log)
	}
	if q.dispatcher == nil {
		return q.markProcessingError(ctx, row, fmt.Errorf("%w: no dispatcher", notification.ErrUnsupportedChannel), log)
	}

	sendErr := q.dispatcher.Dispatch(ctx, row.Recipient, payload)
	// Outcomes are written even if the pass is cancelled from here on.
	uctx := context.WithoutCancel(ctx)
	if sendErr != nil && ctx.Err() != nil {
		// Our own cancellation; the row stays due with its attempt count intact.
		if err := q.store.Update(uctx, row.ID, storage.Changes{ReleaseClaim: true, Owner: q.owner}); err != nil {
			return q.updateFailed(row, err, log)
		}
		log.Debug("dlq retry interrupted; attempt not counted", logx.Err(sendErr))
		return outcomeInterrupted
	}
	now := q.clock.Now()
	attempts := row.RetryCount + 1

	switch {
	case sendErr == nil:
		if err := q.store.Update(uctx, row.ID, storage.Changes{
			RetryCount:     &attempts,
			LastAttemptAt:  &now,
			ResolvedAt:     &now,
			ClearNextRetry: true,
			ReleaseClaim:   true,
			Owner:          q.owner,
		}); err != nil {
			return q.updateFailed(row, err, log)
		}
		log.Info("dead-lettered notification delivered", logx.Int("attempts", attempts))
		q.bus.Publish(eventbus.Event{Type: eventbus.DLQResolved, Time: now, Data: Event{ID: row.ID, Type: row.Type, Channel: row.Channel, Attempts: attempts}})
		return outcomeSucceeded

	case errors.Is(sendErr, notification.ErrUnsupportedChannel), errors.Is(sendErr, notification.ErrInvalidPayload):
		return q.markProcessingError(ctx, row, sendErr, log)

	case errors.Is(sendErr, breaker.ErrOpen):
		// The dependency was not contacted, so the attempt is not counted.
		next := now.Add(cfg.RetryDelay)
		if err := q.store.Update(uctx, row.ID, storage.Changes{NextRetryAt: &next, ReleaseClaim: true, Owner: q.owner}); err != nil {
			return q.updateFailed(row, err, log)
		}
		log.Debug("dlq retry short-circuited", logx.Time("next_retry_at", next))
		return outcomeShortCircuited
	}

	reason := sendErr.Error()
	cls := q.classify(sendErr)
	if !cls.ShouldRetry || attempts >= cfg.MaxRetryAttempts {
		perm := true
		if err := q.store.Update(uctx, row.ID, storage.Changes{
			RetryCount:       &attempts,
			FailureReason:    &reason,
			LastAttemptAt:    &now,
			ClearNextRetry:   true,
			PermanentFailure: &perm,
			ReleaseClaim:     true,
			Owner:            q.owner,
		}); err != nil {
			return q.updateFailed(row, err, log)
		}
		log.Warn("dead-lettered notification failed permanently",
			logx.Int("attempts", attempts), logx.String("category", string(cls.Category)), logx.String("reason", reason))
		q.bus.Publish(eventbus.Event{Type: eventbus.DLQPermanent, Time: now, Data: Event{ID: row.ID, Type: row.Type, Channel: row.Channel, Reason: reason, Attempts: attempts}})
		return outcomePermanent
	}

	next := now.Add(cfg.RetryDelay)
	if err := q.store.Update(uctx, row.ID, storage.Changes{
		RetryCount:    &attempts,
		FailureReason: &reason,
		LastAttemptAt: &now,
		NextRetryAt:   &next,
		ReleaseClaim:  true,
		Owner:         q.owner,
	}); err != nil {
		return q.updateFailed(row, err, log)
	}
	log.Info("dlq retry failed, rescheduled", logx.Int("attempts", attempts), logx.Time("next_retry_at", next), logx.String("reason", reason))
	return outcomeRescheduled
}

// markProcessingError terminates rows the queue itself cannot handle.
func (q *Queue) markProcessingError(ctx context.Context, row storage.FailedNotification, cause error, log logx.Logger) outcome {
	q.processingErrors.Add(1)
	now := q.clock.Now()
	reason := "processing error: " + cause.Error()
	perm := true
	if err := q.store.Update(context.WithoutCancel(ctx), row.ID, storage.Changes{
		FailureReason:    &reason,
		LastAttemptAt:    &now,
		ClearNextRetry:   true,
		PermanentFailure: &perm,
		ReleaseClaim:     true,
		Owner:            q.owner,
	}); err != nil {
		log.Error("dlq could not mark processing error", logx.Err(err))
	}
	log.Error("dlq processing error", logx.Err(cause))
	q.bus.Publish(eventbus.Event{Type: eventbus.DLQPermanent, Time: now, Data: Event{ID: row.ID, Type: row.Type, Channel: row.Channel, Reason: reason, Attempts: row.RetryCount}})
	return outcomeProcessingError
}

// updateFailed leaves the row claimed; it becomes due again when the lease
// expires. A lost claim means another owner now holds the row.
func (q *Queue) updateFailed(row storage.FailedNotification, err error, log logx.Logger) outcome {
	if errors.Is(err, storage.ErrClaimLost) {
		log.Warn("dlq claim lost before outcome was written", logx.String("owner", q.owner))
		return outcomeClaimLost
	}
	q.processingErrors.Add(1)
	log.Error("dlq row update failed", logx.Err(err), logx.String("owner", row.ClaimedBy))
	return outcomeProcessingError
}

// expireExhausted terminates pending rows whose RetryCount already reached
// MaxRetryAttempts. That happens when a reload lowers the limit. Rows under
// a live lease are left to their holder.
func (q *Queue) expireExhausted(ctx context.Context, cfg Config) (int, error) {
	if cfg.MaxRetryAttempts <= 0 {
		return 0, nil
	}
	rows, err := q.store.FindMany(ctx, storage.Filter{State: storage.StatePending, RetryCountAtLeast: cfg.MaxRetryAttempts}, storage.OrderNextRetryAsc, 0)
	if err != nil {
		return 0, fmt.Errorf("dlq exhausted rows: %w", err)
	}
	now := q.clock.Now()
	n := 0
	for _, row := range rows {
		if row.ClaimedUntil != nil && row.ClaimedUntil.After(now) {
			continue
		}
		perm := true
		if err := q.store.Update(ctx, row.ID, storage.Changes{ClearNextRetry: true, PermanentFailure: &perm, ReleaseClaim: true}); err != nil {
			q.log.Warn("dlq could not expire exhausted row", logx.String("id", row.ID), logx.Err(err))
			continue
		}
		n++
		q.log.Warn("dead-lettered notification failed permanently",
			logx.String("id", row.ID), logx.Int("attempts", row.RetryCount), logx.Int("max_retry_attempts", cfg.MaxRetryAttempts))
		q.bus.Publish(eventbus.Event{Type: eventbus.DLQPermanent, Time: now, Data: Event{ID: row.ID, Type: row.Type, Channel: row.Channel, Reason: row.FailureReason, Attempts: row.RetryCount}})
	}
	return n, nil
}
