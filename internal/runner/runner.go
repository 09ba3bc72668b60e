// Package runner selects due reminders, delivers them through the Slack
// boundary and persists the outcome. One invocation is stateless; everything
// it needs to resume after a crash lives in the store.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"reminderd/internal/core"
	"reminderd/internal/metrics"
	"reminderd/internal/schedule"
	"reminderd/internal/slack"
)

// Store is the slice of the reminder store the runner needs. Updates are
// atomic per reminder: the delivery-log append and the state change commit
// together.
type Store interface {
	Due(ctx context.Context, now time.Time) ([]core.Reminder, error)
	RecordSuccess(ctx context.Context, id string, at time.Time, next *time.Time) error
	RecordFailure(ctx context.Context, id string, at time.Time, errMsg string) error
}

type Runner struct {
	store  Store
	sender slack.Sender
	log    zerolog.Logger
}

func New(store Store, sender slack.Sender, log zerolog.Logger) *Runner {
	return &Runner{store: store, sender: sender, log: log.With().Str("component", "runner").Logger()}
}

// RunDue processes every reminder due at now concurrently. One reminder's
// failure never aborts the batch; the returned slice has one result per due
// reminder. The error return is reserved for the selection query itself.
func (r *Runner) RunDue(ctx context.Context, now time.Time) ([]core.RunResult, error) {
	start := time.Now()

	due, err := r.store.Due(ctx, now)
	if err != nil {
		metrics.RunsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("select due reminders: %w", err)
	}
	metrics.DueBatchSize.Observe(float64(len(due)))
	if len(due) == 0 {
		metrics.RunsTotal.WithLabelValues("ok").Inc()
		return []core.RunResult{}, nil
	}

	results := make([]core.RunResult, len(due))
	var wg sync.WaitGroup
	for i := range due {
		wg.Add(1)
		go func(i int, rem core.Reminder) {
			defer wg.Done()
			results[i] = r.process(ctx, &rem, now)
		}(i, due[i])
	}
	wg.Wait()

	metrics.RunsTotal.WithLabelValues("ok").Inc()
	metrics.RunDuration.Observe(time.Since(start).Seconds())
	r.log.Info().Int("due", len(due)).Dur("elapsed", time.Since(start)).Msg("due-check pass complete")
	return results, nil
}

// RunOne fires a single reminder through the same delivery+persist path,
// regardless of whether it is currently due.
func (r *Runner) RunOne(ctx context.Context, rem *core.Reminder, now time.Time) core.RunResult {
	return r.process(ctx, rem, now)
}

func (r *Runner) process(ctx context.Context, rem *core.Reminder, now time.Time) core.RunResult {
	if err := r.deliver(ctx, rem); err != nil {
		metrics.DeliveryTotal.WithLabelValues("failed").Inc()
		r.log.Warn().Str("reminder_id", rem.ID).Str("channel_id", rem.ChannelID).
			Err(err).Msg("delivery failed; reminder stays due")
		if perr := r.store.RecordFailure(ctx, rem.ID, now, err.Error()); perr != nil {
			r.log.Error().Str("reminder_id", rem.ID).Err(perr).Msg("recording delivery failure")
		}
		return core.RunResult{ID: rem.ID, Sent: false, Error: err.Error()}
	}

	res := core.RunResult{
		ID:        rem.ID,
		Sent:      true,
		ChannelID: rem.ChannelID,
		Frequency: rem.Frequency,
	}
	var next *time.Time
	if rem.Frequency.Recurring() {
		n, err := nextOccurrence(rem, now)
		if err != nil {
			// Delivered, but the recurrence config is broken. Log the firing
			// as failed so a human sees it; the reminder stays due.
			r.log.Error().Str("reminder_id", rem.ID).Err(err).Msg("computing next occurrence")
			_ = r.store.RecordFailure(ctx, rem.ID, now, err.Error())
			return core.RunResult{ID: rem.ID, Sent: false, Error: err.Error()}
		}
		next = &n
		res.NextOccurrence = &n
	}

	if err := r.store.RecordSuccess(ctx, rem.ID, now, next); err != nil {
		// Delivery happened but the state write did not: at-least-once, the
		// reminder stays due and may be redelivered next pass.
		r.log.Error().Str("reminder_id", rem.ID).Err(err).Msg("persisting delivery outcome")
		return core.RunResult{ID: rem.ID, Sent: false, Error: err.Error()}
	}
	metrics.DeliveryTotal.WithLabelValues("ok").Inc()
	return res
}

// deliver sends the reminder: ephemeral to the target user when one is set,
// falling back to a channel-wide message if the user cannot be addressed
// privately. The fallback is silent to the caller.
func (r *Runner) deliver(ctx context.Context, rem *core.Reminder) error {
	if rem.TargetUserID == "" {
		return r.sender.SendChannelMessage(ctx, rem.ChannelID, rem.Message)
	}
	err := r.sender.SendEphemeralMessage(ctx, rem.ChannelID, rem.TargetUserID, rem.Message)
	if err == nil {
		return nil
	}
	if slack.Classify(err).Kind != slack.KindMembership {
		return err
	}
	if ferr := r.sender.SendChannelMessage(ctx, rem.ChannelID, rem.Message); ferr != nil {
		return ferr
	}
	metrics.DeliveryTotal.WithLabelValues("fallback").Inc()
	r.log.Debug().Str("reminder_id", rem.ID).Str("user_id", rem.TargetUserID).
		Msg("ephemeral send fell back to channel message")
	return nil
}

func nextOccurrence(rem *core.Reminder, now time.Time) (time.Time, error) {
	switch rem.Frequency {
	case core.FreqDaily:
		return schedule.NextDaily(now, rem.TimeOfDay)
	case core.FreqWeekly:
		return schedule.NextWeekly(now, rem.TimeOfDay)
	}
	return time.Time{}, fmt.Errorf("frequency %q does not recur", rem.Frequency)
}
