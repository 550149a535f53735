package app

import (
	"context"
	"time"

	"darklook/internal/eventbus"
	"darklook/internal/task/scheduler"
	logx "darklook/pkg/logx"
)

// retentionJob prunes change history and the action log past the
// configured age and reports the counts on the bus.
func (a *App) retentionJob(ctx context.Context) error {
	keep := time.Duration(a.retentionKeep.Load())
	res, err := a.tracker.Prune(ctx, keep)
	if err != nil {
		return err
	}
	a.log.Info("retention pruned",
		logx.Duration("keep", keep),
		logx.Int64("changes", res.Changes),
		logx.Int64("actions", res.Actions),
		logx.Int64("dedup", res.Dedup),
	)
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeRetentionPruned, Data: res})
	return nil
}

// applyRetention (re)registers the retention job and applies the scheduler
// config. The job stays registered while disabled so /status lists it.
func (a *App) applyRetention(sc scheduler.Config, plan retentionPlan) error {
	a.retentionKeep.Store(int64(plan.Keep))
	if err := a.sched.AddSchedule(retentionJobName, plan.Schedule, plan.Timeout, a.retentionJob); err != nil {
		return err
	}
	a.sched.Apply(sc)
	return nil
}
