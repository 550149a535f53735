// Package scheduler runs housekeeping jobs on cron or interval schedules.
//
// Jobs run on the cron goroutine pool with a per-run timeout; a run that is
// still in flight when its next trigger fires is skipped.
package scheduler
