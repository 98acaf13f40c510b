package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/botloader/scheduler/internal/coretypes"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// intervalDue reports whether timer should fire given the current instant,
// and the last_run value it should be persisted with before the synthetic
// event is enqueued (spec.md §4.2: "last_run is updated atomically before
// the event is enqueued; this is the single source of idempotency").
func intervalDue(timer coretypes.IntervalTimer, now time.Time) (due bool, newLastRun time.Time) {
	switch timer.Interval.Kind {
	case coretypes.IntervalMinutes:
		period := time.Duration(timer.Interval.Minutes) * time.Minute
		if period <= 0 {
			return false, timer.LastRun
		}
		if timer.LastRun.IsZero() || now.Sub(timer.LastRun) >= period {
			return true, now
		}
		return false, timer.LastRun
	case coretypes.IntervalCron:
		sched, err := cronParser.Parse(timer.Interval.Cron)
		if err != nil {
			return false, timer.LastRun
		}
		base := timer.LastRun
		if base.IsZero() {
			base = now.Add(-time.Minute)
		}
		next := sched.Next(base)
		if !next.After(now) {
			return true, now
		}
		return false, timer.LastRun
	default:
		return false, timer.LastRun
	}
}
