// Package trigger turns a persisted reminder declaration into recurrence rules.
//
// Everything here is pure: a Rule is plain data (hour, minute, weekday mask,
// inclusive date bounds, location) and Rule.Next computes the first fire
// instant strictly after a given time. The scheduler package drives rules with
// robfig/cron; Rule satisfies cron.Schedule without importing it.
package trigger
