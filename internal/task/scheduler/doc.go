// Package scheduler owns the live job table and the wait/fire loop.
//
// The Engine maps job ids to a trigger.Rule plus a dispatch payload. It is
// driven by robfig/cron: every live job is a cron entry whose Schedule is its
// rule. The engine never talks to persistence and never sends anything
// itself; each firing is handed to a Dispatcher.
//   - Register replaces jobs with the same id
//   - Cancel of an unknown id is a no-op
//   - after Cancel returns, the id never fires again
package scheduler
