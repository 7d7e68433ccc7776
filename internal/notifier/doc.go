// Package notifier dispatches due reminders to the configured channel.
//
// # Dispatch
//
// Every firing gets its own supervised goroutine, so a slow or hanging
// provider call never delays other reminders or the scheduler itself. Each
// send is bounded by a timeout and, optionally, a shared token bucket.
//
// # Failures
//
// Delivery is best-effort. A failed send is logged with the job id, the
// masked recipient and the reason, counted, and dropped. The job stays
// scheduled for its next occurrence; nothing is retried.
//
// # Dedup
//
// A firing is keyed by job id and scheduled minute. With a dedup window the
// key is remembered in memory and, optionally, in storage, so a restart
// within the same minute does not deliver the same reminder twice.
package notifier
