// Package reminders connects persisted medication schedules to the
// scheduler engine.
//
// It owns the caller side of the job table: building triggers from a
// schedule, registering and cancelling jobs, keeping the stored job id list
// in step with what is live, and restoring every enabled schedule at startup.
package reminders
