package scheduler

import (
	"time"

	"medremind/internal/task/trigger"
)

type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means the host zone
}

// Payload is what a firing carries to the dispatcher.
type Payload struct {
	ScheduleID string
	Contact    string
	Message    string
	Label      string // "HH:MM"
}

// Job is one live entry of the job table.
type Job struct {
	ID      string
	Rule    trigger.Rule
	Payload Payload
}

// Firing is one due job handed to the dispatcher.
type Firing struct {
	JobID     string
	Payload   Payload
	Scheduled time.Time
	FiredAt   time.Time
}

// Dispatcher receives firings. Dispatch must not block the caller.
type Dispatcher interface {
	Dispatch(f Firing)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(f Firing)

func (fn DispatchFunc) Dispatch(f Firing) { fn(f) }

type JobInfo struct {
	ID         string    `json:"id"`
	ScheduleID string    `json:"schedule_id"`
	Label      string    `json:"time"`
	Rule       string    `json:"rule"`
	Next       time.Time `json:"next"`
	Prev       time.Time `json:"prev"`
	Dormant    bool      `json:"dormant"`
}

type Snapshot struct {
	Running  bool      `json:"running"`
	Timezone string    `json:"timezone"`
	Fired    uint64    `json:"fired"`
	Skipped  uint64    `json:"skipped"`
	Jobs     []JobInfo `json:"jobs"`
}
