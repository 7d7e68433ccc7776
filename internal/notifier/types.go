package notifier

import "time"

// DeliveryPolicy describes what happens when a send fails.
type DeliveryPolicy struct {
	Name        string
	MaxAttempts int
}

// BestEffort logs and counts a failed send and moves on. The job keeps its
// schedule; the missed occurrence is not retried.
var BestEffort = DeliveryPolicy{Name: "best-effort", MaxAttempts: 1}

// Config controls the dispatcher.
type Config struct {
	SendTimeout     time.Duration
	RatePerSec      int // 0 disables rate limiting
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	LogDeliveries   bool
	HistorySize     int
}

type HistoryItem struct {
	At         time.Time     `json:"at"`
	JobID      string        `json:"job_id"`
	ScheduleID string        `json:"schedule_id"`
	Recipient  string        `json:"recipient"`
	OK         bool          `json:"ok"`
	Deduped    bool          `json:"deduped,omitempty"`
	Receipt    string        `json:"receipt,omitempty"`
	Error      string        `json:"error,omitempty"`
	Took       time.Duration `json:"took"`
}

type Stats struct {
	Policy   string `json:"policy"`
	Channel  string `json:"channel"`
	InFlight int64  `json:"in_flight"`
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Deduped  uint64 `json:"deduped"`
	Rejected uint64 `json:"rejected"`
}
