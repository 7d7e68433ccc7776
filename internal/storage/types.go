package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "file": dependency-free file backend (JSON snapshot + jsonl journals)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Schedule is one persisted medication schedule.
//
// Times are "HH:MM" local entries, Weekdays are day names ("Mon"), dates are
// "YYYY-MM-DD" and EndDate may be empty. JobIDs mirrors what is live in the
// scheduler for this schedule.
type Schedule struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Name       string    `json:"name"`
	Dosage     string    `json:"dosage"`
	DosageUnit string    `json:"dosage_unit"`
	Times      []string  `json:"times"`
	Frequency  string    `json:"frequency"`
	Weekdays   []string  `json:"weekdays"`
	StartDate  string    `json:"start_date"`
	EndDate    string    `json:"end_date,omitempty"`
	Enabled    bool      `json:"enabled"`
	JobIDs     []string  `json:"job_ids"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Delivery is one dispatch outcome. Contact is stored masked.
type Delivery struct {
	At         time.Time `json:"at"`
	JobID      string    `json:"job_id"`
	ScheduleID string    `json:"schedule_id"`
	Channel    string    `json:"channel"`
	Contact    string    `json:"contact"`
	OK         bool      `json:"ok"`
	Receipt    string    `json:"receipt,omitempty"`
	Error      string    `json:"error,omitempty"`
	TookMS     int64     `json:"took_ms"`
}
