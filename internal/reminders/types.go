package reminders

import (
	"context"
	"errors"
	"time"

	"medremind/internal/storage"
	"medremind/internal/task/scheduler"
	"medremind/internal/task/trigger"
)

var (
	// ErrNoContact means the schedule owner has no deliverable contact on file.
	ErrNoContact = errors.New("reminders: owner has no contact")
	ErrDisabled  = errors.New("reminders: schedule is disabled")
)

// ScheduleStore is the persisted schedule source.
type ScheduleStore interface {
	LoadEnabled(ctx context.Context) ([]storage.Schedule, error)
	LoadOne(ctx context.Context, id string) (storage.Schedule, error)
	UpdateJobIDs(ctx context.Context, id string, jobIDs []string) error
	SetEnabled(ctx context.Context, id string, enabled bool, jobIDs []string) error
}

// ContactDirectory resolves where an owner's reminders are delivered.
type ContactDirectory interface {
	ResolveContact(ctx context.Context, ownerID string) (contact string, ok bool, err error)
}

// Scheduler is the job table the service registers into.
type Scheduler interface {
	Register(jobs ...scheduler.Job) []string
	Replace(scheduleID string, jobs ...scheduler.Job) (ids []string, cancelled int)
	Cancel(ids ...string) int
	IDs() []string
	Location() *time.Location
}

// Declaration is everything needed to register one schedule.
type Declaration struct {
	trigger.Declaration

	Medication string
	Dosage     string
	DosageUnit string
}

// FromSchedule extracts the declaration of a stored schedule.
func FromSchedule(sc storage.Schedule) Declaration {
	return Declaration{
		Declaration: trigger.Declaration{
			ScheduleID: sc.ID,
			Times:      sc.Times,
			Frequency:  trigger.Frequency(sc.Frequency),
			Weekdays:   sc.Weekdays,
			StartDate:  sc.StartDate,
			EndDate:    sc.EndDate,
		},
		Medication: sc.Name,
		Dosage:     sc.Dosage,
		DosageUnit: sc.DosageUnit,
	}
}

// Registration is the outcome of Register.
type Registration struct {
	ScheduleID string            `json:"schedule_id"`
	JobIDs     []string          `json:"job_ids"`
	Dropped    []trigger.Dropped `json:"dropped,omitempty"`
	Notes      []string          `json:"notes,omitempty"`
	Cancelled  int               `json:"cancelled,omitempty"`
}

// RecoveryReport summarizes one RecoverAll pass.
type RecoveryReport struct {
	Restored  int           `json:"restored"`
	Jobs      int           `json:"jobs"`
	Expired   int           `json:"expired"`
	NoContact int           `json:"no_contact"`
	Failed    int           `json:"failed"`
	Took      time.Duration `json:"took"`
}
