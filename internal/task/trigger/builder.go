package trigger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the persisted form of schedule start/end dates.
const DateLayout = "2006-01-02"

// Frequency is the persisted recurrence kind of a schedule.
type Frequency string

const (
	Daily        Frequency = "daily"
	SpecificDays Frequency = "specific_days"
	AsNeeded     Frequency = "as_needed"
)

var (
	ErrNoScheduleID = errors.New("trigger: schedule id required")
	ErrNoWeekdays   = errors.New("trigger: specific_days schedule has no recognizable weekday")
)

// Declaration is the scheduling-relevant part of a persisted schedule.
type Declaration struct {
	ScheduleID string
	Times      []string
	Frequency  Frequency
	Weekdays   []string
	StartDate  string
	EndDate    string
}

// Spec is one buildable job: a deterministic id plus the rule it runs on.
type Spec struct {
	ID    string
	Label string // normalized "HH:MM"
	Rule  Rule
}

// Dropped is a time entry that produced no job.
type Dropped struct {
	Entry  string
	Reason string
}

// Plan is the outcome of building a declaration. Partial success is normal:
// Specs holds every valid entry, Dropped and Notes report the rest.
type Plan struct {
	Specs   []Spec
	Dropped []Dropped
	Notes   []string
}

func (p Plan) IDs() []string {
	out := make([]string, 0, len(p.Specs))
	for _, s := range p.Specs {
		out = append(out, s.ID)
	}
	return out
}

// Builder converts declarations into rules for one fixed location.
type Builder struct {
	loc *time.Location
}

func NewBuilder(loc *time.Location) Builder {
	if loc == nil {
		loc = time.Local
	}
	return Builder{loc: loc}
}

func (b Builder) Location() *time.Location { return b.loc }

// Build produces one Spec per distinct valid time entry.
//
// Malformed entries are dropped, never fatal. A weekday filter is attached
// only for SpecificDays with a non-empty weekday list. Dates that fail to
// parse leave that side unbounded and add a note.
func (b Builder) Build(d Declaration) (Plan, error) {
	id := strings.TrimSpace(d.ScheduleID)
	if id == "" {
		return Plan{}, ErrNoScheduleID
	}

	var plan Plan
	base := Rule{Loc: b.loc}

	if d.Frequency == SpecificDays && len(d.Weekdays) > 0 {
		mask, unknown := ParseWeekdays(d.Weekdays)
		for _, u := range unknown {
			plan.Notes = append(plan.Notes, fmt.Sprintf("unknown weekday %q ignored", u))
		}
		if mask == 0 {
			return plan, fmt.Errorf("%w: %v", ErrNoWeekdays, d.Weekdays)
		}
		base.Days = mask
	}

	if s := strings.TrimSpace(d.StartDate); s != "" {
		start, err := b.StartOfDay(s)
		if err != nil {
			plan.Notes = append(plan.Notes, err.Error())
		} else {
			base.Start = start
		}
	}
	if s := strings.TrimSpace(d.EndDate); s != "" {
		end, err := b.EndOfDay(s)
		if err != nil {
			plan.Notes = append(plan.Notes, err.Error())
		} else {
			base.End = end
		}
	}

	seen := make(map[string]bool, len(d.Times))
	for _, entry := range d.Times {
		h, m, err := ParseHHMM(entry)
		if err != nil {
			plan.Dropped = append(plan.Dropped, Dropped{Entry: entry, Reason: err.Error()})
			continue
		}
		jobID := JobID(id, h, m)
		if seen[jobID] {
			plan.Dropped = append(plan.Dropped, Dropped{Entry: entry, Reason: "duplicate time"})
			continue
		}
		seen[jobID] = true

		r := base
		r.Hour, r.Minute = h, m
		plan.Specs = append(plan.Specs, Spec{ID: jobID, Label: fmt.Sprintf("%02d:%02d", h, m), Rule: r})
	}
	return plan, nil
}

// StartOfDay parses a YYYY-MM-DD date as local midnight.
func (b Builder) StartOfDay(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), b.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return t, nil
}

// EndOfDay parses a YYYY-MM-DD date as the last instant of that local day.
func (b Builder) EndOfDay(s string) (time.Time, error) {
	t, err := b.StartOfDay(s)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, int(time.Second-time.Nanosecond), b.loc), nil
}

// Ended reports whether endDate lies strictly before the local day of now.
// Empty or unparseable dates never end.
func (b Builder) Ended(endDate string, now time.Time) bool {
	if strings.TrimSpace(endDate) == "" {
		return false
	}
	end, err := b.EndOfDay(endDate)
	if err != nil {
		return false
	}
	y, m, d := now.In(b.loc).Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, b.loc)
	return end.Before(today)
}

// JobID is the deterministic job identifier for one time entry of a schedule.
func JobID(scheduleID string, hour, minute int) string {
	return fmt.Sprintf("med_%s_%02d%02d", scheduleID, hour, minute)
}

// OwnsJob reports whether jobID is one of the ids JobID produces for scheduleID.
func OwnsJob(scheduleID, jobID string) bool {
	rest, ok := strings.CutPrefix(jobID, "med_"+scheduleID+"_")
	if !ok || len(rest) != 4 {
		return false
	}
	h, m, err := ParseHHMM(rest[:2] + ":" + rest[2:])
	return err == nil && JobID(scheduleID, h, m) == jobID
}

// ParseHHMM parses a 24h "HH:MM" time of day.
func ParseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
