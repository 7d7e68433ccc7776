package trigger

import (
	"fmt"
	"strings"
	"time"
)

// Weekdays is a bitmask indexed by time.Weekday. The zero value means "every day".
type Weekdays uint8

const AllWeekdays Weekdays = 1<<7 - 1

func WeekdaysOf(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		if d >= time.Sunday && d <= time.Saturday {
			w |= 1 << uint(d)
		}
	}
	return w
}

func (w Weekdays) Has(d time.Weekday) bool { return w == 0 || w&(1<<uint(d)) != 0 }

func (w Weekdays) String() string {
	if w == 0 || w&AllWeekdays == AllWeekdays {
		return "daily"
	}
	var parts []string
	// Monday first, the way people write schedules.
	for i := 1; i <= 7; i++ {
		d := time.Weekday(i % 7)
		if w&(1<<uint(d)) != 0 {
			parts = append(parts, d.String()[:3])
		}
	}
	return strings.Join(parts, ",")
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// ParseWeekdays accepts short or long English day names in any case
// ("Mon", "monday", "TUE"). Unknown names are returned separately.
func ParseWeekdays(names []string) (Weekdays, []string) {
	var (
		w       Weekdays
		unknown []string
	)
	for _, raw := range names {
		n := strings.ToLower(strings.TrimSpace(raw))
		if len(n) >= 3 {
			if d, ok := weekdayNames[n[:3]]; ok && strings.HasPrefix(strings.ToLower(d.String()), n) {
				w |= WeekdaysOf(d)
				continue
			}
		}
		unknown = append(unknown, raw)
	}
	return w, unknown
}

// Rule is a daily time-of-day recurrence with optional weekday and date filters.
//
// Start and End are inclusive; the zero time means unbounded on that side.
// Builder normalizes Start to local midnight and End to the last instant of
// its local day.
type Rule struct {
	Hour   int
	Minute int
	Days   Weekdays
	Start  time.Time
	End    time.Time
	Loc    *time.Location
}

func (r Rule) location() *time.Location {
	if r.Loc != nil {
		return r.Loc
	}
	return time.Local
}

// Next returns the first fire instant strictly after t, or the zero time when
// the rule will never fire again (its end bound has elapsed).
//
// Wall-clock times that do not exist on a DST transition day are shifted
// forward by the gap, as time.Date does; ambiguous ones fire once, at the
// first occurrence.
func (r Rule) Next(t time.Time) time.Time {
	loc := r.location()
	from := t.In(loc)
	if !r.Start.IsZero() && r.Start.After(from) {
		from = r.Start.In(loc).Add(-time.Nanosecond)
	}

	y, m, d := from.Date()
	// One day to get past "from" plus a full week for the weekday mask.
	for i := 0; i < 9; i++ {
		c := time.Date(y, m, d+i, r.Hour, r.Minute, 0, 0, loc)
		if !c.After(from) {
			continue
		}
		if !r.End.IsZero() && c.After(r.End) {
			return time.Time{}
		}
		if !r.Days.Has(c.Weekday()) {
			continue
		}
		return c
	}
	return time.Time{}
}

// Upcoming returns up to n fire instants after t.
func (r Rule) Upcoming(t time.Time, n int) []time.Time {
	out := make([]time.Time, 0, max(n, 0))
	for len(out) < n {
		t = r.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

// Expired reports whether the rule has no fire instant after t.
func (r Rule) Expired(t time.Time) bool { return r.Next(t).IsZero() }

func (r Rule) String() string {
	s := fmt.Sprintf("%02d:%02d %s", r.Hour, r.Minute, r.Days)
	if r.Start.IsZero() && r.End.IsZero() {
		return s
	}
	lo, hi := "", ""
	if !r.Start.IsZero() {
		lo = r.Start.In(r.location()).Format(DateLayout)
	}
	if !r.End.IsZero() {
		hi = r.End.In(r.location()).Format(DateLayout)
	}
	return s + " [" + lo + ".." + hi + "]"
}
