package trigger

import (
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("timezone %s unavailable: %v", name, err)
	}
	return loc
}

func TestRuleNextDaily(t *testing.T) {
	t.Parallel()
	loc := time.UTC
	r := Rule{Hour: 8, Minute: 0, Loc: loc}

	tests := []struct {
		name string
		at   time.Time
		want time.Time
	}{
		{"before today", time.Date(2024, 3, 4, 7, 59, 0, 0, loc), time.Date(2024, 3, 4, 8, 0, 0, 0, loc)},
		{"exactly at fire time is not included", time.Date(2024, 3, 4, 8, 0, 0, 0, loc), time.Date(2024, 3, 5, 8, 0, 0, 0, loc)},
		{"after today", time.Date(2024, 3, 4, 12, 0, 0, 0, loc), time.Date(2024, 3, 5, 8, 0, 0, 0, loc)},
		{"month rollover", time.Date(2024, 2, 29, 9, 0, 0, 0, loc), time.Date(2024, 3, 1, 8, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := r.Next(tt.at); !got.Equal(tt.want) {
				t.Fatalf("Next(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestRuleNextHonorsWeekdayMask(t *testing.T) {
	t.Parallel()
	loc := time.UTC
	r := Rule{Hour: 9, Minute: 30, Days: WeekdaysOf(time.Monday, time.Wednesday, time.Friday), Loc: loc}

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, loc) // Monday
	for _, next := range r.Upcoming(at, 60) {
		switch next.Weekday() {
		case time.Monday, time.Wednesday, time.Friday:
		default:
			t.Fatalf("fired on %s (%v)", next.Weekday(), next)
		}
		if next.Hour() != 9 || next.Minute() != 30 {
			t.Fatalf("unexpected time of day %v", next)
		}
	}

	// Friday after the fire time jumps to Monday.
	fri := time.Date(2024, 1, 5, 10, 0, 0, 0, loc)
	if got, want := r.Next(fri), time.Date(2024, 1, 8, 9, 30, 0, 0, loc); !got.Equal(want) {
		t.Fatalf("Next(%v) = %v, want %v", fri, got, want)
	}
}

func TestRuleNextDateBounds(t *testing.T) {
	t.Parallel()
	b := NewBuilder(time.UTC)
	start, _ := b.StartOfDay("2024-05-10")
	end, _ := b.EndOfDay("2024-05-12")
	r := Rule{Hour: 20, Minute: 0, Start: start, End: end, Loc: time.UTC}

	// Before start: first fire is on the start day.
	if got, want := r.Next(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)), time.Date(2024, 5, 10, 20, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("Next before start = %v, want %v", got, want)
	}
	// End day is inclusive.
	if got, want := r.Next(time.Date(2024, 5, 12, 19, 0, 0, 0, time.UTC)), time.Date(2024, 5, 12, 20, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("Next on end day = %v, want %v", got, want)
	}
	// After the last fire the rule goes dormant.
	if got := r.Next(time.Date(2024, 5, 12, 20, 0, 0, 0, time.UTC)); !got.IsZero() {
		t.Fatalf("Next after end = %v, want zero", got)
	}
	if !r.Expired(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected rule to be expired")
	}
	if n := len(r.Upcoming(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), 10)); n != 3 {
		t.Fatalf("expected 3 fires in bounds, got %d", n)
	}
}

func TestRuleNextEndBeforeStartNeverFires(t *testing.T) {
	t.Parallel()
	b := NewBuilder(time.UTC)
	start, _ := b.StartOfDay("2024-05-10")
	end, _ := b.EndOfDay("2024-05-09")
	r := Rule{Hour: 8, Start: start, End: end, Loc: time.UTC}
	if got := r.Next(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)); !got.IsZero() {
		t.Fatalf("expected zero, got %v", got)
	}
}

func TestRuleNextUsesRuleLocation(t *testing.T) {
	t.Parallel()
	tokyo := mustLoc(t, "Asia/Tokyo")
	r := Rule{Hour: 8, Minute: 0, Loc: tokyo}

	// 2024-03-04 00:00 UTC is 09:00 in Tokyo, so the next 08:00 is the following day.
	got := r.Next(time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC))
	want := time.Date(2024, 3, 5, 8, 0, 0, 0, tokyo)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestRuleNextAcrossDST(t *testing.T) {
	t.Parallel()
	ny := mustLoc(t, "America/New_York")

	// Spring forward: 2024-03-10 02:30 does not exist in New York.
	r := Rule{Hour: 2, Minute: 30, Loc: ny}
	got := r.Next(time.Date(2024, 3, 10, 0, 0, 0, 0, ny))
	if got.Day() != 10 || got.Hour() != 3 || got.Minute() != 30 {
		t.Fatalf("spring forward fire = %v, want 2024-03-10 03:30 local", got)
	}
	if next := r.Next(got); next.Day() != 11 || next.Hour() != 2 {
		t.Fatalf("day after spring forward = %v", next)
	}

	// Fall back: 01:30 happens twice on 2024-11-03; fire once.
	r = Rule{Hour: 1, Minute: 30, Loc: ny}
	first := r.Next(time.Date(2024, 11, 3, 0, 0, 0, 0, ny))
	second := r.Next(first)
	if first.Day() != 3 || second.Day() != 4 {
		t.Fatalf("fall back fires = %v, %v", first, second)
	}

	// Daily 08:00 stays at 08:00 wall clock through the transition.
	r = Rule{Hour: 8, Loc: ny}
	for _, at := range r.Upcoming(time.Date(2024, 3, 8, 0, 0, 0, 0, ny), 5) {
		if at.Hour() != 8 {
			t.Fatalf("wall clock drifted: %v", at)
		}
	}
}

func TestParseWeekdays(t *testing.T) {
	t.Parallel()
	w, unknown := ParseWeekdays([]string{"Mon", "wednesday", "FRI", "Funday", "tues"})
	if len(unknown) != 1 || unknown[0] != "Funday" {
		t.Fatalf("unknown = %v", unknown)
	}
	want := WeekdaysOf(time.Monday, time.Tuesday, time.Wednesday, time.Friday)
	if w != want {
		t.Fatalf("mask = %v, want %v", w, want)
	}
	if w.String() != "Mon,Tue,Wed,Fri" {
		t.Fatalf("String() = %q", w.String())
	}
	if Weekdays(0).String() != "daily" {
		t.Fatalf("zero mask should render as daily")
	}
}
