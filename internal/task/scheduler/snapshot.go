package scheduler

import (
	"sort"
	"time"

	"github.com/robfig/cron/v3"
)

func (e *Engine) Snapshot() Snapshot {
	type row struct {
		job     Job
		entryID cron.EntryID
	}

	e.mu.Lock()
	c := e.c
	rows := make([]row, 0, len(e.jobs))
	for _, en := range e.jobs {
		rows = append(rows, row{job: en.job, entryID: en.entryID})
	}
	e.mu.Unlock()

	var next, prev map[cron.EntryID]time.Time
	if c != nil {
		ents := c.Entries()
		next = make(map[cron.EntryID]time.Time, len(ents))
		prev = make(map[cron.EntryID]time.Time, len(ents))
		for _, ce := range ents {
			next[ce.ID] = ce.Next
			prev[ce.ID] = ce.Prev
		}
	}

	now := e.now()
	items := make([]JobInfo, 0, len(rows))
	for _, r := range rows {
		it := JobInfo{
			ID:         r.job.ID,
			ScheduleID: r.job.Payload.ScheduleID,
			Label:      r.job.Payload.Label,
			Rule:       r.job.Rule.String(),
		}
		if at, ok := next[r.entryID]; ok && r.entryID != 0 {
			it.Next = at
			it.Prev = prev[r.entryID]
		} else {
			it.Next = r.job.Rule.Next(now)
		}
		it.Dormant = r.job.Rule.Expired(now)
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	return Snapshot{
		Running:  c != nil,
		Timezone: e.loc.String(),
		Fired:    e.fired.Load(),
		Skipped:  e.skipped.Load(),
		Jobs:     items,
	}
}

// IDs returns the live job ids, sorted.
func (e *Engine) IDs() []string {
	e.mu.Lock()
	out := make([]string, 0, len(e.jobs))
	for id := range e.jobs {
		out = append(out, id)
	}
	e.mu.Unlock()
	sort.Strings(out)
	return out
}
