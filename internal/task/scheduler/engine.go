package scheduler

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"medremind/internal/eventbus"
	"medremind/internal/task/trigger"
	logx "medremind/pkg/logx"
)

type entry struct {
	job     Job
	entryID cron.EntryID
}

// Engine is the single scheduler instance of the process.
type Engine struct {
	mu sync.Mutex

	log  logx.Logger
	bus  eventbus.Bus
	disp Dispatcher
	loc  *time.Location
	now  func() time.Time

	c    *cron.Cron
	jobs map[string]*entry

	fired   atomic.Uint64
	skipped atomic.Uint64
}

// New builds a stopped engine. The timezone is resolved once here and stays
// fixed for the lifetime of the engine.
func New(cfg Config, disp Dispatcher, log logx.Logger, bus eventbus.Bus) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		log:  log,
		bus:  bus,
		disp: disp,
		now:  time.Now,
		jobs: map[string]*entry{},
	}
	e.loc = loadLocation(cfg.Timezone, log)
	return e
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Location is the zone every rule of this engine is evaluated in.
func (e *Engine) Location() *time.Location { return e.loc }

// Start begins firing. Jobs registered before Start are scheduled now.
func (e *Engine) Start(ctx context.Context) {
	_ = ctx

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c != nil {
		return
	}
	cl := cronLogger{log: e.log}
	e.c = cron.New(
		cron.WithLocation(e.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	for id, en := range e.jobs {
		en.entryID = e.c.Schedule(en.job.Rule, e.cronJob(id, en))
	}
	e.c.Start()
	e.log.Info("engine started", logx.String("tz", e.loc.String()), logx.Int("jobs", len(e.jobs)))
}

// Stop halts the fire loop. The job table is kept, so a later Start resumes it.
// In-flight dispatches are not waited for.
func (e *Engine) Stop(ctx context.Context) {
	start := time.Now()

	e.mu.Lock()
	c := e.c
	e.c = nil
	for _, en := range e.jobs {
		en.entryID = 0
	}
	e.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	e.log.Info("engine stopped", logx.Duration("took", time.Since(start)))
}

// Register installs jobs, replacing any live job with the same id.
// It returns the ids now live, in input order.
func (e *Engine) Register(jobs ...Job) []string {
	if len(jobs) == 0 {
		return nil
	}
	e.mu.Lock()
	ids := e.installLocked(jobs)
	live := len(e.jobs)
	e.mu.Unlock()

	eventbus.Publish(e.bus, eventbus.JobsRegistered, eventbus.JobsChange{IDs: ids, Live: live})
	return ids
}

// Replace makes jobs the whole live set of one schedule: they are installed
// and every other job owned by scheduleID is removed, under a single lock
// hold. An empty jobs list cancels the schedule.
func (e *Engine) Replace(scheduleID string, jobs ...Job) (ids []string, cancelled int) {
	scheduleID = strings.TrimSpace(scheduleID)

	e.mu.Lock()
	ids = e.installLocked(jobs)
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	var removed []string
	for id := range e.jobs {
		if !keep[id] && trigger.OwnsJob(scheduleID, id) {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		e.removeLocked(id)
	}
	live := len(e.jobs)
	e.mu.Unlock()

	if len(ids) > 0 {
		eventbus.Publish(e.bus, eventbus.JobsRegistered, eventbus.JobsChange{IDs: ids, Live: live})
	}
	if len(removed) > 0 {
		sort.Strings(removed)
		e.log.Debug("jobs cancelled", logx.String("schedule_id", scheduleID), logx.Strings("job_ids", removed))
		eventbus.Publish(e.bus, eventbus.JobsCancelled, eventbus.JobsChange{IDs: removed, Live: live})
	}
	return ids, len(removed)
}

func (e *Engine) installLocked(jobs []Job) []string {
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		id := strings.TrimSpace(j.ID)
		if id == "" {
			e.log.Warn("job without id ignored", logx.String("schedule_id", j.Payload.ScheduleID))
			continue
		}
		j.ID = id
		replaced := e.removeLocked(id)

		en := &entry{job: j}
		if e.c != nil {
			en.entryID = e.c.Schedule(j.Rule, e.cronJob(id, en))
		}
		e.jobs[id] = en
		ids = append(ids, id)

		e.log.Debug("job registered",
			logx.String("job_id", id),
			logx.String("rule", j.Rule.String()),
			logx.Bool("replaced", replaced),
		)
	}
	return ids
}

// Cancel removes jobs by id. Unknown ids are ignored. It returns how many
// jobs were removed.
func (e *Engine) Cancel(ids ...string) int {
	if len(ids) == 0 {
		return 0
	}
	removed := make([]string, 0, len(ids))

	e.mu.Lock()
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if e.removeLocked(id) {
			removed = append(removed, id)
		}
	}
	live := len(e.jobs)
	e.mu.Unlock()

	if len(removed) > 0 {
		e.log.Debug("jobs cancelled", logx.Strings("job_ids", removed))
		eventbus.Publish(e.bus, eventbus.JobsCancelled, eventbus.JobsChange{IDs: removed, Live: live})
	}
	return len(removed)
}

func (e *Engine) removeLocked(id string) bool {
	en, ok := e.jobs[id]
	if !ok {
		return false
	}
	if e.c != nil && en.entryID != 0 {
		e.c.Remove(en.entryID)
	}
	delete(e.jobs, id)
	return true
}

// Has reports whether id is live.
func (e *Engine) Has(id string) bool {
	e.mu.Lock()
	_, ok := e.jobs[id]
	e.mu.Unlock()
	return ok
}

func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

// Preview returns the next n fire instants of a live job.
func (e *Engine) Preview(id string, n int) ([]time.Time, bool) {
	e.mu.Lock()
	en, ok := e.jobs[id]
	var j Job
	if ok {
		j = en.job
	}
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	return j.Rule.Upcoming(e.now(), n), true
}

func (e *Engine) cronJob(id string, en *entry) cron.Job {
	return cron.FuncJob(func() { e.fire(id, en) })
}

// fire runs on a cron goroutine. The table is re-checked under the lock so a
// job cancelled or replaced after the driver woke up is dropped.
func (e *Engine) fire(id string, en *entry) {
	now := e.now()

	e.mu.Lock()
	cur, ok := e.jobs[id]
	live := ok && cur == en
	var j Job
	if live {
		j = cur.job
	}
	e.mu.Unlock()

	if !live {
		e.skipped.Add(1)
		e.log.Debug("stale firing dropped", logx.String("job_id", id))
		return
	}
	e.fired.Add(1)

	f := Firing{
		JobID:     id,
		Payload:   j.Payload,
		Scheduled: now.In(e.loc).Truncate(time.Minute),
		FiredAt:   now,
	}
	eventbus.Publish(e.bus, eventbus.JobFired, eventbus.Delivery{JobID: id, ScheduleID: j.Payload.ScheduleID})
	if e.disp == nil {
		e.log.Warn("no dispatcher; firing discarded", logx.String("job_id", id))
		return
	}
	e.disp.Dispatch(f)
}
