package reminders

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"medremind/internal/eventbus"
	"medremind/internal/notifier"
	"medremind/internal/storage"
	"medremind/internal/task/scheduler"
	"medremind/internal/task/trigger"
	logx "medremind/pkg/logx"
)

// Service registers schedules into the engine and keeps the store in step.
type Service struct {
	log      logx.Logger
	bus      eventbus.Bus
	sched    Scheduler
	store    ScheduleStore
	contacts ContactDirectory
	builder  trigger.Builder
	now      func() time.Time

	mu    sync.RWMutex
	brand string

	flowsMu sync.Mutex
	flows   map[string]*flowLock
}

type flowLock struct {
	mu   sync.Mutex
	refs int
}

// lockSchedule serializes the flows of one schedule. The returned func
// releases it.
func (s *Service) lockSchedule(scheduleID string) func() {
	s.flowsMu.Lock()
	if s.flows == nil {
		s.flows = map[string]*flowLock{}
	}
	l := s.flows[scheduleID]
	if l == nil {
		l = &flowLock{}
		s.flows[scheduleID] = l
	}
	l.refs++
	s.flowsMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.flowsMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.flows, scheduleID)
		}
		s.flowsMu.Unlock()
	}
}

func New(sched Scheduler, store ScheduleStore, contacts ContactDirectory, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:      log,
		bus:      bus,
		sched:    sched,
		store:    store,
		contacts: contacts,
		builder:  trigger.NewBuilder(sched.Location()),
		now:      time.Now,
	}
}

// SetBrand changes the brand rendered into reminders registered from now on.
func (s *Service) SetBrand(brand string) {
	s.mu.Lock()
	s.brand = strings.TrimSpace(brand)
	s.mu.Unlock()
}

func (s *Service) currentBrand() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.brand
}

// Register builds one job per valid time entry and makes them the live set of
// the schedule: jobs with the same id are replaced and the schedule's other
// jobs are cancelled in the same step. When the declaration cannot be built
// the schedule is left with no live jobs.
//
// Malformed time entries are dropped and reported in the Registration.
func (s *Service) Register(ctx context.Context, d Declaration, contact string) (Registration, error) {
	unlock := s.lockSchedule(strings.TrimSpace(d.ScheduleID))
	defer unlock()
	return s.register(ctx, d, contact)
}

func (s *Service) register(ctx context.Context, d Declaration, contact string) (Registration, error) {
	_ = ctx
	sid := strings.TrimSpace(d.ScheduleID)
	reg := Registration{ScheduleID: sid}

	contact = strings.TrimSpace(contact)
	if contact == "" {
		return reg, ErrNoContact
	}

	plan, err := s.builder.Build(d.Declaration)
	reg.Notes = plan.Notes
	if err != nil {
		reg.JobIDs = []string{}
		_, reg.Cancelled = s.sched.Replace(sid)
		return reg, fmt.Errorf("schedule %s: %w", sid, err)
	}
	reg.Dropped = plan.Dropped

	brand := s.currentBrand()
	jobs := make([]scheduler.Job, 0, len(plan.Specs))
	for _, sp := range plan.Specs {
		jobs = append(jobs, scheduler.Job{
			ID:   sp.ID,
			Rule: sp.Rule,
			Payload: scheduler.Payload{
				ScheduleID: sid,
				Contact:    contact,
				Label:      sp.Label,
				Message: notifier.Render(notifier.Reminder{
					Brand:      brand,
					Medication: d.Medication,
					Dosage:     d.Dosage,
					DosageUnit: d.DosageUnit,
					Time:       sp.Label,
				}),
			},
		})
	}
	reg.JobIDs, reg.Cancelled = s.sched.Replace(sid, jobs...)
	if reg.JobIDs == nil {
		reg.JobIDs = []string{}
	}

	for _, dr := range reg.Dropped {
		s.log.Warn("time entry dropped",
			logx.String("schedule_id", sid),
			logx.String("entry", dr.Entry),
			logx.String("reason", dr.Reason),
		)
	}
	for _, n := range reg.Notes {
		s.log.Info("schedule note", logx.String("schedule_id", sid), logx.String("note", n))
	}
	s.log.Debug("schedule registered",
		logx.String("schedule_id", sid),
		logx.Strings("job_ids", reg.JobIDs),
		logx.Int("cancelled", reg.Cancelled),
	)
	return reg, nil
}

// Cancel removes jobs by id. Unknown ids are ignored.
func (s *Service) Cancel(jobIDs []string) int {
	return s.sched.Cancel(jobIDs...)
}

// cancelSchedule removes the stored ids plus any live job built for the schedule.
func (s *Service) cancelSchedule(scheduleID string, stored []string) int {
	ids := append([]string(nil), stored...)
	for _, id := range s.sched.IDs() {
		if trigger.OwnsJob(scheduleID, id) {
			ids = append(ids, id)
		}
	}
	return s.sched.Cancel(ids...)
}

// RecoverAll registers every enabled schedule. Expired schedules and owners
// without a contact are skipped; a failing schedule never stops the rest.
//
// It returns an error only when the enabled set cannot be loaded.
func (s *Service) RecoverAll(ctx context.Context) (RecoveryReport, error) {
	start := time.Now()
	var rep RecoveryReport

	schedules, err := s.store.LoadEnabled(ctx)
	if err != nil {
		return rep, fmt.Errorf("load enabled schedules: %w", err)
	}

	now := s.now()
	for _, sc := range schedules {
		if err := ctx.Err(); err != nil {
			rep.Took = time.Since(start)
			return rep, err
		}
		log := s.log.With(logx.String("schedule_id", sc.ID))

		if s.builder.Ended(sc.EndDate, now) {
			rep.Expired++
			log.Debug("schedule ended; not restored", logx.String("end_date", sc.EndDate))
			continue
		}

		contact, ok, err := s.contacts.ResolveContact(ctx, sc.OwnerID)
		if err != nil {
			rep.Failed++
			log.Warn("contact lookup failed", logx.Err(err))
			continue
		}
		if !ok {
			rep.NoContact++
			log.Warn("owner has no contact; schedule skipped", logx.String("owner_id", sc.OwnerID))
			continue
		}

		reg, err := s.Register(ctx, FromSchedule(sc), contact)
		if err != nil {
			rep.Failed++
			log.Warn("schedule restore failed", logx.Err(err))
			continue
		}
		if len(reg.JobIDs) == 0 {
			rep.Failed++
			log.Warn("schedule has no valid times", logx.Strings("times", sc.Times))
		} else {
			rep.Restored++
			rep.Jobs += len(reg.JobIDs)
		}

		if !slices.Equal(sc.JobIDs, reg.JobIDs) {
			if err := s.store.UpdateJobIDs(ctx, sc.ID, reg.JobIDs); err != nil {
				log.Warn("job ids not persisted", logx.Err(err))
			}
		}
	}

	rep.Took = time.Since(start)
	s.log.Info("reminders recovered",
		logx.Int("restored", rep.Restored),
		logx.Int("jobs", rep.Jobs),
		logx.Int("expired", rep.Expired),
		logx.Int("no_contact", rep.NoContact),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", rep.Took),
	)
	eventbus.Publish(s.bus, eventbus.Recovered, eventbus.Recovery{
		Restored:  rep.Restored,
		Jobs:      rep.Jobs,
		Expired:   rep.Expired,
		NoContact: rep.NoContact,
		Failed:    rep.Failed,
	})
	return rep, nil
}

// Enable turns reminders on for a stored schedule. The schedule stays
// disabled when none of its times is valid.
func (s *Service) Enable(ctx context.Context, scheduleID string) (Registration, error) {
	unlock := s.lockSchedule(scheduleID)
	defer unlock()

	sc, err := s.store.LoadOne(ctx, scheduleID)
	if err != nil {
		return Registration{ScheduleID: scheduleID}, err
	}
	contact, ok, err := s.contacts.ResolveContact(ctx, sc.OwnerID)
	if err != nil {
		return Registration{ScheduleID: scheduleID}, fmt.Errorf("resolve contact: %w", err)
	}
	if !ok {
		return Registration{ScheduleID: scheduleID}, ErrNoContact
	}

	cancelled := s.cancelSchedule(sc.ID, sc.JobIDs)
	reg, err := s.register(ctx, FromSchedule(sc), contact)
	reg.Cancelled += cancelled
	if err != nil {
		if perr := s.store.SetEnabled(ctx, sc.ID, false, nil); perr != nil {
			s.log.Warn("schedule state not persisted", logx.String("schedule_id", sc.ID), logx.Err(perr))
		}
		return reg, err
	}

	if err := s.store.SetEnabled(ctx, sc.ID, len(reg.JobIDs) > 0, reg.JobIDs); err != nil {
		s.sched.Cancel(reg.JobIDs...)
		return reg, fmt.Errorf("persist schedule %s: %w", sc.ID, err)
	}
	s.log.Info("reminders enabled", logx.String("schedule_id", sc.ID), logx.Int("jobs", len(reg.JobIDs)))
	return reg, nil
}

// Disable cancels every job of the schedule and marks it disabled.
func (s *Service) Disable(ctx context.Context, scheduleID string) (int, error) {
	unlock := s.lockSchedule(scheduleID)
	defer unlock()

	sc, err := s.store.LoadOne(ctx, scheduleID)
	if err != nil {
		return 0, err
	}
	n := s.cancelSchedule(sc.ID, sc.JobIDs)
	if err := s.store.SetEnabled(ctx, sc.ID, false, nil); err != nil {
		return n, fmt.Errorf("persist schedule %s: %w", sc.ID, err)
	}
	s.log.Info("reminders disabled", logx.String("schedule_id", sc.ID), logx.Int("cancelled", n))
	return n, nil
}

// Sync re-registers a schedule after its times, days or dates changed.
//
// A disabled schedule, or one whose owner lost their contact, ends up with
// no live jobs; ErrDisabled or ErrNoContact reports which.
func (s *Service) Sync(ctx context.Context, scheduleID string) (Registration, error) {
	unlock := s.lockSchedule(scheduleID)
	defer unlock()

	sc, err := s.store.LoadOne(ctx, scheduleID)
	if errors.Is(err, storage.ErrNotFound) {
		s.cancelSchedule(scheduleID, nil)
		return Registration{ScheduleID: scheduleID}, err
	}
	if err != nil {
		return Registration{ScheduleID: scheduleID}, err
	}

	cancelled := s.cancelSchedule(sc.ID, sc.JobIDs)
	reset := func(cause error) (Registration, error) {
		if len(sc.JobIDs) > 0 {
			if err := s.store.UpdateJobIDs(ctx, sc.ID, nil); err != nil {
				s.log.Warn("job ids not persisted", logx.String("schedule_id", sc.ID), logx.Err(err))
			}
		}
		return Registration{ScheduleID: sc.ID, JobIDs: []string{}, Cancelled: cancelled}, cause
	}

	if !sc.Enabled {
		return reset(ErrDisabled)
	}
	contact, ok, err := s.contacts.ResolveContact(ctx, sc.OwnerID)
	if err != nil {
		return reset(fmt.Errorf("resolve contact: %w", err))
	}
	if !ok {
		return reset(ErrNoContact)
	}

	reg, err := s.register(ctx, FromSchedule(sc), contact)
	reg.Cancelled += cancelled
	if err != nil {
		_, _ = reset(nil)
		return reg, err
	}
	if err := s.store.UpdateJobIDs(ctx, sc.ID, reg.JobIDs); err != nil {
		s.log.Warn("job ids not persisted", logx.String("schedule_id", sc.ID), logx.Err(err))
	}
	return reg, nil
}

// Forget cancels the jobs of a deleted schedule.
func (s *Service) Forget(ctx context.Context, scheduleID string, jobIDs []string) int {
	_ = ctx
	unlock := s.lockSchedule(scheduleID)
	defer unlock()
	n := s.cancelSchedule(scheduleID, jobIDs)
	s.log.Debug("schedule forgotten", logx.String("schedule_id", scheduleID), logx.Int("cancelled", n))
	return n
}
