package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"medremind/internal/eventbus"
	rtsup "medremind/internal/runtime/supervisor"
	"medremind/internal/storage"
	"medremind/internal/task/scheduler"
	kit "medremind/internal/transport"
	logx "medremind/pkg/logx"
)

var (
	ErrStopped     = errors.New("notifier stopped")
	ErrNoRecipient = errors.New("notifier: firing has no recipient")
)

// Store is the slice of storage the dispatcher writes to.
type Store interface {
	AppendDelivery(ctx context.Context, d storage.Delivery) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// Service implements scheduler.Dispatcher.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	ch    kit.Channel
	bus   eventbus.Bus
	store Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sup       *rtsup.Supervisor

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	inFlight atomic.Int64
	sent     atomic.Uint64
	failed   atomic.Uint64
	deduped  atomic.Uint64
	rejected atomic.Uint64
}

var _ scheduler.Dispatcher = (*Service)(nil)

func New(cfg Config, ch kit.Channel, log logx.Logger, bus eventbus.Bus, store Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		ch:    ch,
		log:   log,
		bus:   bus,
		store: store,
		dedup: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps dispatch settings at runtime. In-flight sends keep the
// settings they started with.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.RatePerSec < 0 {
		cfg.RatePerSec = 0
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 5000
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 300
	}

	s.cfg = cfg
	if cfg.RatePerSec > 0 {
		// Burst = rate per sec, so a minute boundary with many reminders drains quickly.
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	} else {
		s.limiter = nil
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier.sup"))),
		// one failed delivery must never cancel the others
		rtsup.WithCancelOnError(false),
	)
	s.accepting = true
	s.log.Info("dispatcher started", logx.String("channel", s.channelName()), logx.String("policy", BestEffort.Name))
}

// Stop stops intake and waits for in-flight sends until ctx ends, then
// cancels whatever is still running.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.accepting = false
	s.mu.Unlock()

	if sup == nil {
		return
	}
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("in-flight deliveries abandoned", logx.Int64("count", s.inFlight.Load()))
	}
	sup.Cancel()
}

// Supervisor returns the dispatcher's supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Dispatch hands a firing to its own goroutine and returns immediately.
func (s *Service) Dispatch(f scheduler.Firing) {
	s.mu.Lock()
	if !s.accepting || s.sup == nil {
		s.mu.Unlock()
		s.rejected.Add(1)
		s.log.Warn("firing rejected", logx.String("job_id", f.JobID), logx.Err(ErrStopped))
		return
	}
	// Go runs under s.mu so Stop cannot reach sup.Wait between the
	// accepting check and the goroutine being counted.
	s.inFlight.Add(1)
	s.sup.Go("deliver", func(ctx context.Context) error {
		defer s.inFlight.Add(-1)
		s.deliver(ctx, f)
		return nil
	})
	s.mu.Unlock()
}

func (s *Service) deliver(ctx context.Context, f scheduler.Firing) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ch := s.ch
	st := s.store
	s.mu.Unlock()

	recipient := kit.MaskContact(f.Payload.Contact)
	item := HistoryItem{At: time.Now(), JobID: f.JobID, ScheduleID: f.Payload.ScheduleID, Recipient: recipient}

	key := dedupKey(f)
	if cfg.DedupWindow > 0 && !s.dedupAllow(ctx, key, cfg, st) {
		s.deduped.Add(1)
		item.Deduped = true
		s.appendHistory(item, cfg.HistorySize)
		s.log.Debug("duplicate firing suppressed", logx.String("job_id", f.JobID), logx.String("key", key))
		eventbus.Publish(s.bus, eventbus.DeliveryDedup, eventbus.Delivery{JobID: f.JobID, ScheduleID: f.Payload.ScheduleID})
		return
	}

	start := time.Now()
	err := func() error {
		if ch == nil {
			return errors.New("no channel configured")
		}
		if strings.TrimSpace(f.Payload.Contact) == "" {
			return ErrNoRecipient
		}
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return fmt.Errorf("rate limiter: %w", err)
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		rc, err := ch.Send(callCtx, f.Payload.Contact, kit.Message{
			Text:       messageText(f),
			JobID:      f.JobID,
			ScheduleID: f.Payload.ScheduleID,
		})
		item.Receipt = rc.ID
		return err
	}()
	item.Took = time.Since(start)

	ev := eventbus.Delivery{JobID: f.JobID, ScheduleID: f.Payload.ScheduleID, Channel: s.channelName(), Took: item.Took}
	if err != nil {
		s.failed.Add(1)
		item.Error = err.Error()
		ev.Err = item.Error
		s.log.Warn("reminder delivery failed",
			logx.String("job_id", f.JobID),
			logx.String("recipient", recipient),
			logx.String("schedule_id", f.Payload.ScheduleID),
			logx.Bool("invalid_recipient", errors.Is(err, kit.ErrInvalidRecipient) || errors.Is(err, ErrNoRecipient)),
			logx.Duration("took", item.Took),
			logx.Err(err),
		)
		eventbus.Publish(s.bus, eventbus.DeliveryFailed, ev)
	} else {
		s.sent.Add(1)
		item.OK = true
		s.log.Info("reminder sent",
			logx.String("job_id", f.JobID),
			logx.String("recipient", recipient),
			logx.String("receipt", item.Receipt),
			logx.Duration("took", item.Took),
		)
		eventbus.Publish(s.bus, eventbus.DeliverySent, ev)
	}
	s.appendHistory(item, cfg.HistorySize)

	if cfg.LogDeliveries && st != nil {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		lerr := st.AppendDelivery(lctx, storage.Delivery{
			At:         item.At,
			JobID:      f.JobID,
			ScheduleID: f.Payload.ScheduleID,
			Channel:    ev.Channel,
			Contact:    recipient,
			OK:         item.OK,
			Receipt:    item.Receipt,
			Error:      item.Error,
			TookMS:     item.Took.Milliseconds(),
		})
		cancel()
		if lerr != nil {
			s.log.Debug("delivery log append failed", logx.String("job_id", f.JobID), logx.Err(lerr))
		}
	}
}

func messageText(f scheduler.Firing) string {
	if t := strings.TrimSpace(f.Payload.Message); t != "" {
		return t
	}
	return Render(Reminder{Time: f.Payload.Label})
}

func (s *Service) channelName() string {
	if s.ch == nil {
		return ""
	}
	return s.ch.Name()
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(it HistoryItem, limit int) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()
}

func (s *Service) Stats() Stats {
	return Stats{
		Policy:   BestEffort.Name,
		Channel:  s.channelName(),
		InFlight: s.inFlight.Load(),
		Sent:     s.sent.Load(),
		Failed:   s.failed.Load(),
		Deduped:  s.deduped.Load(),
		Rejected: s.rejected.Load(),
	}
}

// dedupKey identifies one occurrence of a job.
func dedupKey(f scheduler.Firing) string {
	at := f.Scheduled
	if at.IsZero() {
		at = f.FiredAt
	}
	return f.JobID + "@" + at.UTC().Format("200601021504")
}

func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config, st Store) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	// Cross-restart check (best-effort).
	if cfg.PersistDedup && st != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	if prev, ok := s.dedup[key]; ok && now.Before(prev) {
		// Lost a race with a concurrent firing of the same occurrence.
		s.dmu.Unlock()
		return false
	}
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > cfg.DedupMaxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	if cfg.PersistDedup && st != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		if err := st.PutDedup(cctx, key, until); err != nil {
			s.log.Debug("dedup persist failed", logx.String("key", key), logx.Err(err))
		}
		cancel()
	}
	return true
}
