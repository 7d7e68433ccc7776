package notifier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"medremind/internal/eventbus"
	"medremind/internal/storage"
	"medremind/internal/task/scheduler"
	kit "medremind/internal/transport"
	logx "medremind/pkg/logx"
)

type fakeChannel struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	block chan struct{}
	panic bool
}

func (f *fakeChannel) Name() string { return "fake" }

func (f *fakeChannel) Send(ctx context.Context, contact string, msg kit.Message) (kit.Receipt, error) {
	f.mu.Lock()
	f.calls = append(f.calls, contact+"|"+msg.JobID)
	err := f.fail[contact]
	block := f.block
	p := f.panic
	f.mu.Unlock()

	if p {
		panic("provider exploded")
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return kit.Receipt{}, ctx.Err()
		}
	}
	if err != nil {
		return kit.Receipt{}, err
	}
	return kit.Receipt{Channel: "fake", ID: "r-" + msg.JobID}, nil
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memStore struct {
	mu         sync.Mutex
	dedup      map[string]time.Time
	deliveries []storage.Delivery
}

func (m *memStore) AppendDelivery(_ context.Context, d storage.Delivery) error {
	m.mu.Lock()
	m.deliveries = append(m.deliveries, d)
	m.mu.Unlock()
	return nil
}

func (m *memStore) PutDedup(_ context.Context, key string, until time.Time) error {
	m.mu.Lock()
	m.dedup[key] = until
	m.mu.Unlock()
	return nil
}

func (m *memStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.dedup[key]
	return u, ok, nil
}

func firing(jobID, contact string, at time.Time) scheduler.Firing {
	return scheduler.Firing{
		JobID:     jobID,
		Payload:   scheduler.Payload{ScheduleID: "s1", Contact: contact, Label: "08:00"},
		Scheduled: at,
		FiredAt:   at,
	}
}

func startService(t *testing.T, cfg Config, ch kit.Channel, log logx.Logger, store Store) *Service {
	t.Helper()
	s := New(cfg, ch, log, eventbus.New(), store)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func drain(t *testing.T, s *Service) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().InFlight > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("deliveries did not finish: %+v", s.Stats())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDispatchSendsOnce(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{}
	st := &memStore{dedup: map[string]time.Time{}}
	s := startService(t, Config{LogDeliveries: true}, ch, logx.Nop(), st)

	s.Dispatch(firing("med_s1_0800", "+15551234567", time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)))
	drain(t, s)

	if ch.count() != 1 {
		t.Fatalf("send count = %d, want 1", ch.count())
	}
	stats := s.Stats()
	if stats.Sent != 1 || stats.Failed != 0 || stats.Policy != BestEffort.Name {
		t.Fatalf("stats = %+v", stats)
	}
	h := s.History()
	if len(h) != 1 || !h[0].OK || h[0].Receipt != "r-med_s1_0800" {
		t.Fatalf("history = %+v", h)
	}
	if strings.Contains(h[0].Recipient, "1234567") {
		t.Fatalf("recipient not masked: %q", h[0].Recipient)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.deliveries) != 1 || !st.deliveries[0].OK || st.deliveries[0].Channel != "fake" {
		t.Fatalf("delivery log = %+v", st.deliveries)
	}
}

func TestFailureIsIsolated(t *testing.T) {
	t.Parallel()
	var buf syncBuffer
	ch := &fakeChannel{fail: map[string]error{"+15550000000": kit.ErrInvalidRecipient}}
	s := startService(t, Config{}, ch, logx.NewJSON(&buf, "debug"), nil)

	at := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)
	s.Dispatch(firing("med_a_0800", "+15550000000", at))
	s.Dispatch(firing("med_b_0800", "+15551111111", at))
	drain(t, s)

	stats := s.Stats()
	if stats.Sent != 1 || stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	out := buf.String()
	if !strings.Contains(out, "reminder delivery failed") || !strings.Contains(out, `"job_id":"med_a_0800"`) {
		t.Fatalf("failure not logged with job id: %s", out)
	}
	if strings.Contains(out, "+15550000000") {
		t.Fatalf("full recipient leaked into logs: %s", out)
	}
}

func TestEmptyContactFails(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{}
	s := startService(t, Config{}, ch, logx.Nop(), nil)
	s.Dispatch(firing("med_s1_0800", " ", time.Now()))
	drain(t, s)
	if ch.count() != 0 || s.Stats().Failed != 1 {
		t.Fatalf("calls=%d stats=%+v", ch.count(), s.Stats())
	}
}

func TestDedupSameOccurrence(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{}
	st := &memStore{dedup: map[string]time.Time{}}
	s := startService(t, Config{DedupWindow: time.Minute, PersistDedup: true}, ch, logx.Nop(), st)

	at := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)
	s.Dispatch(firing("med_s1_0800", "+15551234567", at))
	drain(t, s)
	s.Dispatch(firing("med_s1_0800", "+15551234567", at.Add(20*time.Second)))
	drain(t, s)
	s.Dispatch(firing("med_s1_0800", "+15551234567", at.Add(24*time.Hour)))
	drain(t, s)

	if ch.count() != 2 {
		t.Fatalf("send count = %d, want 2", ch.count())
	}
	if s.Stats().Deduped != 1 {
		t.Fatalf("stats = %+v", s.Stats())
	}
	if _, ok, _ := st.GetDedup(context.Background(), "med_s1_0800@202403040800"); !ok {
		t.Fatalf("dedup key not persisted: %v", st.dedup)
	}
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	st := &memStore{dedup: map[string]time.Time{
		"med_s1_0800@202403040800": time.Now().Add(time.Hour),
	}}
	ch := &fakeChannel{}
	s := startService(t, Config{DedupWindow: time.Minute, PersistDedup: true}, ch, logx.Nop(), st)
	s.Dispatch(firing("med_s1_0800", "+15551234567", time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)))
	drain(t, s)
	if ch.count() != 0 {
		t.Fatalf("send count = %d, want 0", ch.count())
	}
}

func TestDispatchBeforeStartIsRejected(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{}
	s := New(Config{}, ch, logx.Nop(), nil, nil)
	s.Dispatch(firing("med_s1_0800", "+15551234567", time.Now()))
	if s.Stats().Rejected != 1 || ch.count() != 0 {
		t.Fatalf("stats = %+v calls=%d", s.Stats(), ch.count())
	}
}

func TestStopIsBounded(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{block: make(chan struct{})}
	defer close(ch.block)
	s := New(Config{SendTimeout: time.Minute}, ch, logx.Nop(), nil, nil)
	s.Start(context.Background())
	s.Dispatch(firing("med_s1_0800", "+15551234567", time.Now()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	s.Stop(ctx)
	if took := time.Since(start); took > time.Second {
		t.Fatalf("Stop took %v", took)
	}
	s.Dispatch(firing("med_s1_0900", "+15551234567", time.Now()))
	if s.Stats().Rejected != 1 {
		t.Fatalf("dispatch after stop not rejected: %+v", s.Stats())
	}
}

func TestSendTimeout(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{block: make(chan struct{})}
	defer close(ch.block)
	s := startService(t, Config{SendTimeout: 20 * time.Millisecond}, ch, logx.Nop(), nil)
	s.Dispatch(firing("med_s1_0800", "+15551234567", time.Now()))
	drain(t, s)
	h := s.History()
	if len(h) != 1 || h[0].OK || !strings.Contains(h[0].Error, context.DeadlineExceeded.Error()) {
		t.Fatalf("history = %+v", h)
	}
}

func TestPanickingChannelDoesNotCrash(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{panic: true}
	s := startService(t, Config{}, ch, logx.Nop(), nil)
	s.Dispatch(firing("med_s1_0800", "+15551234567", time.Now()))
	drain(t, s)
	if err := s.Supervisor().Err(); err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("supervisor err = %v", err)
	}
	// The dispatcher keeps accepting work.
	ch.mu.Lock()
	ch.panic = false
	ch.mu.Unlock()
	s.Dispatch(firing("med_s1_0900", "+15551234567", time.Now()))
	drain(t, s)
	if s.Stats().Sent != 1 {
		t.Fatalf("stats = %+v", s.Stats())
	}
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{}
	s := startService(t, Config{HistorySize: 2}, ch, logx.Nop(), nil)
	for i, id := range []string{"a", "b", "c"} {
		s.Dispatch(firing("med_"+id+"_0800", "+15551234567", time.Now().Add(time.Duration(i)*time.Minute)))
		drain(t, s)
	}
	h := s.History()
	if len(h) != 2 || h[1].JobID != "med_c_0800" {
		t.Fatalf("history = %+v", h)
	}
}

func TestDedupKeyUsesScheduledMinute(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	f := firing("med_s1_0800", "x", time.Date(2024, 3, 4, 8, 0, 0, 0, loc))
	if got := dedupKey(f); got != "med_s1_0800@202403040100" {
		t.Fatalf("dedupKey = %q", got)
	}
	f.Scheduled = time.Time{}
	f.FiredAt = time.Date(2024, 3, 4, 1, 0, 30, 0, time.UTC)
	if got := dedupKey(f); got != "med_s1_0800@202403040100" {
		t.Fatalf("dedupKey fallback = %q", got)
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestStopWaitsForEveryAcceptedFiring(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{}
	s := New(Config{}, ch, logx.Nop(), nil, nil)
	s.Start(context.Background())

	const workers, perWorker = 8, 50
	halfway := make(chan struct{})
	var once sync.Once
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if i == perWorker/2 {
					once.Do(func() { close(halfway) })
				}
				s.Dispatch(firing(fmt.Sprintf("med_w%d_%04d", w, i), "+15551234567", time.Now()))
			}
		}(w)
	}

	<-halfway
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
	wg.Wait()

	// Everything accepted before Stop returned has finished; the rest was rejected.
	stats := s.Stats()
	if stats.InFlight != 0 {
		t.Fatalf("in flight after Stop: %+v", stats)
	}
	if got := stats.Sent + stats.Failed + stats.Rejected; got != workers*perWorker {
		t.Fatalf("sent+failed+rejected = %d, want %d (%+v)", got, workers*perWorker, stats)
	}
	if uint64(ch.count()) != stats.Sent {
		t.Fatalf("channel saw %d sends, stats report %d", ch.count(), stats.Sent)
	}
}
