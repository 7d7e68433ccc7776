package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "medremind/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.state.json          (schedules + contacts, rewritten atomically)
//   - <prefix>.deliveries.jsonl    (append-only JSON Lines)
//   - <prefix>.dedup.snapshot.json (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl (append-only journal)
//
// The dedup journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	statePath string
	state     fileState

	deliveryFile *os.File

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli

	dedupWrites int
}

type fileState struct {
	Schedules map[string]Schedule `json:"schedules"`
	Contacts  map[string]string   `json:"contacts"`
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	statePath := prefix + ".state.json"
	st := fileState{Schedules: map[string]Schedule{}, Contacts: map[string]string{}}
	if err := loadJSON(statePath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", statePath, err)
	}
	if st.Schedules == nil {
		st.Schedules = map[string]Schedule{}
	}
	if st.Contacts == nil {
		st.Contacts = map[string]string{}
	}

	df, err := os.OpenFile(prefix+".deliveries.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	snapPath := prefix + ".dedup.snapshot.json"
	journalPath := prefix + ".dedup.journal.jsonl"
	dedup := map[string]int64{}
	_ = loadJSON(snapPath, &dedup)
	_ = replayDedupJournal(journalPath, dedup)
	pruneExpiredDedup(dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = df.Close()
		return nil, err
	}

	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("schedules", len(st.Schedules)))
	return &fileStore{
		log:               log,
		statePath:         statePath,
		state:             st,
		deliveryFile:      df,
		dedupSnapshotPath: snapPath,
		dedupJournalFile:  jf,
		dedup:             dedup,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.deliveryFile != nil {
		err1 = s.deliveryFile.Close()
		s.deliveryFile = nil
	}
	if s.dedupJournalFile != nil {
		err2 = s.dedupJournalFile.Close()
		s.dedupJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// ---- schedules ----

func (s *fileStore) LoadEnabled(ctx context.Context) ([]Schedule, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]Schedule, 0, len(s.state.Schedules))
	for _, sc := range s.state.Schedules {
		if sc.Enabled {
			out = append(out, cloneSchedule(sc))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fileStore) LoadOne(ctx context.Context, id string) (Schedule, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.state.Schedules[id]
	if !ok {
		return Schedule{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return cloneSchedule(sc), nil
}

func (s *fileStore) SaveSchedule(ctx context.Context, sc Schedule) (Schedule, error) {
	_ = ctx
	now := time.Now().UTC()
	if strings.TrimSpace(sc.ID) == "" {
		sc.ID = uuid.NewString()
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now
	if sc.Frequency == "" {
		sc.Frequency = "daily"
	}
	sc.Times = cleanList(sc.Times)
	sc.Weekdays = cleanList(sc.Weekdays)
	sc.JobIDs = cleanList(sc.JobIDs)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Schedules[sc.ID] = cloneSchedule(sc)
	if err := s.flushLocked(); err != nil {
		return Schedule{}, err
	}
	return sc, nil
}

func (s *fileStore) DeleteSchedule(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Schedules[id]; !ok {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	delete(s.state.Schedules, id)
	return s.flushLocked()
}

func (s *fileStore) UpdateJobIDs(ctx context.Context, id string, jobIDs []string) error {
	return s.mutate(ctx, id, func(sc *Schedule) { sc.JobIDs = cleanList(jobIDs) })
}

func (s *fileStore) SetEnabled(ctx context.Context, id string, enabled bool, jobIDs []string) error {
	return s.mutate(ctx, id, func(sc *Schedule) {
		sc.Enabled = enabled
		sc.JobIDs = cleanList(jobIDs)
	})
}

func (s *fileStore) mutate(ctx context.Context, id string, fn func(sc *Schedule)) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.state.Schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	fn(&sc)
	sc.UpdatedAt = time.Now().UTC()
	s.state.Schedules[id] = sc
	return s.flushLocked()
}

// ---- contacts ----

func (s *fileStore) ResolveContact(ctx context.Context, ownerID string) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	c := strings.TrimSpace(s.state.Contacts[ownerID])
	return c, c != "", nil
}

func (s *fileStore) SetContact(ctx context.Context, ownerID, contact string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if contact = strings.TrimSpace(contact); contact == "" {
		delete(s.state.Contacts, ownerID)
	} else {
		s.state.Contacts[ownerID] = contact
	}
	return s.flushLocked()
}

// flushLocked rewrites the state file via tmp + rename.
func (s *fileStore) flushLocked() error {
	return writeJSONAtomic(s.statePath, s.state)
}

// ---- delivery log + dedup ----

func (s *fileStore) AppendDelivery(ctx context.Context, d Delivery) error {
	_ = ctx
	if d.At.IsZero() {
		d.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveryFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.deliveryFile).Encode(d)
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return ErrClosed
	}
	s.dedup[key] = ms

	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup)
	if err := writeJSONAtomic(s.dedupSnapshotPath, s.dedup); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.dedupJournalFile.Seek(0, 2)
	return err
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadJSON(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return s.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}

func cloneSchedule(sc Schedule) Schedule {
	sc.Times = append([]string(nil), sc.Times...)
	sc.Weekdays = append([]string(nil), sc.Weekdays...)
	sc.JobIDs = append([]string(nil), sc.JobIDs...)
	return sc
}
