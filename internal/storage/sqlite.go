package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "medremind/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const scheduleColumns = `id, owner_id, name, dosage, dosage_unit, times, frequency, weekdays,
	start_date, end_date, enabled, job_ids, created_at, updated_at`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- schedules ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (Schedule, error) {
	var (
		sc                      Schedule
		times, weekdays, jobIDs string
		endDate                 sql.NullString
		enabled                 int
		createdAt, updatedAt    string
	)
	err := r.Scan(&sc.ID, &sc.OwnerID, &sc.Name, &sc.Dosage, &sc.DosageUnit, &times, &sc.Frequency, &weekdays,
		&sc.StartDate, &endDate, &enabled, &jobIDs, &createdAt, &updatedAt)
	if err != nil {
		return Schedule{}, err
	}
	sc.Times = decodeList(times)
	sc.Weekdays = decodeList(weekdays)
	sc.JobIDs = decodeList(jobIDs)
	sc.EndDate = endDate.String
	sc.Enabled = enabled != 0
	sc.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return sc, nil
}

func (s *sqliteStore) LoadEnabled(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE enabled = 1 ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LoadOne(ctx context.Context, id string) (Schedule, error) {
	sc, err := scanSchedule(s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return sc, err
}

func (s *sqliteStore) SaveSchedule(ctx context.Context, sc Schedule) (Schedule, error) {
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(`+scheduleColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   owner_id=excluded.owner_id, name=excluded.name, dosage=excluded.dosage,
		   dosage_unit=excluded.dosage_unit, times=excluded.times, frequency=excluded.frequency,
		   weekdays=excluded.weekdays, start_date=excluded.start_date, end_date=excluded.end_date,
		   enabled=excluded.enabled, job_ids=excluded.job_ids, updated_at=excluded.updated_at`,
		sc.ID, sc.OwnerID, sc.Name, sc.Dosage, sc.DosageUnit, encodeList(sc.Times), sc.Frequency,
		encodeList(sc.Weekdays), sc.StartDate, nullStr(sc.EndDate), boolInt(sc.Enabled), encodeList(sc.JobIDs),
		sc.CreatedAt.Format(time.RFC3339Nano), sc.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Schedule{}, err
	}
	return sc, nil
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	return affected(res, err, id)
}

func (s *sqliteStore) UpdateJobIDs(ctx context.Context, id string, jobIDs []string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET job_ids = ?, updated_at = ? WHERE id = ?`,
		encodeList(jobIDs), time.Now().UTC().Format(time.RFC3339Nano), id)
	return affected(res, err, id)
}

func (s *sqliteStore) SetEnabled(ctx context.Context, id string, enabled bool, jobIDs []string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET enabled = ?, job_ids = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), encodeList(jobIDs), time.Now().UTC().Format(time.RFC3339Nano), id)
	return affected(res, err, id)
}

func affected(res sql.Result, err error, id string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

// ---- contacts ----

func (s *sqliteStore) ResolveContact(ctx context.Context, ownerID string) (string, bool, error) {
	var contact string
	err := s.db.QueryRowContext(ctx, `SELECT contact FROM contacts WHERE owner_id = ?`, ownerID).Scan(&contact)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	contact = strings.TrimSpace(contact)
	return contact, contact != "", nil
}

func (s *sqliteStore) SetContact(ctx context.Context, ownerID, contact string) error {
	contact = strings.TrimSpace(contact)
	if contact == "" {
		_, err := s.db.ExecContext(ctx, `DELETE FROM contacts WHERE owner_id = ?`, ownerID)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts(owner_id, contact, updated_at) VALUES(?,?,?)
		 ON CONFLICT(owner_id) DO UPDATE SET contact=excluded.contact, updated_at=excluded.updated_at`,
		ownerID, contact, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// ---- delivery log + dedup ----

func (s *sqliteStore) AppendDelivery(ctx context.Context, d Delivery) error {
	if d.At.IsZero() {
		d.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(at, job_id, schedule_id, channel, contact, ok, receipt, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		d.At.UTC().Format(time.RFC3339Nano), d.JobID, d.ScheduleID, d.Channel, d.Contact,
		boolInt(d.OK), nullStr(d.Receipt), nullStr(d.Error), d.TookMS,
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func encodeList(v []string) string {
	b, err := json.Marshal(cleanList(v))
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeList(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
