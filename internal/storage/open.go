package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "medremind/pkg/logx"
)

// Store is the persistence API used by the reminder services.
type Store interface {
	LoadEnabled(ctx context.Context) ([]Schedule, error)
	LoadOne(ctx context.Context, id string) (Schedule, error)
	SaveSchedule(ctx context.Context, s Schedule) (Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	UpdateJobIDs(ctx context.Context, id string, jobIDs []string) error
	SetEnabled(ctx context.Context, id string, enabled bool, jobIDs []string) error

	ResolveContact(ctx context.Context, ownerID string) (contact string, ok bool, err error)
	SetContact(ctx context.Context, ownerID, contact string) error

	AppendDelivery(ctx context.Context, d Delivery) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "":
		return nil, errors.New("storage driver is required")
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
