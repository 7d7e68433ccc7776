package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	logx "medremind/pkg/logx"
)

// Validate checks a parsed config. It reports every problem at once.
func Validate(ctx context.Context, cfg *Config) error {
	_ = ctx
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			add("logging.level: unknown level %q", lvl)
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("scheduler.timezone: %v", err)
		}
	}

	durations := []struct{ path, raw string }{
		{"dispatch.send_timeout", cfg.Dispatch.SendTimeout},
		{"dispatch.dedup_window", cfg.Dispatch.DedupWindow},
		{"channel.telegram.timeout", cfg.Channel.Telegram.Timeout},
		{"channel.twilio.timeout", cfg.Channel.Twilio.Timeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"ops.read_timeout", cfg.Ops.ReadTimeout},
		{"ops.write_timeout", cfg.Ops.WriteTimeout},
		{"ops.idle_timeout", cfg.Ops.IdleTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Dispatch.RatePerSec < 0 {
		add("dispatch.rate_per_sec: must be >= 0")
	}
	if cfg.Dispatch.HistorySize < 0 || cfg.Dispatch.DedupMaxEntries < 0 {
		add("dispatch: sizes must be >= 0")
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Channel.Driver)); d {
	case "", "log":
	case "telegram":
		if strings.TrimSpace(cfg.Channel.Telegram.Token) == "" {
			add("channel.telegram.token: required for telegram driver")
		}
	case "twilio":
		tw := cfg.Channel.Twilio
		if strings.TrimSpace(tw.AccountSID) == "" || strings.TrimSpace(tw.AuthToken) == "" || strings.TrimSpace(tw.From) == "" {
			add("channel.twilio: account_sid, auth_token and from are required")
		}
	default:
		add("channel.driver: unknown driver %q", d)
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add("storage.path: required")
		}
	case "":
		add("storage.driver: required")
	default:
		add("storage.driver: unknown driver %q", d)
	}

	if cfg.Ops.Enabled {
		if addr := strings.TrimSpace(cfg.Ops.Addr); addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				add("ops.addr: %v", err)
			}
		}
	}

	return errors.Join(errs...)
}
