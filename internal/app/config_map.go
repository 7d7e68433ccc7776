package app

import (
	"fmt"
	"strings"
	"time"

	"medremind/internal/config"
	"medremind/internal/notifier"
	"medremind/internal/observability/ops"
	"medremind/internal/storage"
	kit "medremind/internal/transport"
	"medremind/internal/transport/logsink"
	"medremind/internal/transport/telegram"
	"medremind/internal/transport/twilio"
	logx "medremind/pkg/logx"
)

const defaultDedupWindow = 10 * time.Minute

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %q", sc.Driver)
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	d := cfg.Dispatch
	sendTimeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", d.SendTimeout, 15*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("dispatch.dedup_window", d.DedupWindow, defaultDedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		SendTimeout:     sendTimeout,
		RatePerSec:      d.RatePerSec,
		DedupWindow:     window,
		DedupMaxEntries: d.DedupMaxEntries,
		PersistDedup:    d.PersistDedup,
		LogDeliveries:   d.LogDeliveries,
		HistorySize:     d.HistorySize,
	}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	// 0 keeps writes unbounded so /profile can stream.
	write, err := config.ParseDurationField("ops.write_timeout", o.WriteTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:              o.Enabled,
		Addr:                 o.Addr,
		Token:                strings.TrimSpace(o.Token),
		AllowInsecure:        o.AllowInsecure,
		Pprof:                o.Pprof,
		PprofPrefix:          o.PprofPrefix,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: o.MutexProfileFraction,
		BlockProfileRate:     o.BlockProfileRate,
	}, nil
}

// newChannel builds the configured delivery channel.
func newChannel(cfg *config.Config, log logx.Logger) (kit.Channel, error) {
	c := cfg.Channel
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "", "log":
		return logsink.New(log), nil
	case "telegram":
		timeout, err := config.ParseDurationField("channel.telegram.timeout", c.Telegram.Timeout)
		if err != nil {
			return nil, err
		}
		return telegram.New(telegram.Config{
			Token:       c.Telegram.Token,
			Verify:      c.Telegram.Verify,
			HTTPTimeout: timeout,
			URL:         c.Telegram.URL,
		}, log)
	case "twilio":
		timeout, err := config.ParseDurationField("channel.twilio.timeout", c.Twilio.Timeout)
		if err != nil {
			return nil, err
		}
		return twilio.New(twilio.Config{
			AccountSID:  c.Twilio.AccountSID,
			AuthToken:   c.Twilio.AuthToken,
			From:        c.Twilio.From,
			BaseURL:     c.Twilio.BaseURL,
			HTTPTimeout: timeout,
		}, log)
	default:
		return nil, fmt.Errorf("unknown channel.driver: %q", c.Driver)
	}
}
