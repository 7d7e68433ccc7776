package config

import (
	"reflect"
	"sort"
	"strings"

	logx "medremind/pkg/logx"
)

// Change summarizes what a reload touched.
type Change struct {
	Sections []string
	// RestartRequired lists sections whose new values only apply after a restart.
	RestartRequired []string
	// Attrs are safe structured fields for logging; they never include secrets.
	Attrs []logx.Field
}

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		ch.Sections = append(ch.Sections, "logging")
		ch.Attrs = append(ch.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		ch.Sections = append(ch.Sections, "scheduler")
		ch.RestartRequired = append(ch.RestartRequired, "scheduler")
		ch.Attrs = append(ch.Attrs, logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		d := newCfg.Dispatch
		ch.Sections = append(ch.Sections, "dispatch")
		ch.Attrs = append(ch.Attrs,
			logx.String("dispatch.send_timeout", d.SendTimeout),
			logx.Int("dispatch.rate_per_sec", d.RatePerSec),
			logx.String("dispatch.dedup_window", d.DedupWindow),
			logx.Bool("dispatch.persist_dedup", d.PersistDedup),
			logx.String("dispatch.brand", d.Brand),
		)
	}

	// Channel (never log tokens)
	if oldCfg.Channel != newCfg.Channel {
		ch.Sections = append(ch.Sections, "channel")
		ch.RestartRequired = append(ch.RestartRequired, "channel")
		ch.Attrs = append(ch.Attrs,
			logx.String("channel.driver", strings.TrimSpace(newCfg.Channel.Driver)),
			logx.Bool("channel.telegram.token_set", strings.TrimSpace(newCfg.Channel.Telegram.Token) != ""),
			logx.Bool("channel.twilio.token_set", strings.TrimSpace(newCfg.Channel.Twilio.AuthToken) != ""),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		ch.Sections = append(ch.Sections, "storage")
		ch.RestartRequired = append(ch.RestartRequired, "storage")
		ch.Attrs = append(ch.Attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	// Ops (never log token)
	if oldCfg.Ops != newCfg.Ops {
		ch.Sections = append(ch.Sections, "ops")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.RestartRequired)
	return ch
}
