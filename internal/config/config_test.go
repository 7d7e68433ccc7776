package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleJSON = `{
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
  "scheduler": {"timezone": "Asia/Jakarta"},
  "dispatch": {"send_timeout": "10s", "dedup_window": "5m", "brand": "CardioCare"},
  "channel": {"driver": "log"},
  "storage": {"driver": "sqlite", "path": "./data/medremind.db"},
  "ops": {"enabled": true, "addr": "127.0.0.1:8086"}
}`

const sampleYAML = `
logging:
  level: info
  console: true
scheduler:
  timezone: UTC
channel:
  driver: twilio
  twilio:
    account_sid: AC123
    auth_token: secret
    from: "+15550000000"
storage:
  driver: file
  path: ./data/medremind
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestParseFormats(t *testing.T) {
	t.Parallel()

	cfg, err := NewConfigManager(writeFile(t, "config.json", sampleJSON)).Parse()
	if err != nil {
		t.Fatalf("Parse json: %v", err)
	}
	if cfg.Scheduler.Timezone != "Asia/Jakarta" || cfg.Dispatch.Brand != "CardioCare" || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("json config = %+v", cfg)
	}

	cfg, err = NewConfigManager(writeFile(t, "config.yaml", sampleYAML)).Parse()
	if err != nil {
		t.Fatalf("Parse yaml: %v", err)
	}
	if cfg.Channel.Driver != "twilio" || cfg.Channel.Twilio.From != "+15550000000" || cfg.Storage.Path != "./data/medremind" {
		t.Fatalf("yaml config = %+v", cfg)
	}
	if err := Validate(context.Background(), cfg); err != nil {
		t.Fatalf("Validate yaml: %v", err)
	}
}

func TestParseIsStrict(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"unknown field": `{"storage": {"driver": "file", "path": "x", "bogus": 1}}`,
		"trailing data": `{"storage": {"driver": "file", "path": "x"}} {}`,
		"bad yaml":      "storage: [",
	}
	for name, body := range tests {
		file := "config.json"
		if name == "bad yaml" {
			file = "config.yml"
		}
		if _, err := NewConfigManager(writeFile(t, file, body)).Parse(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	good := func() *Config {
		return &Config{Storage: StorageConfig{Driver: "file", Path: "./x"}}
	}
	if err := Validate(context.Background(), good()); err != nil {
		t.Fatalf("minimal config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"duration", func(c *Config) { c.Dispatch.SendTimeout = "soon" }, "dispatch.send_timeout"},
		{"negative duration", func(c *Config) { c.Dispatch.DedupWindow = "-1s" }, "dispatch.dedup_window"},
		{"rate", func(c *Config) { c.Dispatch.RatePerSec = -1 }, "rate_per_sec"},
		{"channel", func(c *Config) { c.Channel.Driver = "pigeon" }, "channel.driver"},
		{"telegram token", func(c *Config) { c.Channel.Driver = "telegram" }, "channel.telegram.token"},
		{"twilio creds", func(c *Config) { c.Channel.Driver = "twilio" }, "channel.twilio"},
		{"storage driver", func(c *Config) { c.Storage.Driver = "" }, "storage.driver"},
		{"storage path", func(c *Config) { c.Storage.Path = " " }, "storage.path"},
		{"ops addr", func(c *Config) { c.Ops.Enabled = true; c.Ops.Addr = "nonsense" }, "ops.addr"},
	}
	for _, tt := range tests {
		c := good()
		tt.mutate(c)
		err := Validate(context.Background(), c)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: err = %v, want mention of %q", tt.name, err, tt.want)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{
		Logging: LoggingConfig{Level: "info"},
		Channel: ChannelConfig{Driver: "telegram", Telegram: TelegramChannel{Token: "secret-1"}},
		Storage: StorageConfig{Driver: "file", Path: "./x"},
	}
	b := *a
	b.Logging.Level = "debug"
	b.Channel.Telegram.Token = "secret-2"
	b.Scheduler.Timezone = "UTC"

	ch := SummarizeConfigChange(a, &b)
	if !slices.Equal(ch.Sections, []string{"channel", "logging", "scheduler"}) {
		t.Fatalf("sections = %v", ch.Sections)
	}
	if !slices.Equal(ch.RestartRequired, []string{"channel", "scheduler"}) {
		t.Fatalf("restart required = %v", ch.RestartRequired)
	}
	if len(SummarizeConfigChange(a, a).Sections) != 0 {
		t.Fatalf("identical configs reported as changed")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 3 * time.Second, false},
		{"0s", 3 * time.Second, false},
		{"250ms", 250 * time.Millisecond, false},
		{"-1s", 0, true},
		{"later", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationOrDefault("x", tt.raw, 3*time.Second)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("ParseDurationOrDefault(%q) = %v, %v", tt.raw, got, err)
		}
	}
}

func TestLoadRunsValidator(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.json", `{"storage": {"driver": "nope", "path": "x"}}`))
	m.SetValidator(Validate)
	if _, err := m.Load(); err == nil {
		t.Fatalf("expected validation error")
	}
	if m.Get() != nil {
		t.Fatalf("invalid config committed")
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", sampleJSON)
	m := NewConfigManager(path)
	m.SetValidator(Validate)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	updates := m.Subscribe(4)
	defer m.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() { cancel(); <-done }()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	invalid := strings.Replace(sampleJSON, `"driver": "sqlite"`, `"driver": "mongo"`, 1)
	if err := os.WriteFile(path, []byte(invalid), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(500 * time.Millisecond)
	select {
	case cfg := <-updates:
		t.Fatalf("invalid config published: %+v", cfg.Storage)
	default:
	}

	valid := strings.Replace(sampleJSON, `"brand": "CardioCare"`, `"brand": "HeartWise"`, 1)
	if err := os.WriteFile(path, []byte(valid), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case cfg := <-updates:
		if cfg.Dispatch.Brand != "HeartWise" {
			t.Fatalf("published brand = %q", cfg.Dispatch.Brand)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}
	if m.Get().Dispatch.Brand != "HeartWise" {
		t.Fatalf("Get not updated")
	}
}
