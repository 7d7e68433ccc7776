package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestJSONLoggerFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewJSON(&buf, "debug").With(String("comp", "dispatch"))
	log.Warn("delivery failed", String("job_id", "med_abc_0800"), Err(errors.New("boom")))
	log.Trace("hidden")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %s", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal(lines[0], &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for k, want := range map[string]string{
		"level":   "warn",
		"message": "delivery failed",
		"comp":    "dispatch",
		"job_id":  "med_abc_0800",
		"err":     "boom",
	} {
		if got, _ := m[k].(string); got != want {
			t.Fatalf("%s=%q, want %q", k, got, want)
		}
	}
	if _, ok := m["caller"]; !ok {
		t.Fatalf("expected caller field")
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero value should report IsZero")
	}
	l.Info("nothing happens", Int("n", 1))
	Nop().Error("nothing happens either")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in string
		ok bool
		lv Level
	}{
		{"info", true, LevelInfo},
		{" WARNING ", true, LevelWarn},
		{"trace", true, LevelTrace},
		{"loud", false, 0},
		{"", false, 0},
	}
	for _, tc := range cases {
		lv, ok := ParseLevel(tc.in)
		if ok != tc.ok {
			t.Fatalf("ParseLevel(%q) ok=%v, want %v", tc.in, ok, tc.ok)
		}
		if ok && lv != tc.lv {
			t.Fatalf("ParseLevel(%q)=%v, want %v", tc.in, lv, tc.lv)
		}
	}
}
