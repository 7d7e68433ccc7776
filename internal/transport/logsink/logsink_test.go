package logsink

import (
	"bytes"
	"context"
	"strings"
	"testing"

	kit "medremind/internal/transport"
	logx "medremind/pkg/logx"
)

func TestSendWritesMaskedContact(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ch := New(logx.NewJSON(&buf, "info"))

	rc, err := ch.Send(context.Background(), "+15551234567", kit.Message{Text: "take it", JobID: "med_a_0800"})
	if err != nil || rc.ID != "1" {
		t.Fatalf("Send = %+v, %v", rc, err)
	}
	out := buf.String()
	if strings.Contains(out, "+15551234567") || !strings.Contains(out, "med_a_0800") {
		t.Fatalf("unexpected log output: %s", out)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ch.Send(ctx, "x", kit.Message{}); err == nil {
		t.Fatalf("expected context error")
	}
}
