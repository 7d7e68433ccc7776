package twilio

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	twclient "github.com/twilio/twilio-go/client"

	kit "medremind/internal/transport"
	logx "medremind/pkg/logx"
)

func newTestChannel(t *testing.T, h http.HandlerFunc) *Channel {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	ch, err := New(Config{AccountSID: "AC123", AuthToken: "secret", From: "+15550000000", BaseURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ch
}

func TestSendSuccess(t *testing.T) {
	t.Parallel()
	ch := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2010-04-01/Accounts/AC123/Messages.json" {
			t.Errorf("path = %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "secret" {
			t.Errorf("basic auth = %q %q %v", user, pass, ok)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.PostForm.Get("To") != "+15551234567" || r.PostForm.Get("From") != "+15550000000" || r.PostForm.Get("Body") != "hello" {
			t.Errorf("form = %v", r.PostForm)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM1","status":"queued"}`))
	})

	rc, err := ch.Send(context.Background(), "+15551234567", kit.Message{Text: "hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rc.ID != "SM1" || rc.Channel != "twilio" {
		t.Fatalf("receipt = %+v", rc)
	}
}

func TestSendErrors(t *testing.T) {
	t.Parallel()
	ch := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.WriteHeader(http.StatusBadRequest)
		if r.PostForm.Get("To") == "+15559999999" {
			_, _ = w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number","status":400}`))
			return
		}
		_, _ = w.Write([]byte(`{"code":20003,"message":"Authenticate","status":401}`))
	})

	_, err := ch.Send(context.Background(), "+15559999999", kit.Message{Text: "x"})
	if !errors.Is(err, kit.ErrInvalidRecipient) {
		t.Fatalf("err = %v, want ErrInvalidRecipient", err)
	}
	var apiErr *twclient.TwilioRestError
	if !errors.As(err, &apiErr) || apiErr.Code != 21211 {
		t.Fatalf("expected TwilioRestError 21211, got %v", err)
	}

	_, err = ch.Send(context.Background(), "+15551234567", kit.Message{Text: "x"})
	if errors.Is(err, kit.ErrInvalidRecipient) || !errors.As(err, &apiErr) || apiErr.Code != 20003 {
		t.Fatalf("err = %v", err)
	}

	if _, err := ch.Send(context.Background(), "555-1234", kit.Message{Text: "x"}); !errors.Is(err, kit.ErrInvalidRecipient) {
		t.Fatalf("shape check err = %v", err)
	}
}

func TestSendHonorsContext(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	ch := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := ch.Send(ctx, "+15551234567", kit.Message{Text: "x"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestValidPhone(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]bool{
		"+15551234567":      true,
		"+628123456789":     true,
		"15551234567":       false,
		"+0123456789":       false,
		"+1555":             false,
		"+1555123456789012": false,
		"+1555abc4567":      false,
	} {
		if got := ValidPhone(in); got != want {
			t.Fatalf("ValidPhone(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewRejectsRelativeBaseURL(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{AccountSID: "AC123", AuthToken: "secret", From: "+15550000000", BaseURL: "localhost:8080"}, logx.Nop()); err == nil {
		t.Fatalf("expected base_url error")
	}
}
