// Package twilio sends SMS reminders through Twilio's Messages API.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	twsdk "github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	kit "medremind/internal/transport"
	logx "medremind/pkg/logx"
)

// Twilio error codes that mean the destination number is unusable.
var recipientErrorCodes = map[int]bool{
	21211: true, // invalid 'To' phone number
	21610: true, // recipient unsubscribed
	21614: true, // 'To' is not a mobile number
}

type Config struct {
	AccountSID string
	AuthToken  string
	From       string
	// BaseURL redirects API calls to another host (a proxy or a test server).
	// Empty means api.twilio.com.
	BaseURL     string
	HTTPTimeout time.Duration
}

type Channel struct {
	cfg   Config
	log   logx.Logger
	base  *url.URL
	creds *twclient.Credentials
	rt    http.RoundTripper
}

func New(cfg Config, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, errors.New("twilio account_sid and auth_token are required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("twilio from number is required")
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Channel{
		cfg:   cfg,
		log:   log,
		creds: twclient.NewCredentials(cfg.AccountSID, cfg.AuthToken),
		rt:    http.DefaultTransport,
	}
	if raw := strings.TrimSpace(cfg.BaseURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("twilio base_url %q is not an absolute URL", raw)
		}
		c.base = u
	}
	return c, nil
}

func (c *Channel) Name() string { return "twilio" }

func (c *Channel) Send(ctx context.Context, contact string, msg kit.Message) (kit.Receipt, error) {
	to := strings.TrimSpace(contact)
	if !ValidPhone(to) {
		return kit.Receipt{}, fmt.Errorf("%w: %q is not an E.164 phone number", kit.ErrInvalidRecipient, contact)
	}

	params := &openapi.CreateMessageParams{}
	params.SetPathAccountSid(c.cfg.AccountSID)
	params.SetTo(to)
	params.SetFrom(c.cfg.From)
	params.SetBody(msg.Text)

	resp, err := c.restClient(ctx).Api.CreateMessage(params)
	if err != nil {
		var restErr *twclient.TwilioRestError
		if errors.As(err, &restErr) && recipientErrorCodes[restErr.Code] {
			return kit.Receipt{}, fmt.Errorf("%w: %w", kit.ErrInvalidRecipient, err)
		}
		return kit.Receipt{}, fmt.Errorf("twilio: %w", err)
	}

	var sid, status string
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	if resp != nil && resp.Status != nil {
		status = *resp.Status
	}
	c.log.Debug("sms accepted", logx.String("sid", sid), logx.String("status", status))
	return kit.Receipt{Channel: c.Name(), ID: sid}, nil
}

// restClient builds an SDK client whose requests carry ctx. The SDK call
// itself takes no context.
func (c *Channel) restClient(ctx context.Context) *twsdk.RestClient {
	httpc := &http.Client{
		Timeout:   c.cfg.HTTPTimeout,
		Transport: &roundTripper{ctx: ctx, base: c.base, next: c.rt},
	}
	cl := &twclient.Client{Credentials: c.creds, HTTPClient: httpc}
	cl.SetAccountSid(c.cfg.AccountSID)
	return twsdk.NewRestClientWithParams(twsdk.ClientParams{Client: cl})
}

type roundTripper struct {
	ctx  context.Context
	base *url.URL
	next http.RoundTripper
}

func (t *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.WithContext(t.ctx)
	if t.base != nil {
		u := *r.URL
		u.Scheme = t.base.Scheme
		u.Host = t.base.Host
		u.Path = strings.TrimRight(t.base.Path, "/") + u.Path
		r.URL = &u
		r.Host = t.base.Host
	}
	return t.next.RoundTrip(r)
}

// ValidPhone does a shape check for E.164: '+' followed by 8 to 15 digits.
func ValidPhone(s string) bool {
	if len(s) < 9 || len(s) > 16 || s[0] != '+' || s[1] == '0' {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
