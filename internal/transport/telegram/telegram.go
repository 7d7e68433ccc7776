package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "medremind/internal/transport"
	logx "medremind/pkg/logx"
)

type Config struct {
	Token string
	// Verify calls getMe at construction so a bad token fails at startup.
	Verify bool
	// HTTPTimeout bounds each Bot API call. telebot has no per-call context.
	HTTPTimeout time.Duration
	// URL overrides the Bot API endpoint (self-hosted bot API servers, tests).
	URL string
}

// Channel sends reminders as plain Telegram messages. The contact is a chat id.
type Channel struct {
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimSpace(cfg.URL),
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: !cfg.Verify,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Verify && b.Me != nil {
		log.Info("telegram bot verified", logx.String("username", b.Me.Username))
	}
	return &Channel{log: log, bot: b}, nil
}

func (c *Channel) Name() string { return "telegram" }

func (c *Channel) Send(ctx context.Context, contact string, msg kit.Message) (kit.Receipt, error) {
	chatID, err := ParseChatID(contact)
	if err != nil {
		return kit.Receipt{}, err
	}
	if err := ctx.Err(); err != nil {
		return kit.Receipt{}, err
	}

	// bot.Send is not context-aware; the HTTP client timeout bounds it and the
	// caller stops waiting when ctx ends.
	type result struct {
		m   *tele.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := c.bot.Send(tele.ChatID(chatID), msg.Text, &tele.SendOptions{DisableWebPagePreview: true})
		done <- result{m: m, err: err}
	}()

	select {
	case <-ctx.Done():
		return kit.Receipt{}, ctx.Err()
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, tele.ErrChatNotFound) || errors.Is(r.err, tele.ErrBlockedByUser) {
				return kit.Receipt{}, fmt.Errorf("%w: %v", kit.ErrInvalidRecipient, r.err)
			}
			return kit.Receipt{}, r.err
		}
		id := ""
		if r.m != nil {
			id = strconv.Itoa(r.m.ID)
		}
		return kit.Receipt{Channel: c.Name(), ID: id}, nil
	}
}

// ParseChatID parses a numeric Telegram chat id (negative for groups).
func ParseChatID(contact string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(contact), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: %q is not a telegram chat id", kit.ErrInvalidRecipient, contact)
	}
	return id, nil
}
