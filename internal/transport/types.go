package transport

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"
)

// ErrInvalidRecipient marks a contact the channel can never deliver to.
var ErrInvalidRecipient = errors.New("transport: invalid recipient")

// Message is one rendered reminder.
type Message struct {
	Text       string
	JobID      string
	ScheduleID string
}

// Receipt identifies a message accepted by the provider.
type Receipt struct {
	Channel string
	ID      string
}

// Channel delivers reminders to a contact (phone number, chat id, ...).
// Implementations must honor ctx cancellation.
type Channel interface {
	Name() string
	Send(ctx context.Context, contact string, msg Message) (Receipt, error)
}

// MaskContact keeps the first and last few characters of a contact so logs
// stay useful without carrying full phone numbers.
func MaskContact(s string) string {
	s = strings.TrimSpace(s)
	n := utf8.RuneCountInString(s)
	if n <= 4 {
		return strings.Repeat("*", n)
	}
	rs := []rune(s)
	keep := 2
	if n >= 10 {
		keep = 4
	}
	return string(rs[:keep]) + strings.Repeat("*", n-2*keep) + string(rs[n-keep:])
}
