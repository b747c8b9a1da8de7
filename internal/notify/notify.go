// Package notify delivers appointment notifications over pluggable channels
// with bounded retries and an optional fallback channel.
package notify

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrChannelUnsupported means no sender is registered for the channel.
	// It is never retried.
	ErrChannelUnsupported = errors.New("notification channel not supported")
	// ErrMissingRecipient means the recipient has no address for the channel.
	// It is never retried.
	ErrMissingRecipient = errors.New("recipient has no address for channel")
	// ErrDeliveryFailure wraps provider and network errors. It is retried.
	ErrDeliveryFailure = errors.New("notification delivery failed")
)

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
)

// ParseChannel maps a config value to a Channel.
func ParseChannel(s string) (Channel, bool) {
	switch c := Channel(s); c {
	case ChannelEmail, ChannelWhatsApp, ChannelSMS:
		return c, true
	}
	return "", false
}

type MessageType string

const (
	MessageAppointmentReminder MessageType = "appointment_reminder"
)

// ChannelSender sends a message over one transport and returns the
// provider's message id.
type ChannelSender interface {
	Send(ctx context.Context, to, subject, body string) (string, error)
}

type Recipient struct {
	Name  string
	Email string
	Phone string
}

// AddressFor returns the contact address used on ch, empty when unknown.
func (r Recipient) AddressFor(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return r.Email
	case ChannelSMS, ChannelWhatsApp:
		return r.Phone
	}
	return ""
}

type Request struct {
	Recipient Recipient
	Type      MessageType
	Subject   string
	Body      string
}

// Result describes the outcome of the last delivery attempt. RetryCount is
// the zero-based attempt index on Channel at which it was produced.
type Result struct {
	Success    bool
	Channel    Channel
	MessageID  string
	Err        error
	RetryCount int
	Timestamp  time.Time
}

func retryable(err error) bool {
	return err != nil &&
		!errors.Is(err, ErrChannelUnsupported) &&
		!errors.Is(err, ErrMissingRecipient)
}
