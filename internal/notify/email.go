package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"gopkg.in/gomail.v2"
)

type EmailConfig struct {
	FromEmail string
	FromName  string
}

func (c EmailConfig) fromName() string {
	if c.FromName == "" {
		return "Clinic Appointments"
	}
	return c.FromName
}

// SMTPSender sends plain-text email through an SMTP relay.
type SMTPSender struct {
	send   func(m ...*gomail.Message) error
	from   EmailConfig
	host   string
	logger zerolog.Logger
}

func NewSMTPSender(host string, port int, user, password string, from EmailConfig, logger zerolog.Logger) *SMTPSender {
	return &SMTPSender{
		send:   gomail.NewDialer(host, port, user, password).DialAndSend,
		from:   from,
		host:   host,
		logger: logger.With().Str("sender", "smtp").Logger(),
	}
}

func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	msgID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.host)

	m := gomail.NewMessage()
	m.SetHeader("Message-ID", msgID)
	m.SetAddressHeader("From", s.from.FromEmail, s.from.fromName())
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	if err := s.send(m); err != nil {
		return "", fmt.Errorf("smtp send: %w", err)
	}

	s.logger.Debug().Str("to", to).Str("message_id", msgID).Msg("email sent")
	return msgID, nil
}

// SendGridSender sends email through the SendGrid v3 API.
type SendGridSender struct {
	client *sendgrid.Client
	from   EmailConfig
	logger zerolog.Logger
}

func NewSendGridSender(apiKey string, from EmailConfig, logger zerolog.Logger) (*SendGridSender, error) {
	if apiKey == "" {
		return nil, errors.New("sendgrid api key is required")
	}
	return &SendGridSender{
		client: sendgrid.NewSendClient(apiKey),
		from:   from,
		logger: logger.With().Str("sender", "sendgrid").Logger(),
	}, nil
}

func (s *SendGridSender) Send(ctx context.Context, to, subject, body string) (string, error) {
	message := mail.NewSingleEmail(
		mail.NewEmail(s.from.fromName(), s.from.FromEmail),
		subject,
		mail.NewEmail("", to),
		body,
		body,
	)

	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return "", fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("sendgrid returned status %d: %s", resp.StatusCode, resp.Body)
	}

	var msgID string
	if ids := resp.Headers["X-Message-Id"]; len(ids) > 0 {
		msgID = ids[0]
	}

	s.logger.Debug().Str("to", to).Int("status", resp.StatusCode).Str("message_id", msgID).Msg("email sent")
	return msgID, nil
}

// StubSender logs messages instead of delivering them.
type StubSender struct {
	channel Channel
	logger  zerolog.Logger
}

func NewStubSender(channel Channel, logger zerolog.Logger) *StubSender {
	return &StubSender{
		channel: channel,
		logger:  logger.With().Str("sender", "stub").Str("channel", string(channel)).Logger(),
	}
}

func (s *StubSender) Send(ctx context.Context, to, subject, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	msgID := "stub-" + uuid.NewString()
	s.logger.Info().Str("to", to).Str("subject", subject).Str("message_id", msgID).Msg("would send notification")
	return msgID, nil
}

var (
	_ ChannelSender = (*SMTPSender)(nil)
	_ ChannelSender = (*SendGridSender)(nil)
	_ ChannelSender = (*StubSender)(nil)
)
