package notify

import (
	"context"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-reminder-engine/internal/config"
)

// NewEmailSender builds the email sender selected by EMAIL_PROVIDER.
func NewEmailSender(ctx context.Context, cfg config.EmailConfig, logger zerolog.Logger) (ChannelSender, error) {
	from := EmailConfig{FromEmail: cfg.FromEmail, FromName: cfg.FromName}

	switch cfg.Provider {
	case "smtp":
		return NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, from, logger), nil
	case "sendgrid":
		return NewSendGridSender(cfg.SendGridAPIKey, from, logger)
	case "ses":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return NewSESSender(sesv2.NewFromConfig(awsCfg), from, logger)
	case "stub":
		return NewStubSender(ChannelEmail, logger), nil
	case "":
		return nil, errors.New("email provider is required")
	}
	return nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
}

// NewSenders returns the sender table for the dispatcher. Only email has a
// provider integration; WhatsApp and SMS stay out of the table so sends on
// them fail with ErrChannelUnsupported instead of reporting success.
func NewSenders(ctx context.Context, cfg config.Config, logger zerolog.Logger) (map[Channel]ChannelSender, error) {
	email, err := NewEmailSender(ctx, cfg.Email, logger)
	if err != nil {
		return nil, err
	}

	for _, name := range []string{cfg.Notify.PrimaryChannel, cfg.Notify.FallbackChannel} {
		if ch, ok := ParseChannel(name); ok && ch != ChannelEmail {
			logger.Warn().Str("channel", name).Msg("notification channel has no sender, sends on it will fail")
		}
	}

	return map[Channel]ChannelSender{
		ChannelEmail: email,
	}, nil
}

// ConfigFrom maps application config onto dispatcher config.
func ConfigFrom(cfg config.Config) (Config, error) {
	primary, ok := ParseChannel(cfg.Notify.PrimaryChannel)
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrChannelUnsupported, cfg.Notify.PrimaryChannel)
	}
	fallback, ok := ParseChannel(cfg.Notify.FallbackChannel)
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrChannelUnsupported, cfg.Notify.FallbackChannel)
	}
	return Config{
		PrimaryChannel:   primary,
		FallbackChannel:  fallback,
		MaxRetryAttempts: cfg.Notify.MaxRetryAttempts,
		RetryBaseDelay:   cfg.Notify.RetryBaseDelay,
		Location:         cfg.Location(),
	}, nil
}
