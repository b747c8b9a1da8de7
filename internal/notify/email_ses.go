package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/rs/zerolog"
)

// SESAPI is the subset of the SES v2 client used here.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender sends email through AWS SES.
type SESSender struct {
	client SESAPI
	from   EmailConfig
	logger zerolog.Logger
}

func NewSESSender(client SESAPI, from EmailConfig, logger zerolog.Logger) (*SESSender, error) {
	if client == nil {
		return nil, errors.New("ses client is required")
	}
	return &SESSender{
		client: client,
		from:   from,
		logger: logger.With().Str("sender", "ses").Logger(),
	}, nil
}

func (s *SESSender) Send(ctx context.Context, to, subject, body string) (string, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", s.from.fromName(), s.from.FromEmail)),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Text: &types.Content{
						Data:    aws.String(body),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send: %w", err)
	}

	msgID := aws.ToString(out.MessageId)
	s.logger.Debug().Str("to", to).Str("message_id", msgID).Msg("email sent")
	return msgID, nil
}

var _ ChannelSender = (*SESSender)(nil)
