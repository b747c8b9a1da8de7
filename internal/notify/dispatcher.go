package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-reminder-engine/internal/appointment"
)

type Config struct {
	PrimaryChannel   Channel
	FallbackChannel  Channel // equal to PrimaryChannel means no fallback
	MaxRetryAttempts int     // retries after the first try, per channel
	RetryBaseDelay   time.Duration
	Location         *time.Location // used to render appointment times
}

func DefaultConfig() Config {
	return Config{
		PrimaryChannel:   ChannelEmail,
		FallbackChannel:  ChannelEmail,
		MaxRetryAttempts: 3,
		RetryBaseDelay:   5 * time.Second,
		Location:         time.UTC,
	}
}

// AttemptObserver is told about every delivery attempt. Satisfied by
// *metrics.EngineMetrics.
type AttemptObserver interface {
	ObserveNotificationAttempt(channel string, success bool)
}

// Dispatcher sends notifications through the primary channel and, once its
// retries are exhausted, through the fallback channel.
type Dispatcher struct {
	cfg       Config
	senders   map[Channel]ChannelSender
	templates *Templates
	logger    zerolog.Logger
	observer  AttemptObserver
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

func NewDispatcher(cfg Config, senders map[Channel]ChannelSender, logger zerolog.Logger, observer AttemptObserver) *Dispatcher {
	if cfg.PrimaryChannel == "" {
		cfg.PrimaryChannel = ChannelEmail
	}
	if cfg.FallbackChannel == "" {
		cfg.FallbackChannel = cfg.PrimaryChannel
	}
	if cfg.MaxRetryAttempts < 0 {
		cfg.MaxRetryAttempts = 0
	}
	if cfg.RetryBaseDelay < 0 {
		cfg.RetryBaseDelay = 0
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	table := make(map[Channel]ChannelSender, len(senders))
	for ch, s := range senders {
		if s != nil {
			table[ch] = s
		}
	}

	return &Dispatcher{
		cfg:       cfg,
		senders:   table,
		templates: NewTemplates(cfg.Location),
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		observer:  observer,
		sleep:     sleepCtx,
		now:       time.Now,
	}
}

// WithSleep replaces the backoff wait.
func (d *Dispatcher) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Dispatcher {
	if fn != nil {
		d.sleep = fn
	}
	return d
}

// sleepCtx waits on a timer so the wait ends early when ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Send delivers req and returns the last result obtained.
func (d *Dispatcher) Send(ctx context.Context, req Request) Result {
	res := d.sendWithRetry(ctx, req, d.cfg.PrimaryChannel)
	if res.Success || d.cfg.FallbackChannel == d.cfg.PrimaryChannel || ctx.Err() != nil {
		return res
	}

	d.logger.Warn().
		Err(res.Err).
		Str("primary", string(d.cfg.PrimaryChannel)).
		Str("fallback", string(d.cfg.FallbackChannel)).
		Msg("primary channel exhausted, switching to fallback")

	return d.sendWithRetry(ctx, req, d.cfg.FallbackChannel)
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, req Request, ch Channel) Result {
	var res Result

	for attempt := 0; attempt <= d.cfg.MaxRetryAttempts; attempt++ {
		if attempt > 0 {
			delay := d.cfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
			if err := d.sleep(ctx, delay); err != nil {
				res.Err = fmt.Errorf("%w: %s: backoff interrupted: %w", ErrDeliveryFailure, ch, err)
				return res
			}
		}

		res = d.SendViaChannel(ctx, req, ch)
		res.RetryCount = attempt

		ev := d.logger.Info()
		if !res.Success {
			ev = d.logger.Warn().Err(res.Err)
		}
		ev.Str("channel", string(ch)).
			Int("attempt", attempt).
			Str("type", string(req.Type)).
			Bool("success", res.Success).
			Str("message_id", res.MessageID).
			Msg("notification attempt")

		if res.Success || !retryable(res.Err) {
			return res
		}
	}

	return res
}

// SendViaChannel makes exactly one attempt on ch.
func (d *Dispatcher) SendViaChannel(ctx context.Context, req Request, ch Channel) Result {
	res := Result{Channel: ch, Timestamp: d.now().UTC()}

	sender, ok := d.senders[ch]
	if !ok {
		res.Err = fmt.Errorf("%w: %s", ErrChannelUnsupported, ch)
		d.observe(ch, false)
		return res
	}

	to := req.Recipient.AddressFor(ch)
	if to == "" {
		res.Err = fmt.Errorf("%w: %s", ErrMissingRecipient, ch)
		d.observe(ch, false)
		return res
	}

	msgID, err := sender.Send(ctx, to, req.Subject, req.Body)
	if err != nil {
		res.Err = fmt.Errorf("%w: %s: %w", ErrDeliveryFailure, ch, err)
		d.observe(ch, false)
		return res
	}

	res.Success = true
	res.MessageID = msgID
	d.observe(ch, true)
	return res
}

// SendAppointmentReminder renders the reminder for appt and sends it to the
// patient.
func (d *Dispatcher) SendAppointmentReminder(ctx context.Context, appt *appointment.Appointment, patient *appointment.Patient, doctor *appointment.Doctor) Result {
	req, err := d.templates.Reminder(appt, patient, doctor)
	if err != nil {
		return Result{
			Channel:   d.cfg.PrimaryChannel,
			Err:       fmt.Errorf("render reminder: %w", err),
			Timestamp: d.now().UTC(),
		}
	}
	return d.Send(ctx, req)
}

func (d *Dispatcher) observe(ch Channel, success bool) {
	if d.observer != nil {
		d.observer.ObserveNotificationAttempt(string(ch), success)
	}
}
