package notify

import (
	"context"

	"go.uber.org/zap"
)

// Mailer sends a plain-text email.
type Mailer interface {
	SendMail(ctx context.Context, to, subject, body string) error
}

// TextSender sends an SMS.
type TextSender interface {
	SendText(ctx context.Context, phone, text string) error
}

// Dispatcher is the production Gateway: it renders notices and routes them by channel.
type Dispatcher struct {
	mailer    Mailer
	texter    TextSender
	templates Templates
	logger    *zap.Logger
}

// NewDispatcher returns a Dispatcher. mailer or texter may be nil; sends to that channel then fail with ErrNoRoute.
func NewDispatcher(mailer Mailer, texter TextSender, templates Templates, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{mailer: mailer, texter: texter, templates: templates, logger: logger}
}

func (d *Dispatcher) SendVerificationChallenge(ctx context.Context, dst Destination, secret string) error {
	if dst.Channel == ChannelSMS {
		return d.deliver(ctx, dst, "challenge", d.templates.PhoneChallenge(secret))
	}
	return d.deliver(ctx, dst, "challenge", d.templates.EmailChallenge(dst.Name, secret))
}

func (d *Dispatcher) SendWarning(ctx context.Context, dst Destination, hoursRemaining int) error {
	return d.deliver(ctx, dst, "warning", d.templates.Warning(dst.Name, hoursRemaining))
}

func (d *Dispatcher) SendExpirationNotice(ctx context.Context, dst Destination) error {
	return d.deliver(ctx, dst, "expiration", d.templates.Expiration(dst.Name))
}

func (d *Dispatcher) SendProvisioningFailure(ctx context.Context, dst Destination, handle, step string) error {
	return d.deliver(ctx, dst, "provisioning_failure", d.templates.ProvisioningFailure(handle, step))
}

func (d *Dispatcher) SendWelcome(ctx context.Context, dst Destination, handle, platformEmail, initialPassword string) error {
	return d.deliver(ctx, dst, "welcome", d.templates.Welcome(dst.Name, handle, platformEmail, initialPassword))
}

func (d *Dispatcher) deliver(ctx context.Context, dst Destination, kind string, msg Message) error {
	var err error
	switch dst.Channel {
	case ChannelEmail:
		if d.mailer == nil {
			return &DeliveryError{Channel: dst.Channel, Err: ErrNoRoute}
		}
		err = d.mailer.SendMail(ctx, dst.Address, msg.Subject, msg.Body)
	case ChannelSMS:
		if d.texter == nil {
			return &DeliveryError{Channel: dst.Channel, Err: ErrNoRoute}
		}
		err = d.texter.SendText(ctx, dst.Address, msg.Text)
	default:
		return &DeliveryError{Channel: dst.Channel, Err: ErrNoRoute}
	}
	if err != nil {
		d.logger.Warn("notify: delivery failed", zap.String("kind", kind), zap.String("channel", string(dst.Channel)), zap.Error(err))
		return &DeliveryError{Channel: dst.Channel, Err: err}
	}
	d.logger.Debug("notify: delivered", zap.String("kind", kind), zap.String("channel", string(dst.Channel)))
	return nil
}
