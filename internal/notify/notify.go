// Package notify delivers verification challenges and lifecycle notices to an account's email
// address or phone number. Delivery failures are returned to the caller, never swallowed.
package notify

import (
	"context"
	"errors"
	"fmt"
)

// Channel is the delivery medium of a Destination.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Destination is where a notice is delivered.
type Destination struct {
	Channel Channel
	Address string
	Name    string
}

// Email and SMS build destinations.
func Email(address, name string) Destination {
	return Destination{Channel: ChannelEmail, Address: address, Name: name}
}

func SMS(phone, name string) Destination {
	return Destination{Channel: ChannelSMS, Address: phone, Name: name}
}

// Gateway delivers notices. Implementations must be safe for concurrent use.
type Gateway interface {
	// SendVerificationChallenge delivers an email token (as a link) or a phone code.
	SendVerificationChallenge(ctx context.Context, dst Destination, secret string) error
	SendWarning(ctx context.Context, dst Destination, hoursRemaining int) error
	SendExpirationNotice(ctx context.Context, dst Destination) error
	// SendProvisioningFailure alerts an operator that provisioning of handle failed at step.
	SendProvisioningFailure(ctx context.Context, dst Destination, handle, step string) error
	// SendWelcome announces a provisioned account and carries its initial password, the only copy
	// of it the platform ever sends.
	SendWelcome(ctx context.Context, dst Destination, handle, platformEmail, initialPassword string) error
}

// ErrNoRoute is returned when no sender is configured for a destination's channel.
var ErrNoRoute = errors.New("notify: no sender configured for channel")

// DeliveryError wraps a delivery failure with its destination channel.
type DeliveryError struct {
	Channel Channel
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("notify: %s delivery failed: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
