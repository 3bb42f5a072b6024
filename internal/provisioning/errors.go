package provisioning

import (
	"errors"
	"fmt"
)

var (
	// ErrNotVerified is returned when provisioning is requested for an account that is not Verified.
	ErrNotVerified = errors.New("account is not verified")
	// ErrInProgress is returned when another invocation holds a fresh provisioning claim.
	ErrInProgress = errors.New("provisioning already in progress")
	// errClaimLost means a step completed but its flag could not be recorded under our claim.
	errClaimLost = errors.New("provisioning claim lost")
)

// Step is one ordered provisioning step.
type Step string

const (
	StepOSAccount Step = "osAccount"
	StepMailbox   Step = "mailbox"
	StepStorage   Step = "storage"
)

// ProvisioningFailedError reports the step at which provisioning stopped. Resources created by the
// failing invocation have been rolled back and the account remains Verified.
type ProvisioningFailedError struct {
	Step  Step
	Cause error
}

func (e *ProvisioningFailedError) Error() string {
	return fmt.Sprintf("provisioning failed at %s: %v", e.Step, e.Cause)
}

func (e *ProvisioningFailedError) Unwrap() error { return e.Cause }
