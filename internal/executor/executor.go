// Package executor runs the privileged OS operations behind account provisioning.
// Each Operation is a discrete, independently failable step.
package executor

import (
	"context"
	"errors"
	"fmt"
)

// Operation is the closed set of privileged operations.
type Operation string

const (
	OpCreateAccount Operation = "createAccount"
	OpDeleteAccount Operation = "deleteAccount"
	OpCreateMailbox Operation = "createMailbox"
	OpDeleteMailbox Operation = "deleteMailbox"
	OpCreateStorage Operation = "createStorage"
	OpDeleteStorage Operation = "deleteStorage"
	OpSetQuota      Operation = "setQuota"
	OpSetPassword   Operation = "setPassword"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpCreateAccount, OpDeleteAccount, OpCreateMailbox, OpDeleteMailbox, OpCreateStorage, OpDeleteStorage, OpSetQuota, OpSetPassword:
		return true
	}
	return false
}

// IsTeardown reports whether op removes a resource. Teardown treats "already absent" as success.
func (op Operation) IsTeardown() bool {
	return op == OpDeleteAccount || op == OpDeleteMailbox || op == OpDeleteStorage
}

// Params carries the per-account inputs of an operation.
type Params struct {
	Username string
	// Password is only used by OpCreateAccount and OpSetPassword; it is written to chpasswd on stdin, never argv.
	Password string
	Group    string
	Shell    string
	HomeRoot string
	QuotaMB  int
}

// Executor performs privileged operations. Implementations must honor ctx cancellation and deadlines.
type Executor interface {
	Run(ctx context.Context, op Operation, p Params) error
}

// ErrUnknownOperation is returned for operations outside the closed set.
var ErrUnknownOperation = errors.New("executor: unknown operation")

// ExecError is the failure of a privileged operation. Transient failures (timeouts, lock contention on
// the passwd/group databases) may be retried; permanent ones surface immediately.
type ExecError struct {
	Op        Operation
	Transient bool
	ExitCode  int
	Stderr    string
	Err       error
}

func (e *ExecError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	msg := fmt.Sprintf("executor: %s failed (%s", e.Op, kind)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(", exit %d", e.ExitCode)
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecError) Unwrap() error { return e.Err }

// IsTransient reports whether err is an ExecError marked retryable.
func IsTransient(err error) bool {
	var ee *ExecError
	return errors.As(err, &ee) && ee.Transient
}
