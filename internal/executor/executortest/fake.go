// Package executortest provides an in-memory Executor that tracks which resources exist per user
// and can inject failures, for tests of provisioning and cleanup.
package executortest

import (
	"context"
	"errors"
	"sync"

	"membership-platform/backend/internal/executor"
)

// Call is one recorded Run invocation.
type Call struct {
	Op       executor.Operation
	Username string
}

type failure struct {
	err       error
	remaining int // <0: fail forever
}

// Fake is a concurrency-safe in-memory executor.
type Fake struct {
	mu        sync.Mutex
	calls     []Call
	resources map[string]map[executor.Operation]bool // user -> create op -> present
	quotas    map[string]int
	passwords map[string]string
	failures  map[executor.Operation]*failure
	hang      map[executor.Operation]bool
}

func New() *Fake {
	return &Fake{
		resources: make(map[string]map[executor.Operation]bool),
		quotas:    make(map[string]int),
		passwords: make(map[string]string),
		failures:  make(map[executor.Operation]*failure),
		hang:      make(map[executor.Operation]bool),
	}
}

// FailWith makes the next n runs of op fail with err; n < 0 fails every run.
func (f *Fake) FailWith(op executor.Operation, err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = &failure{err: err, remaining: n}
}

// Hang makes op block until its context is done, simulating a stuck privileged command.
func (f *Fake) Hang(op executor.Operation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hang[op] = true
}

// Reset clears injected failures and hangs but keeps resources and recorded calls.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = make(map[executor.Operation]*failure)
	f.hang = make(map[executor.Operation]bool)
}

func (f *Fake) Run(ctx context.Context, op executor.Operation, p executor.Params) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Op: op, Username: p.Username})
	hang := f.hang[op]
	var injected error
	if fl, ok := f.failures[op]; ok && fl.remaining != 0 {
		injected = fl.err
		if fl.remaining > 0 {
			fl.remaining--
		}
	}
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return &executor.ExecError{Op: op, Transient: true, Err: ctx.Err()}
	}
	if injected != nil {
		return injected
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	res := f.resources[p.Username]
	if res == nil {
		res = make(map[executor.Operation]bool)
		f.resources[p.Username] = res
	}
	switch op {
	case executor.OpCreateAccount, executor.OpCreateMailbox, executor.OpCreateStorage:
		if op == executor.OpCreateAccount && res[op] {
			return &executor.ExecError{Op: op, ExitCode: 9, Err: errors.New("os account already exists")}
		}
		res[op] = true
		if op == executor.OpCreateAccount {
			f.passwords[p.Username] = p.Password
		}
	case executor.OpSetPassword:
		if !res[executor.OpCreateAccount] {
			return &executor.ExecError{Op: op, ExitCode: 1, Err: errors.New("user does not exist")}
		}
		f.passwords[p.Username] = p.Password
	case executor.OpDeleteAccount:
		delete(res, executor.OpCreateAccount)
		delete(res, executor.OpCreateMailbox)
		delete(res, executor.OpCreateStorage)
		delete(f.quotas, p.Username)
		delete(f.passwords, p.Username)
	case executor.OpDeleteMailbox:
		delete(res, executor.OpCreateMailbox)
	case executor.OpDeleteStorage:
		delete(res, executor.OpCreateStorage)
	case executor.OpSetQuota:
		f.quotas[p.Username] = p.QuotaMB
	default:
		return &executor.ExecError{Op: op, Err: executor.ErrUnknownOperation}
	}
	return nil
}

// Calls returns a copy of all recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Ops returns the recorded operations for username in order.
func (f *Fake) Ops(username string) []executor.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []executor.Operation
	for _, c := range f.calls {
		if c.Username == username {
			out = append(out, c.Op)
		}
	}
	return out
}

// Has reports whether the resource created by createOp exists for username.
func (f *Fake) Has(username string, createOp executor.Operation) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resources[username][createOp]
}

// Quota returns the quota set for username, or 0.
func (f *Fake) Quota(username string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quotas[username]
}

// Password returns the OS password last set for username, or "".
func (f *Fake) Password(username string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.passwords[username]
}
