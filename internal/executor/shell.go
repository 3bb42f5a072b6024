package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Exit codes from shadow-utils that change how a failure is classified.
const (
	exitPasswdBusy    = 1  // useradd/userdel: can't update password file
	exitUserExists    = 9  // useradd: username already in use
	exitUserMissing   = 6  // userdel: specified user doesn't exist
	exitGroupFileBusy = 10 // useradd/userdel: can't update group file
	exitUserLoggedIn  = 8  // userdel: user currently logged in
)

const defaultExecTimeout = 30 * time.Second

var storageDirs = []string{
	"public/photos",
	"public/documents",
	"public/shared",
	"private/backups",
	"private/settings",
	"private/mail",
}

// command is one argv invocation; stdin is optional.
type command struct {
	args  []string
	stdin string
}

// runner executes a single command. Swapped out in tests.
type runner func(ctx context.Context, name string, args []string, stdin string) (stderr string, exitCode int, err error)

// ShellExecutor runs operations as shadow-utils/coreutils/quota commands, optionally via sudo.
// Arguments are passed as argv, never through a shell.
type ShellExecutor struct {
	UseSudo bool
	// Timeout bounds each operation when ctx carries no earlier deadline.
	Timeout time.Duration
	logger  *zap.Logger
	run     runner
}

// NewShellExecutor returns an executor that shells out to the system tools.
func NewShellExecutor(useSudo bool, timeout time.Duration, logger *zap.Logger) *ShellExecutor {
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShellExecutor{UseSudo: useSudo, Timeout: timeout, logger: logger, run: runCommand}
}

// Run executes op. Multi-command operations are undone locally if a later command fails, so a failed
// operation leaves nothing behind for the caller to roll back.
func (e *ShellExecutor) Run(ctx context.Context, op Operation, p Params) error {
	if !op.Valid() {
		return &ExecError{Op: op, Err: ErrUnknownOperation}
	}
	if err := checkParams(op, p); err != nil {
		return &ExecError{Op: op, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmds := plan(op, p)
	for i, c := range cmds {
		name, args := e.cmdArgs(c.args[0], c.args[1:])
		stderr, code, err := e.run(ctx, name, args, c.stdin)
		if err == nil {
			continue
		}
		if op.IsTeardown() && absentOK(op, c, code, stderr) {
			e.logger.Debug("executor: resource already absent", zap.String("op", string(op)), zap.String("user", p.Username))
			continue
		}
		execErr := classify(ctx, op, code, stderr, err)
		if i > 0 && op == OpCreateAccount {
			e.undoCreateAccount(p)
		}
		e.logger.Warn("executor: command failed",
			zap.String("op", string(op)),
			zap.String("user", p.Username),
			zap.String("cmd", c.args[0]),
			zap.Int("exit_code", code),
			zap.Bool("transient", execErr.Transient),
		)
		return execErr
	}
	return nil
}

// undoCreateAccount removes a half-created OS user (useradd succeeded, a later command failed).
func (e *ShellExecutor) undoCreateAccount(p Params) {
	ctx, cancel := context.WithTimeout(context.Background(), e.Timeout)
	defer cancel()
	for _, c := range plan(OpDeleteAccount, p) {
		name, args := e.cmdArgs(c.args[0], c.args[1:])
		if _, code, err := e.run(ctx, name, args, ""); err != nil && code != exitUserMissing {
			e.logger.Error("executor: undo of partial createAccount failed", zap.String("user", p.Username), zap.Error(err))
		}
	}
}

// plan returns the argv sequence for op without the sudo prefix.
func plan(op Operation, p Params) []command {
	home := filepath.Join(p.HomeRoot, p.Username)
	owner := p.Username + ":" + p.Group
	switch op {
	case OpCreateAccount:
		return []command{
			{args: []string{"useradd", "-m", "-d", home, "-g", p.Group, "-s", p.Shell, p.Username}},
			{args: []string{"chpasswd"}, stdin: p.Username + ":" + p.Password + "\n"},
			{args: []string{"chmod", "711", home}},
		}
	case OpDeleteAccount:
		return []command{
			{args: []string{"userdel", "-r", p.Username}},
			{args: []string{"rm", "-rf", filepath.Join("/var/spool/mail", p.Username)}},
		}
	case OpCreateMailbox:
		maildir := filepath.Join(home, "Maildir")
		return []command{
			{args: []string{"mkdir", "-p", filepath.Join(maildir, "new"), filepath.Join(maildir, "cur"), filepath.Join(maildir, "tmp")}},
			{args: []string{"chown", "-R", owner, maildir}},
			{args: []string{"chmod", "-R", "700", maildir}},
		}
	case OpDeleteMailbox:
		return []command{{args: []string{"rm", "-rf", filepath.Join(home, "Maildir")}}}
	case OpCreateStorage:
		mk := []string{"mkdir", "-p"}
		for _, d := range storageDirs {
			mk = append(mk, filepath.Join(home, d))
		}
		return []command{
			{args: mk},
			{args: []string{"chown", "-R", owner, filepath.Join(home, "public"), filepath.Join(home, "private")}},
			{args: []string{"chmod", "-R", "750", filepath.Join(home, "public"), filepath.Join(home, "private")}},
		}
	case OpDeleteStorage:
		return []command{{args: []string{"rm", "-rf", filepath.Join(home, "public"), filepath.Join(home, "private")}}}
	case OpSetPassword:
		return []command{{args: []string{"chpasswd"}, stdin: p.Username + ":" + p.Password + "\n"}}
	case OpSetQuota:
		return []command{{args: []string{"setquota", "-u", p.Username, "0", strconv.Itoa(p.QuotaMB) + "M", "0", "0", p.HomeRoot}}}
	}
	return nil
}

func checkParams(op Operation, p Params) error {
	if p.Username == "" || strings.ContainsAny(p.Username, "/:. \t\n") || strings.HasPrefix(p.Username, "-") {
		return fmt.Errorf("invalid username %q", p.Username)
	}
	if p.HomeRoot == "" || !filepath.IsAbs(p.HomeRoot) {
		return fmt.Errorf("home root must be absolute, got %q", p.HomeRoot)
	}
	switch op {
	case OpCreateAccount:
		if p.Group == "" || p.Shell == "" || p.Password == "" {
			return errors.New("createAccount requires group, shell and password")
		}
		if strings.ContainsAny(p.Password, "\n:") {
			return errors.New("password must not contain newline or colon")
		}
	case OpSetPassword:
		if p.Password == "" || strings.ContainsAny(p.Password, "\n:") {
			return errors.New("setPassword requires a password without newline or colon")
		}
	case OpCreateMailbox, OpCreateStorage:
		if p.Group == "" {
			return fmt.Errorf("%s requires group", op)
		}
	case OpSetQuota:
		if p.QuotaMB <= 0 {
			return errors.New("setQuota requires a positive quota")
		}
	}
	return nil
}

// absentOK reports whether a teardown failure only means the resource is already gone.
func absentOK(op Operation, c command, code int, stderr string) bool {
	if op == OpDeleteAccount && c.args[0] == "userdel" {
		return code == exitUserMissing || strings.Contains(stderr, "does not exist")
	}
	return strings.Contains(stderr, "No such file or directory")
}

func classify(ctx context.Context, op Operation, code int, stderr string, err error) *ExecError {
	ee := &ExecError{Op: op, ExitCode: code, Stderr: strings.TrimSpace(stderr), Err: err}
	if ctxErr := ctx.Err(); ctxErr != nil {
		ee.Transient = true
		ee.Err = fmt.Errorf("%w: %v", ctxErr, err)
		return ee
	}
	switch code {
	case exitGroupFileBusy, exitUserLoggedIn:
		ee.Transient = true
	case exitPasswdBusy:
		ee.Transient = op == OpCreateAccount || op == OpDeleteAccount
	case exitUserExists:
		ee.Err = fmt.Errorf("os account already exists: %w", err)
	}
	return ee
}

// cmdArgs applies the sudo prefix. sudo -n never prompts, so a missing sudoers rule fails fast.
func (e *ShellExecutor) cmdArgs(name string, args []string) (string, []string) {
	if !e.UseSudo {
		return name, args
	}
	return "sudo", append([]string{"-n", name}, args...)
}

func runCommand(ctx context.Context, name string, args []string, stdin string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	err := cmd.Run()
	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return stderr.String(), code, err
}
