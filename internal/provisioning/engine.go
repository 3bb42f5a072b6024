// Package provisioning turns a Verified account into a working resource set (OS account, mailbox,
// storage with quota) and tears those resources down again.
package provisioning

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"membership-platform/backend/internal/account/domain"
	"membership-platform/backend/internal/account/repository"
	"membership-platform/backend/internal/events"
	"membership-platform/backend/internal/executor"
	"membership-platform/backend/internal/notify"
)

const instrumentationName = "membership-platform/backend/internal/provisioning"

// Config holds the provisioning constants.
type Config struct {
	// SkipQuota records the storage step complete without issuing setQuota (non-production mode).
	SkipQuota bool
	QuotaMB   int
	Shell     string
	Group     string
	HomeRoot  string
	// StepTimeout bounds each privileged operation; a timeout is a transient step failure.
	StepTimeout time.Duration
	// MaxRetries is how many times a transient failure is retried before the step fails.
	MaxRetries   int
	RetryInitial time.Duration
	// ClaimStaleAfter is when an abandoned provisioning claim may be re-taken.
	ClaimStaleAfter time.Duration
	// AlertEmail receives provisioning failure notices; empty disables alerts.
	AlertEmail string
}

func (c Config) withDefaults() Config {
	if c.QuotaMB <= 0 {
		c.QuotaMB = 100
	}
	if c.Shell == "" {
		c.Shell = "/bin/bash"
	}
	if c.Group == "" {
		c.Group = "members"
	}
	if c.HomeRoot == "" {
		c.HomeRoot = "/home"
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 500 * time.Millisecond
	}
	if c.ClaimStaleAfter <= 0 {
		c.ClaimStaleAfter = 10 * time.Minute
	}
	return c
}

// Engine provisions and deprovisions account resources through an executor.Executor.
type Engine struct {
	store       repository.Store
	exec        executor.Executor
	gateway     notify.Gateway
	publisher   events.Publisher
	logger      *zap.Logger
	cfg         Config
	nowF        func() time.Time
	newPassword func() (string, error)
	tracer      trace.Tracer
	stepCounter metric.Int64Counter
}

// NewEngine returns an Engine. gateway and publisher may be nil.
func NewEngine(store repository.Store, exec executor.Executor, gateway notify.Gateway, publisher events.Publisher, cfg Config, logger *zap.Logger) *Engine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := otel.Meter(instrumentationName)
	counter, err := meter.Int64Counter("membership.provisioning.steps",
		metric.WithDescription("Provisioning and teardown operations by step and outcome"))
	if err != nil {
		logger.Warn("provisioning: step counter unavailable", zap.Error(err))
	}
	return &Engine{
		store:       store,
		exec:        exec,
		gateway:     gateway,
		publisher:   publisher,
		logger:      logger,
		cfg:         cfg.withDefaults(),
		nowF:        func() time.Time { return time.Now().UTC() },
		newPassword: generatePassword,
		tracer:      otel.Tracer(instrumentationName),
		stepCounter: counter,
	}
}

// SetClock overrides the time source. Used by tests.
func (e *Engine) SetClock(now func() time.Time) { e.nowF = now }

// Provision runs every incomplete step for a Verified account and moves it to Provisioned.
// An already Provisioned account is a no-op. On failure the steps performed by this invocation are
// torn down, the account stays Verified, and a *ProvisioningFailedError is returned.
func (e *Engine) Provision(ctx context.Context, accountID string) (*domain.Account, error) {
	ctx, span := e.tracer.Start(ctx, "provisioning.Provision", trace.WithAttributes(attribute.String("account.id", accountID)))
	defer span.End()

	a, err := e.store.FindOne(ctx, repository.Filter{ID: accountID})
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, repository.ErrNotFound
	}
	if a.Status == domain.StatusProvisioned {
		return a, nil
	}
	if a.Status != domain.StatusVerified {
		return nil, ErrNotVerified
	}

	claimed, already, err := e.claim(ctx, a)
	if err != nil {
		return nil, err
	}
	if already != nil {
		return already, nil
	}
	claim := *claimed.ProvisioningStartedAt
	log := e.logger.With(zap.String("account_id", a.ID), zap.String("handle", a.Handle))
	log.Info("provisioning: started")

	password, err := e.newPassword()
	if err != nil {
		e.release(ctx, claimed, claim)
		return nil, err
	}
	params := e.params(claimed, password)

	cur := claimed
	var performed []Step
	for _, step := range []Step{StepOSAccount, StepMailbox, StepStorage} {
		if stepDone(cur, step) {
			continue
		}
		if err := e.runStep(ctx, step, params); err != nil {
			log.Warn("provisioning: step failed", zap.String("step", string(step)), zap.Error(err))
			return nil, e.fail(ctx, cur, claim, step, step != StepOSAccount, performed, err, span)
		}
		next, err := e.store.ConditionalUpdate(ctx, a.ID,
			repository.Expectation{Status: domain.StatusVerified, ClaimedAt: &claim},
			stepPatch(step, true),
		)
		if err != nil {
			// The resource exists but is unrecorded; remove it so the store stays truthful.
			if terr := e.teardown(context.WithoutCancel(ctx), step, params); terr != nil {
				log.Error("provisioning: unrecorded resource not removed", zap.String("step", string(step)), zap.Error(terr))
			}
			if errors.Is(err, repository.ErrConflict) {
				err = errClaimLost
			}
			return nil, e.fail(ctx, cur, claim, step, false, performed, err, span)
		}
		performed = append(performed, step)
		cur = next
	}
	if !slices.Contains(performed, StepOSAccount) {
		// The OS account came from an earlier run whose password was never delivered.
		if err := e.run(ctx, StepOSAccount, executor.OpSetPassword, params); err != nil {
			log.Warn("provisioning: password reset failed", zap.Error(err))
			return nil, e.fail(ctx, cur, claim, StepOSAccount, false, performed, err, span)
		}
	}

	done, err := e.store.ConditionalUpdate(ctx, a.ID,
		repository.Expectation{Status: domain.StatusVerified, ClaimedAt: &claim},
		repository.Patch{Status: repository.StatusPtr(domain.StatusProvisioned), ClearProvisioningClaim: true},
	)
	if err != nil {
		return nil, e.fail(ctx, cur, claim, StepStorage, false, performed, err, span)
	}
	log.Info("provisioning: completed", zap.Int("steps_run", len(performed)))
	e.publish(done, events.TypeProvisioned, nil)
	if e.gateway != nil {
		if err := e.gateway.SendWelcome(ctx, notify.Email(done.ContactEmail, done.DisplayName), done.Handle, done.PlatformEmail, password); err != nil {
			log.Warn("provisioning: welcome notice failed; initial password must be reset by an operator", zap.Error(err))
		}
	}
	return done, nil
}

// claim takes the provisioning claim, re-taking one older than ClaimStaleAfter. The claim time is
// truncated to the store's timestamp precision so it can be matched in later expectations.
// If a concurrent invocation already finished, the provisioned account is returned as already.
func (e *Engine) claim(ctx context.Context, a *domain.Account) (claimed, already *domain.Account, err error) {
	now := e.nowF().Truncate(time.Microsecond)
	staleBefore := now.Add(-e.cfg.ClaimStaleAfter)
	claimed, err = e.store.ConditionalUpdate(ctx, a.ID,
		repository.Expectation{Status: domain.StatusVerified, ClaimableBefore: &staleBefore},
		repository.Patch{ProvisioningStartedAt: &now},
	)
	if err == nil {
		return claimed, nil, nil
	}
	if !errors.Is(err, repository.ErrConflict) {
		return nil, nil, err
	}
	cur, ferr := e.store.FindOne(ctx, repository.Filter{ID: a.ID})
	switch {
	case ferr != nil || cur == nil:
		return nil, nil, ErrInProgress
	case cur.Status == domain.StatusProvisioned:
		return nil, cur, nil
	case cur.Status != domain.StatusVerified:
		return nil, nil, ErrNotVerified
	}
	return nil, nil, ErrInProgress
}

// fail rolls back this invocation's steps in reverse order, releases the claim and alerts.
// partial also removes whatever the failed step itself left behind. When the claim was lost,
// recorded steps belong to the new claimant and are left alone.
func (e *Engine) fail(ctx context.Context, cur *domain.Account, claim time.Time, step Step, partial bool, performed []Step, cause error, span trace.Span) error {
	rbCtx := context.WithoutCancel(ctx)
	params := e.params(cur, "")
	if partial {
		if err := e.teardown(rbCtx, step, params); err != nil {
			e.logger.Error("provisioning: partial step cleanup failed", zap.String("account_id", cur.ID), zap.String("step", string(step)), zap.Error(err))
		}
	}
	if errors.Is(cause, errClaimLost) {
		performed = nil
	}
	for i := len(performed) - 1; i >= 0; i-- {
		s := performed[i]
		if err := e.teardown(rbCtx, s, params); err != nil {
			e.logger.Error("provisioning: rollback failed; resource left recorded",
				zap.String("account_id", cur.ID), zap.String("step", string(s)), zap.Error(err))
			continue
		}
		next, err := e.store.ConditionalUpdate(rbCtx, cur.ID,
			repository.Expectation{Status: domain.StatusVerified, ClaimedAt: &claim},
			stepPatch(s, false),
		)
		if err != nil {
			e.logger.Error("provisioning: could not clear step flag", zap.String("account_id", cur.ID), zap.String("step", string(s)), zap.Error(err))
			continue
		}
		cur = next
	}
	e.release(rbCtx, cur, claim)

	span.RecordError(cause)
	span.SetStatus(codes.Error, "provisioning failed")
	e.publish(cur, events.TypeProvisioningFailed, map[string]string{"step": string(step)})
	if e.gateway != nil && e.cfg.AlertEmail != "" {
		if err := e.gateway.SendProvisioningFailure(rbCtx, notify.Email(e.cfg.AlertEmail, ""), cur.Handle, string(step)); err != nil {
			e.logger.Warn("provisioning: failure alert not delivered", zap.Error(err))
		}
	}
	return &ProvisioningFailedError{Step: step, Cause: cause}
}

func (e *Engine) release(ctx context.Context, a *domain.Account, claim time.Time) {
	_, err := e.store.ConditionalUpdate(ctx, a.ID,
		repository.Expectation{ClaimedAt: &claim},
		repository.Patch{ClearProvisioningClaim: true},
	)
	if err != nil {
		e.logger.Warn("provisioning: claim not released", zap.String("account_id", a.ID), zap.Error(err))
	}
}

// Deprovision tears down whichever resources a is recorded as having, in reverse order, clearing
// each flag after its teardown. Already absent resources count as removed.
func (e *Engine) Deprovision(ctx context.Context, a *domain.Account) (*domain.Account, error) {
	ctx, span := e.tracer.Start(ctx, "provisioning.Deprovision", trace.WithAttributes(attribute.String("account.id", a.ID)))
	defer span.End()

	params := e.params(a, "")
	cur := a
	for _, step := range []Step{StepStorage, StepMailbox, StepOSAccount} {
		if !stepDone(cur, step) {
			continue
		}
		if err := e.teardown(ctx, step, params); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "teardown failed")
			return cur, &ProvisioningFailedError{Step: step, Cause: err}
		}
		next, err := e.store.ConditionalUpdate(ctx, a.ID,
			repository.Expectation{Status: cur.Status},
			stepPatch(step, false),
		)
		if err != nil {
			return cur, err
		}
		cur = next
	}
	return cur, nil
}

func (e *Engine) runStep(ctx context.Context, step Step, p executor.Params) error {
	switch step {
	case StepOSAccount:
		return e.run(ctx, step, executor.OpCreateAccount, p)
	case StepMailbox:
		return e.run(ctx, step, executor.OpCreateMailbox, p)
	case StepStorage:
		if err := e.run(ctx, step, executor.OpCreateStorage, p); err != nil {
			return err
		}
		if e.cfg.SkipQuota {
			e.logger.Debug("provisioning: quota skipped", zap.String("user", p.Username))
			return nil
		}
		return e.run(ctx, step, executor.OpSetQuota, p)
	}
	return nil
}

func (e *Engine) teardown(ctx context.Context, step Step, p executor.Params) error {
	switch step {
	case StepOSAccount:
		return e.run(ctx, step, executor.OpDeleteAccount, p)
	case StepMailbox:
		return e.run(ctx, step, executor.OpDeleteMailbox, p)
	case StepStorage:
		return e.run(ctx, step, executor.OpDeleteStorage, p)
	}
	return nil
}

// run executes op with a per-attempt timeout, retrying transient failures with exponential backoff.
func (e *Engine) run(ctx context.Context, step Step, op executor.Operation, p executor.Params) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryInitial
	b.MaxInterval = 10 * e.cfg.RetryInitial

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
		defer cancel()
		err := e.exec.Run(attemptCtx, op, p)
		if err != nil && !executor.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(e.cfg.MaxRetries+1)))

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	e.count(ctx, step, op, err)
	return err
}

func (e *Engine) count(ctx context.Context, step Step, op executor.Operation, err error) {
	if e.stepCounter == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	e.stepCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", string(step)),
		attribute.String("op", string(op)),
		attribute.String("outcome", outcome),
	))
}

func (e *Engine) params(a *domain.Account, password string) executor.Params {
	return executor.Params{
		Username: a.Handle,
		Password: password,
		Group:    e.cfg.Group,
		Shell:    e.cfg.Shell,
		HomeRoot: e.cfg.HomeRoot,
		QuotaMB:  e.cfg.QuotaMB,
	}
}

func (e *Engine) publish(a *domain.Account, t events.Type, attrs map[string]string) {
	events.PublishAsync(e.publisher, events.Event{
		Type:       t,
		AccountID:  a.ID,
		Handle:     a.Handle,
		Attributes: attrs,
		OccurredAt: e.nowF(),
	}, e.logger)
}

func stepDone(a *domain.Account, s Step) bool {
	switch s {
	case StepOSAccount:
		return a.OSAccountProvisioned
	case StepMailbox:
		return a.MailboxProvisioned
	case StepStorage:
		return a.StorageProvisioned
	}
	return false
}

func stepPatch(s Step, v bool) repository.Patch {
	switch s {
	case StepOSAccount:
		return repository.Patch{OSAccountProvisioned: repository.Bool(v)}
	case StepMailbox:
		return repository.Patch{MailboxProvisioned: repository.Bool(v)}
	default:
		return repository.Patch{StorageProvisioned: repository.Bool(v)}
	}
}

// generatePassword returns a random initial OS password. It contains no ':' or newline, so it is safe on chpasswd stdin.
func generatePassword() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
