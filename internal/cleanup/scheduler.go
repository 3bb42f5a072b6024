// Package cleanup runs the periodic sweep over registrations: it warns accounts nearing expiry,
// expires and tears down those that never finished verification, hard-deletes expired accounts
// after the retention window, and retries provisioning stuck in Verified.
package cleanup

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"membership-platform/backend/internal/account/domain"
	"membership-platform/backend/internal/account/repository"
	"membership-platform/backend/internal/events"
	"membership-platform/backend/internal/notify"
	"membership-platform/backend/internal/provisioning"
)

const instrumentationName = "membership-platform/backend/internal/cleanup"

// Engine is the provisioning surface the sweep uses.
type Engine interface {
	Deprovision(ctx context.Context, a *domain.Account) (*domain.Account, error)
	Provision(ctx context.Context, accountID string) (*domain.Account, error)
}

// Locker grants one sweep at a time across processes. release must be called when ok is true.
type Locker interface {
	Acquire(ctx context.Context, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// Config holds sweep policy.
type Config struct {
	WarningWindow time.Duration
	Retention     time.Duration
	// Concurrency bounds how many accounts a pass processes at once.
	Concurrency int
	// Timeout bounds a whole sweep so a stuck privileged command cannot block the next run.
	Timeout time.Duration
	LockTTL time.Duration
	// RetryStuckAfter is how long an account may sit in Verified before the sweep retries
	// provisioning. Zero disables the retry pass.
	RetryStuckAfter time.Duration
}

// Summary counts what one sweep did. Failed counts accounts whose processing hit any error.
type Summary struct {
	Warned  int  `json:"warned"`
	Expired int  `json:"expired"`
	Deleted int  `json:"deleted"`
	Retried int  `json:"retried"`
	Failed  int  `json:"failed"`
	Skipped bool `json:"skipped,omitempty"`
}

// Scheduler runs sweeps. RunOnce is safe to call directly; Cron triggers it on a schedule.
type Scheduler struct {
	store     repository.Store
	engine    Engine
	gateway   notify.Gateway
	publisher events.Publisher
	locker    Locker
	logger    *zap.Logger
	cfg       Config
	nowF      func() time.Time
	tracer    trace.Tracer
	counters  map[string]metric.Int64Counter
}

// NewScheduler returns a Scheduler. locker and publisher may be nil.
func NewScheduler(store repository.Store, engine Engine, gateway notify.Gateway, publisher events.Publisher, locker Locker, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.WarningWindow <= 0 {
		cfg.WarningWindow = 4 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Hour
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		store:     store,
		engine:    engine,
		gateway:   gateway,
		publisher: publisher,
		locker:    locker,
		logger:    logger,
		cfg:       cfg,
		nowF:      func() time.Time { return time.Now().UTC() },
		tracer:    otel.Tracer(instrumentationName),
		counters:  make(map[string]metric.Int64Counter),
	}
	meter := otel.Meter(instrumentationName)
	for _, name := range []string{"warned", "expired", "deleted", "retried", "failures"} {
		c, err := meter.Int64Counter("membership.sweep." + name)
		if err != nil {
			logger.Warn("cleanup: counter unavailable", zap.String("name", name), zap.Error(err))
			continue
		}
		s.counters[name] = c
	}
	return s
}

// SetClock overrides the time source. Used by tests.
func (s *Scheduler) SetClock(now func() time.Time) { s.nowF = now }

// RunOnce performs one sweep: warning, expiration, deletion and retry passes in that order.
// Per-account failures are logged and counted, never abort a pass. The returned error joins
// pass-level failures (e.g. the store query for a pass failed) and the sweep timeout.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "cleanup.Sweep")
	defer span.End()

	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx, s.cfg.LockTTL)
		if err != nil {
			return Summary{}, err
		}
		if !ok {
			s.logger.Info("cleanup: another sweep holds the lock; skipping")
			return Summary{Skipped: true}, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("cleanup: lock release failed", zap.Error(err))
			}
		}()
	}

	var sum tally
	var errs []error
	passes := []struct {
		name string
		run  func(context.Context, *tally) error
	}{
		{"warning", s.warningPass},
		{"expiration", s.expirationPass},
		{"deletion", s.deletionPass},
		{"retry", s.retryPass},
	}
	for _, p := range passes {
		pctx, pspan := s.tracer.Start(ctx, "cleanup."+p.name)
		if err := p.run(pctx, &sum); err != nil {
			pspan.RecordError(err)
			pspan.SetStatus(codes.Error, p.name+" pass failed")
			s.logger.Error("cleanup: pass failed", zap.String("pass", p.name), zap.Error(err))
			errs = append(errs, err)
		}
		pspan.End()
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}

	out := sum.summary()
	span.SetAttributes(
		attribute.Int("warned", out.Warned),
		attribute.Int("expired", out.Expired),
		attribute.Int("deleted", out.Deleted),
		attribute.Int("failed", out.Failed),
	)
	s.record(ctx, out)
	s.logger.Info("cleanup: sweep finished",
		zap.Int("warned", out.Warned),
		zap.Int("expired", out.Expired),
		zap.Int("deleted", out.Deleted),
		zap.Int("retried", out.Retried),
		zap.Int("failed", out.Failed),
	)
	return out, errors.Join(errs...)
}

type tally struct {
	warned, expired, deleted, retried, failed atomic.Int64
}

func (t *tally) summary() Summary {
	return Summary{
		Warned:  int(t.warned.Load()),
		Expired: int(t.expired.Load()),
		Deleted: int(t.deleted.Load()),
		Retried: int(t.retried.Load()),
		Failed:  int(t.failed.Load()),
	}
}

// forEach runs fn over accounts with bounded concurrency. fn's error marks that account failed.
func (s *Scheduler) forEach(ctx context.Context, pass string, accounts []*domain.Account, t *tally, fn func(context.Context, *domain.Account) error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, a := range accounts {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if err := fn(gctx, a); err != nil {
				t.failed.Add(1)
				s.logger.Warn("cleanup: account failed",
					zap.String("pass", pass),
					zap.String("account_id", a.ID),
					zap.String("handle", a.Handle),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// warningPass notifies Pending accounts expiring within the warning window, at most once each.
// The warning timestamp is claimed before sending and reverted if delivery fails, so a later
// sweep in the same window can try again.
func (s *Scheduler) warningPass(ctx context.Context, t *tally) error {
	now := s.nowF()
	horizon := now.Add(s.cfg.WarningWindow)
	accounts, err := s.store.Find(ctx, repository.Filter{
		Statuses:      []domain.Status{domain.StatusPending},
		ExpiresAfter:  &now,
		ExpiresBefore: &horizon,
		WarningUnsent: true,
	})
	if err != nil {
		return err
	}
	s.forEach(ctx, "warning", accounts, t, func(ctx context.Context, a *domain.Account) error {
		issuedAt := s.nowF().Truncate(time.Microsecond)
		_, err := s.store.ConditionalUpdate(ctx, a.ID,
			repository.Expectation{Status: domain.StatusPending, WarningUnsent: true},
			repository.Patch{WarningIssuedAt: &issuedAt},
		)
		if errors.Is(err, repository.ErrConflict) {
			return nil
		}
		if err != nil {
			return err
		}
		hours := hoursRemaining(a.RegistrationExpiresAt, issuedAt)
		if err := s.gateway.SendWarning(ctx, notify.Email(a.ContactEmail, a.DisplayName), hours); err != nil {
			_, rerr := s.store.ConditionalUpdate(context.WithoutCancel(ctx), a.ID,
				repository.Expectation{WarningIssuedAt: &issuedAt},
				repository.Patch{ClearWarning: true},
			)
			return errors.Join(err, rerr)
		}
		t.warned.Add(1)
		s.publish(a, events.TypeWarned, nil)
		return nil
	})
	return nil
}

// expirationPass tears down anything provisioned for Pending accounts past their window, marks
// them Expired and notifies them. Teardown must succeed before the account is marked Expired.
// The email token hash is kept so a late link is still reported as an expired registration; the
// hard delete removes it.
func (s *Scheduler) expirationPass(ctx context.Context, t *tally) error {
	now := s.nowF()
	bound := now.Add(time.Microsecond)
	accounts, err := s.store.Find(ctx, repository.Filter{
		Statuses:      []domain.Status{domain.StatusPending},
		ExpiresBefore: &bound,
	})
	if err != nil {
		return err
	}
	s.forEach(ctx, "expiration", accounts, t, func(ctx context.Context, a *domain.Account) error {
		if !a.RegistrationExpired(now) {
			return nil
		}
		cur := a
		if a.AnyProvisioned() {
			torn, err := s.engine.Deprovision(ctx, a)
			if err != nil {
				return err
			}
			cur = torn
		}
		expired, err := s.store.ConditionalUpdate(ctx, cur.ID,
			repository.Expectation{Status: domain.StatusPending},
			repository.Patch{
				Status:                 repository.StatusPtr(domain.StatusExpired),
				ClearPhoneChallenge:    true,
				ClearProvisioningClaim: true,
			},
		)
		if errors.Is(err, repository.ErrConflict) {
			return nil
		}
		if err != nil {
			return err
		}
		t.expired.Add(1)
		s.publish(expired, events.TypeExpired, nil)
		if err := s.gateway.SendExpirationNotice(ctx, notify.Email(expired.ContactEmail, expired.DisplayName)); err != nil {
			return err
		}
		return nil
	})
	return nil
}

// deletionPass hard-deletes accounts Expired for longer than the retention window. Each account is
// first moved Expired -> Deleted so concurrent sweeps delete it once; Deleted rows left by a failed
// delete are picked up again regardless of age.
func (s *Scheduler) deletionPass(ctx context.Context, t *tally) error {
	cutoff := s.nowF().Add(-s.cfg.Retention)
	expired, err := s.store.Find(ctx, repository.Filter{
		Statuses:      []domain.Status{domain.StatusExpired},
		UpdatedBefore: &cutoff,
	})
	if err != nil {
		return err
	}
	leftover, err := s.store.Find(ctx, repository.Filter{Statuses: []domain.Status{domain.StatusDeleted}})
	if err != nil {
		return err
	}
	s.forEach(ctx, "deletion", append(expired, leftover...), t, func(ctx context.Context, a *domain.Account) error {
		if a.Status == domain.StatusExpired {
			_, err := s.store.ConditionalUpdate(ctx, a.ID,
				repository.Expectation{Status: domain.StatusExpired},
				repository.Patch{Status: repository.StatusPtr(domain.StatusDeleted)},
			)
			if errors.Is(err, repository.ErrConflict) {
				return nil
			}
			if err != nil {
				return err
			}
		}
		deleted, err := s.store.Delete(ctx, a.ID)
		if err != nil {
			return err
		}
		if deleted {
			t.deleted.Add(1)
			s.publish(a, events.TypeDeleted, nil)
		}
		return nil
	})
	return nil
}

// retryPass re-runs provisioning for accounts left in Verified by an earlier failure.
func (s *Scheduler) retryPass(ctx context.Context, t *tally) error {
	if s.cfg.RetryStuckAfter <= 0 {
		return nil
	}
	cutoff := s.nowF().Add(-s.cfg.RetryStuckAfter)
	accounts, err := s.store.Find(ctx, repository.Filter{
		Statuses:      []domain.Status{domain.StatusVerified},
		UpdatedBefore: &cutoff,
	})
	if err != nil {
		return err
	}
	s.forEach(ctx, "retry", accounts, t, func(ctx context.Context, a *domain.Account) error {
		_, err := s.engine.Provision(ctx, a.ID)
		if errors.Is(err, provisioning.ErrInProgress) {
			return nil
		}
		if err != nil {
			return err
		}
		t.retried.Add(1)
		return nil
	})
	return nil
}

func (s *Scheduler) record(ctx context.Context, sum Summary) {
	for name, v := range map[string]int{
		"warned":   sum.Warned,
		"expired":  sum.Expired,
		"deleted":  sum.Deleted,
		"retried":  sum.Retried,
		"failures": sum.Failed,
	} {
		if c, ok := s.counters[name]; ok && v > 0 {
			c.Add(context.WithoutCancel(ctx), int64(v))
		}
	}
}

func (s *Scheduler) publish(a *domain.Account, typ events.Type, attrs map[string]string) {
	events.PublishAsync(s.publisher, events.Event{
		Type:       typ,
		AccountID:  a.ID,
		Handle:     a.Handle,
		Attributes: attrs,
		OccurredAt: s.nowF(),
	}, s.logger)
}

// hoursRemaining rounds the time left up to whole hours, minimum 1.
func hoursRemaining(expiresAt, now time.Time) int {
	h := int(math.Ceil(expiresAt.Sub(now).Hours()))
	if h < 1 {
		return 1
	}
	return h
}
