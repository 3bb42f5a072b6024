package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"membership-platform/backend/internal/account/domain"
	"membership-platform/backend/internal/account/repository"
	"membership-platform/backend/internal/executor"
	"membership-platform/backend/internal/executor/executortest"
	"membership-platform/backend/internal/notify"
	"membership-platform/backend/internal/provisioning"
	"membership-platform/backend/internal/verification"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	clock  *testClock
	store  *repository.MemoryStore
	fake   *executortest.Fake
	outbox *notify.Outbox
	sched  *Scheduler
	seq    int
}

func newEnv(t *testing.T, cfg Config, locker Locker) *env {
	t.Helper()
	c := &testClock{now: time.Date(2026, 5, 10, 3, 0, 0, 0, time.UTC)}
	store := repository.NewMemoryStore()
	store.SetClock(c.Now)
	fake := executortest.New()
	outbox := notify.NewOutbox(nil)
	eng := provisioning.NewEngine(store, fake, outbox, nil, provisioning.Config{RetryInitial: time.Millisecond}, nil)
	eng.SetClock(c.Now)
	sched := NewScheduler(store, eng, outbox, nil, locker, cfg, nil)
	sched.SetClock(c.Now)
	return &env{clock: c, store: store, fake: fake, outbox: outbox, sched: sched}
}

// addPending creates a Pending account registered age ago with a 48h window.
func (e *env) addPending(t *testing.T, handle string, age time.Duration, mut func(*domain.Account)) *domain.Account {
	t.Helper()
	created := e.clock.Now().Add(-age)
	e.seq++
	a := &domain.Account{
		ID:                    "id-" + handle,
		DisplayName:           "User " + handle,
		Handle:                handle,
		ContactEmail:          handle + "@example.com",
		PlatformEmail:         handle + "@cosmical.me",
		Phone:                 fmt.Sprintf("+1555%07d", e.seq),
		PasswordHash:          "hash",
		Status:                domain.StatusPending,
		RegistrationExpiresAt: created.Add(48 * time.Hour),
		CreatedAt:             created,
		UpdatedAt:             created,
	}
	if mut != nil {
		mut(a)
	}
	out, err := e.store.Create(context.Background(), a)
	if err != nil {
		t.Fatalf("Create %s: %v", handle, err)
	}
	return out
}

func (e *env) get(t *testing.T, id string) *domain.Account {
	t.Helper()
	a, err := e.store.FindOne(context.Background(), repository.Filter{ID: id})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestWarningPass_SendsOncePerWindow(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	a := e.addPending(t, "soon", 45*time.Hour, nil) // expires in 3h
	e.addPending(t, "later", 10*time.Hour, nil)     // expires in 38h
	ctx := context.Background()

	sum, err := e.sched.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if sum.Warned != 1 {
		t.Fatalf("warned = %d, want 1", sum.Warned)
	}
	sent := e.outbox.Sent()
	if len(sent) != 1 || sent[0].To.Address != a.ContactEmail || sent[0].Hours != 3 {
		t.Errorf("sent = %+v", sent)
	}
	if e.get(t, a.ID).WarningIssuedAt == nil {
		t.Error("warningIssuedAt should be set")
	}

	e.clock.Advance(30 * time.Minute)
	sum, _ = e.sched.RunOnce(ctx)
	if sum.Warned != 0 || e.outbox.Count("warning", "") != 1 {
		t.Errorf("second sweep warned again: %+v", sum)
	}
}

func TestWarningPass_DeliveryFailureIsRetryable(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	a := e.addPending(t, "soon", 46*time.Hour, nil)
	e.outbox.FailKind("warning", errors.New("smtp down"))

	sum, err := e.sched.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("per-account failures must not fail the sweep: %v", err)
	}
	if sum.Warned != 0 || sum.Failed != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if e.get(t, a.ID).WarningIssuedAt != nil {
		t.Error("warning claim should be reverted after delivery failure")
	}

	e.outbox.FailKind("warning", nil)
	sum, _ = e.sched.RunOnce(context.Background())
	if sum.Warned != 1 {
		t.Errorf("retry sweep warned = %d, want 1", sum.Warned)
	}
}

func TestSweep_ExpireThenDeleteAfterRetention(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	a := e.addPending(t, "novax", 50*time.Hour, nil)
	ctx := context.Background()

	sum, err := e.sched.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Expired != 1 || sum.Deleted != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	got := e.get(t, a.ID)
	if got.Status != domain.StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	if e.outbox.Count("expiration", a.ContactEmail) != 1 {
		t.Error("expiration notice not sent")
	}

	e.clock.Advance(6 * 24 * time.Hour)
	if sum, _ := e.sched.RunOnce(ctx); sum.Deleted != 0 {
		t.Fatal("deleted before the retention window elapsed")
	}
	e.clock.Advance(24*time.Hour + time.Minute)
	sum, _ = e.sched.RunOnce(ctx)
	if sum.Deleted != 1 {
		t.Fatalf("deleted = %d, want 1", sum.Deleted)
	}
	if e.get(t, a.ID) != nil {
		t.Error("account should be gone from the store")
	}
}

func TestExpirationPass_NoPendingLeftPastExpiry(t *testing.T) {
	e := newEnv(t, Config{Concurrency: 3}, nil)
	for i := range 12 {
		e.addPending(t, fmt.Sprintf("user%02d", i), time.Duration(49+i)*time.Hour, nil)
	}
	fresh := e.addPending(t, "fresh", time.Hour, nil)

	sum, err := e.sched.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Expired != 12 {
		t.Errorf("expired = %d, want 12", sum.Expired)
	}
	now := e.clock.Now()
	left, _ := e.store.Find(context.Background(), repository.Filter{Statuses: []domain.Status{domain.StatusPending}})
	for _, a := range left {
		if !now.Before(a.RegistrationExpiresAt) {
			t.Errorf("%s still pending past expiry", a.Handle)
		}
	}
	if e.get(t, fresh.ID).Status != domain.StatusPending {
		t.Error("unexpired account must stay pending")
	}
}

func TestExpirationPass_LateEmailLinkReportsRegistrationExpired(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	a := e.addPending(t, "late", 47*time.Hour, nil)
	ctx := context.Background()
	mgr := verification.NewManager(e.store, e.outbox, nil, nil, verification.Config{}, nil)
	mgr.SetClock(e.clock.Now)
	if err := mgr.IssueEmailChallenge(ctx, a); err != nil {
		t.Fatalf("IssueEmailChallenge: %v", err)
	}
	tok, ok := e.outbox.LastChallenge(a.ContactEmail)
	if !ok {
		t.Fatal("no email challenge delivered")
	}

	e.clock.Advance(2 * time.Hour)
	sum, err := e.sched.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Expired != 1 || e.get(t, a.ID).Status != domain.StatusExpired {
		t.Fatalf("summary = %+v", sum)
	}
	if _, err := mgr.ConsumeEmailToken(ctx, tok); !errors.Is(err, verification.ErrRegistrationExpired) {
		t.Errorf("got %v, want ErrRegistrationExpired", err)
	}
}

func TestExpirationPass_TearsDownBeforeExpiring(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	a := e.addPending(t, "racer", 49*time.Hour, func(a *domain.Account) {
		a.OSAccountProvisioned = true
		a.MailboxProvisioned = true
	})
	_ = e.fake.Run(context.Background(), executor.OpCreateAccount, executor.Params{Username: "racer"})
	_ = e.fake.Run(context.Background(), executor.OpCreateMailbox, executor.Params{Username: "racer"})

	sum, _ := e.sched.RunOnce(context.Background())
	if sum.Expired != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	got := e.get(t, a.ID)
	if got.Status != domain.StatusExpired || got.AnyProvisioned() {
		t.Errorf("status = %s, provisioned = %v", got.Status, got.AnyProvisioned())
	}
	if e.fake.Has("racer", executor.OpCreateAccount) || e.fake.Has("racer", executor.OpCreateMailbox) {
		t.Error("resources should be removed")
	}
}

func TestExpirationPass_FailureIsPerAccount(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	stuck := e.addPending(t, "stuck", 49*time.Hour, func(a *domain.Account) { a.OSAccountProvisioned = true })
	ok1 := e.addPending(t, "okone", 49*time.Hour, nil)
	ok2 := e.addPending(t, "oktwo", 60*time.Hour, nil)
	e.fake.FailWith(executor.OpDeleteAccount, &executor.ExecError{Op: executor.OpDeleteAccount, ExitCode: 12, Err: errors.New("cannot remove home")}, -1)

	sum, err := e.sched.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if sum.Expired != 2 || sum.Failed != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if got := e.get(t, stuck.ID); got.Status != domain.StatusPending || !got.OSAccountProvisioned {
		t.Error("account whose teardown failed must not be marked expired")
	}
	for _, a := range []*domain.Account{ok1, ok2} {
		if e.get(t, a.ID).Status != domain.StatusExpired {
			t.Errorf("%s should be expired", a.Handle)
		}
	}
}

func TestDeletionPass_ConcurrentSweepsDeleteOnce(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	for i := range 5 {
		e.addPending(t, fmt.Sprintf("gone%d", i), 50*time.Hour, nil)
	}
	if _, err := e.sched.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	e.clock.Advance(8 * 24 * time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sum, _ := e.sched.RunOnce(context.Background())
			mu.Lock()
			total += sum.Deleted
			mu.Unlock()
		}()
	}
	wg.Wait()
	if total != 5 {
		t.Errorf("total deleted across sweeps = %d, want 5", total)
	}
}

func TestDeletionPass_LeftoverDeletedRow(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	a := e.addPending(t, "leftover", 50*time.Hour, func(a *domain.Account) { a.Status = domain.StatusDeleted })
	sum, _ := e.sched.RunOnce(context.Background())
	if sum.Deleted != 1 || e.get(t, a.ID) != nil {
		t.Errorf("leftover Deleted row should be removed: %+v", sum)
	}
}

func TestRetryPass_ProvisionsStuckAccounts(t *testing.T) {
	e := newEnv(t, Config{RetryStuckAfter: 15 * time.Minute}, nil)
	a := e.addPending(t, "stuckv", 2*time.Hour, func(a *domain.Account) {
		a.Status = domain.StatusVerified
		a.EmailVerified = true
		a.PhoneVerified = true
	})
	sum, err := e.sched.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Retried != 1 || e.get(t, a.ID).Status != domain.StatusProvisioned {
		t.Errorf("summary = %+v, status = %s", sum, e.get(t, a.ID).Status)
	}
}

func TestRunOnce_TimeoutBounded(t *testing.T) {
	e := newEnv(t, Config{Timeout: 50 * time.Millisecond}, nil)
	e.addPending(t, "hung", 49*time.Hour, func(a *domain.Account) { a.OSAccountProvisioned = true })
	e.fake.Hang(executor.OpDeleteAccount)

	start := time.Now()
	_, err := e.sched.RunOnce(context.Background())
	if time.Since(start) > 5*time.Second {
		t.Fatal("sweep was not bounded by its timeout")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisLocker(t *testing.T) {
	client := newRedis(t)
	ctx := context.Background()
	l1 := NewRedisLocker(client, "")
	l2 := NewRedisLocker(client, "")

	release, ok, err := l1.Acquire(ctx, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first Acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := l2.Acquire(ctx, time.Minute); ok {
		t.Fatal("second Acquire should fail while held")
	}
	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	release2, ok, err := l2.Acquire(ctx, time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire after release: ok=%v err=%v", ok, err)
	}
	// A stale release must not drop someone else's lock.
	if err := release(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := l1.Acquire(ctx, time.Minute); ok {
		t.Error("stale release removed the current holder's lock")
	}
	_ = release2(ctx)
}

func TestRunOnce_SkipsWhenLockHeld(t *testing.T) {
	client := newRedis(t)
	locker := NewRedisLocker(client, "test:sweep")
	e := newEnv(t, Config{}, locker)
	e.addPending(t, "novax", 50*time.Hour, nil)

	release, ok, err := locker.Acquire(context.Background(), time.Minute)
	if err != nil || !ok {
		t.Fatal("could not take lock")
	}
	sum, err := e.sched.RunOnce(context.Background())
	if err != nil || !sum.Skipped || sum.Expired != 0 {
		t.Fatalf("sum = %+v err = %v, want skipped", sum, err)
	}
	_ = release(context.Background())

	sum, err = e.sched.RunOnce(context.Background())
	if err != nil || sum.Skipped || sum.Expired != 1 {
		t.Fatalf("sum = %+v err = %v", sum, err)
	}
}

func TestHoursRemaining(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		left time.Duration
		want int
	}{
		{4 * time.Hour, 4},
		{3*time.Hour + time.Minute, 4},
		{10 * time.Minute, 1},
		{-time.Minute, 1},
	}
	for _, tc := range tests {
		if got := hoursRemaining(now.Add(tc.left), now); got != tc.want {
			t.Errorf("hoursRemaining(%v) = %d, want %d", tc.left, got, tc.want)
		}
	}
}

func TestNewCron(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	if _, err := NewCron("not a cron", e.sched, nil); err == nil {
		t.Error("invalid cron expression should fail")
	}
	c, err := NewCron("0 3 * * *", e.sched, nil)
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}
	c.Start()
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestCronStop_CancelsRunningSweep(t *testing.T) {
	started := make(chan struct{})
	c, err := newCron("0 3 * * *", func(ctx context.Context) (Summary, error) {
		close(started)
		<-ctx.Done()
		return Summary{}, ctx.Err()
	}, nil)
	if err != nil {
		t.Fatalf("newCron: %v", err)
	}
	finished := make(chan struct{})
	go func() {
		c.job()
		close(finished)
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("running sweep was not cancelled by Stop")
	}
}
