package cleanup

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Cron triggers Scheduler.RunOnce on a standard five-field cron spec. A run still in progress
// when the next tick fires causes that tick to be skipped. Stop cancels a running sweep.
type Cron struct {
	c      *cron.Cron
	job    func()
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// NewCron schedules s on spec (e.g. "0 3 * * *").
func NewCron(spec string, s *Scheduler, logger *zap.Logger) (*Cron, error) {
	return newCron(spec, s.RunOnce, logger)
}

func newCron(spec string, run func(context.Context) (Summary, error), logger *zap.Logger) (*Cron, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cr := &Cron{ctx: ctx, cancel: cancel, logger: logger}
	cr.job = func() {
		if _, err := run(cr.ctx); err != nil {
			logger.Error("cleanup: scheduled sweep finished with errors", zap.Error(err))
		}
	}
	cl := cronLogger{l: logger.Sugar()}
	cr.c = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := cr.c.AddFunc(spec, cr.job); err != nil {
		cancel()
		return nil, err
	}
	return cr, nil
}

// Start runs the schedule in its own goroutine.
func (c *Cron) Start() {
	c.c.Start()
	c.logger.Info("cleanup: cron started")
}

// Stop stops scheduling, cancels a running sweep and waits for it to return or ctx to end.
func (c *Cron) Stop(ctx context.Context) error {
	done := c.c.Stop()
	c.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
