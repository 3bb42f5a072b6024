package executor

import (
	"context"

	"go.uber.org/zap"
)

// DryRunExecutor logs each operation instead of running it. Used for local development without root.
type DryRunExecutor struct {
	logger *zap.Logger
}

func NewDryRunExecutor(logger *zap.Logger) *DryRunExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DryRunExecutor{logger: logger}
}

func (e *DryRunExecutor) Run(ctx context.Context, op Operation, p Params) error {
	if !op.Valid() {
		return &ExecError{Op: op, Err: ErrUnknownOperation}
	}
	if err := ctx.Err(); err != nil {
		return &ExecError{Op: op, Transient: true, Err: err}
	}
	fields := []zap.Field{zap.String("op", string(op)), zap.String("user", p.Username)}
	if op == OpSetQuota {
		fields = append(fields, zap.Int("quota_mb", p.QuotaMB))
	}
	e.logger.Info("executor: dry run", fields...)
	return nil
}
