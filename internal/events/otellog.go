package events

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// recordEmitter is the subset of otellog.Logger used here; tests substitute a capture.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// LogEmitter publishes events as OTel log records.
type LogEmitter struct {
	logger recordEmitter
}

// NewLogEmitter returns a Nop publisher when provider is nil.
func NewLogEmitter(provider *sdklog.LoggerProvider) Publisher {
	if provider == nil {
		return Nop{}
	}
	return &LogEmitter{logger: provider.Logger("membership.lifecycle")}
}

func newLogEmitterWithLogger(l recordEmitter) *LogEmitter { return &LogEmitter{logger: l} }

func (e *LogEmitter) Publish(ctx context.Context, ev Event) error {
	rec := otellog.Record{}
	ts := ev.OccurredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue(string(ev.Type)))
	rec.AddAttributes(
		otellog.String("event_type", string(ev.Type)),
		otellog.String("account_id", ev.AccountID),
	)
	if ev.Handle != "" {
		rec.AddAttributes(otellog.String("handle", ev.Handle))
	}
	for k, v := range ev.Attributes {
		rec.AddAttributes(otellog.String(k, v))
	}
	e.logger.Emit(ctx, rec)
	return nil
}
