// Package app assembles the account lifecycle components from config. The API server and the cleanup
// worker share one wiring so both see the same store, executor, gateway and event fan-out.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"membership-platform/backend/internal/account/repository"
	"membership-platform/backend/internal/audit"
	auditrepo "membership-platform/backend/internal/audit/repository"
	"membership-platform/backend/internal/config"
	"membership-platform/backend/internal/db"
	"membership-platform/backend/internal/events"
	"membership-platform/backend/internal/executor"
	"membership-platform/backend/internal/notify"
	"membership-platform/backend/internal/provisioning"
	"membership-platform/backend/internal/registration"
	"membership-platform/backend/internal/security"
	"membership-platform/backend/internal/telemetry/otel"
	"membership-platform/backend/internal/verification"
)

const dbOpenTimeout = 10 * time.Second

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Telemetry *otel.Providers
	DB        *sql.DB
	Store     repository.Store
	// Outbox is set when notices are captured instead of delivered (development only).
	Outbox    *notify.Outbox
	Gateway   notify.Gateway
	Publisher events.Publisher
	Audit     *audit.Logger
	Engine    *provisioning.Engine
	Verifier  *verification.Manager
	Registrar *registration.Service

	closers []func(context.Context) error
}

// New wires every component for the named process ("server" or "worker").
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, component string) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	if err := a.init(ctx, component); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, component string) error {
	cfg, logger := a.Config, a.Logger

	providers, err := otel.NewProviders(ctx, otel.Options{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		ServiceName: cfg.OTelServiceName,
		Component:   component,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	providers.SetGlobal()
	a.Telemetry = providers
	a.closers = append(a.closers, providers.Shutdown)

	var auditRepo auditrepo.Repository
	if cfg.DatabaseURL != "" {
		openCtx, cancel := context.WithTimeout(ctx, dbOpenTimeout)
		defer cancel()
		conn, err := db.Open(openCtx, cfg.DatabaseURL, db.PoolConfig{MaxOpenConns: cfg.DBMaxOpenConns, ConnMaxLifetime: 30 * time.Minute})
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		a.DB = conn
		a.closers = append(a.closers, func(context.Context) error { return conn.Close() })
		a.Store = repository.NewPostgresStore(conn)
		auditRepo = auditrepo.NewPostgresRepository(conn)
	} else {
		logger.Warn("app: DATABASE_URL not set; using in-memory account store private to this process",
			zap.String("component", component),
			zap.Bool("shared_with_other_processes", false))
		a.Store = repository.NewMemoryStore()
	}
	a.Audit = audit.NewLogger(auditRepo, logger)

	gateway, outbox, err := newGateway(cfg, logger)
	if err != nil {
		return err
	}
	a.Gateway, a.Outbox = gateway, outbox

	kafka := events.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.LifecycleKafkaTopic)
	fanout := events.Fanout{events.NewLogEmitter(providers.LoggerProvider)}
	if kafka != nil {
		// The worker's consumer writes the audit trail from the topic.
		fanout = append(fanout, kafka)
		a.closers = append(a.closers, func(context.Context) error { return kafka.Close() })
	} else {
		fanout = append(fanout, a.Audit)
	}
	a.Publisher = fanout

	var exec executor.Executor
	if cfg.DryRunExecutor {
		logger.Warn("app: dry-run executor; no OS resources will be created")
		exec = executor.NewDryRunExecutor(logger)
	} else {
		exec = executor.NewShellExecutor(cfg.UseSudo, cfg.StepTimeoutDuration(), logger)
	}

	a.Engine = provisioning.NewEngine(a.Store, exec, a.Gateway, a.Publisher, provisioning.Config{
		SkipQuota:   cfg.ProvisioningMode == config.ModeSkipQuota,
		QuotaMB:     cfg.StorageQuotaMB,
		Shell:       cfg.DefaultShell,
		Group:       cfg.UserGroup,
		HomeRoot:    cfg.HomeRoot,
		StepTimeout: cfg.StepTimeoutDuration(),
		MaxRetries:  cfg.ExecMaxRetries,
		AlertEmail:  cfg.AlertEmail,
	}, logger)
	a.Verifier = verification.NewManager(a.Store, a.Gateway, a.Engine, a.Publisher, verification.Config{
		EmailTokenTTL:    cfg.EmailTokenLifetime(),
		PhoneCodeTTL:     cfg.PhoneCodeLifetime(),
		MaxPhoneAttempts: cfg.PhoneMaxAttempts,
	}, logger)
	a.Registrar = registration.NewService(a.Store, security.NewHasher(cfg.BcryptCost), a.Verifier, a.Publisher, registration.Config{
		RegistrationExpiry:  cfg.RegistrationExpiry(),
		PlatformEmailDomain: cfg.PlatformEmailDomain,
	}, logger)
	return nil
}

// newGateway picks real delivery when both SMTP and SMS are configured, otherwise the log-only outbox.
func newGateway(cfg *config.Config, logger *zap.Logger) (notify.Gateway, *notify.Outbox, error) {
	templates := notify.Templates{FrontendURL: cfg.FrontendURL}
	if cfg.SMTPHost != "" && cfg.SMSLocalAPIKey != "" {
		mailer, err := notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("smtp: %w", err)
		}
		texter := notify.NewSMSLocalClient(cfg.SMSLocalAPIKey, cfg.SMSLocalBaseURL, cfg.SMSLocalSender)
		return notify.NewDispatcher(mailer, texter, templates, logger), nil, nil
	}
	if cfg.IsProduction() {
		return nil, nil, errors.New("app: SMTP_HOST and SMS_LOCAL_API_KEY are required when APP_ENV=production")
	}
	logger.Warn("app: SMTP or SMS not configured; notices are logged to the outbox only")
	outbox := notify.NewOutbox(logger)
	return outbox, outbox, nil
}

// Ready pings the database when one is configured.
func (a *App) Ready(ctx context.Context) error {
	if a.DB == nil {
		return nil
	}
	return a.DB.PingContext(ctx)
}

// Close waits for in-flight async publishes, then releases resources in reverse order.
func (a *App) Close(ctx context.Context) error {
	if len(a.closers) == 0 {
		return nil
	}
	if a.Publisher != nil {
		select {
		case <-time.After(events.ShutdownDrainDuration):
		case <-ctx.Done():
		}
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
