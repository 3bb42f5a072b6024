package app

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"membership-platform/backend/internal/account/repository"
	"membership-platform/backend/internal/config"
	"membership-platform/backend/internal/notify"
)

func devConfig() *config.Config {
	return &config.Config{
		HTTPAddr:                ":0",
		RegistrationExpiryHours: 48,
		WarningWindowHours:      4,
		RetentionDays:           7,
		ProvisioningMode:        config.ModeFull,
		StorageQuotaMB:          100,
		DryRunExecutor:          true,
		BcryptCost:              4,
		PlatformEmailDomain:     "cosmical.me",
		OTelServiceName:         "membership-test",
	}
}

func closeNow(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Close(ctx); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestNew_DevelopmentWiring(t *testing.T) {
	a, err := New(context.Background(), devConfig(), zap.NewNop(), "server")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closeNow(t, a)

	if _, ok := a.Store.(*repository.MemoryStore); !ok {
		t.Errorf("store = %T, want in-memory without DATABASE_URL", a.Store)
	}
	if a.Outbox == nil || a.Gateway != notify.Gateway(a.Outbox) {
		t.Error("gateway should be the outbox without SMTP/SMS config")
	}
	if a.Engine == nil || a.Verifier == nil || a.Registrar == nil || a.Publisher == nil {
		t.Fatal("components not wired")
	}
	if err := a.Ready(context.Background()); err != nil {
		t.Errorf("Ready without DB: %v", err)
	}
}

func TestNew_ProductionRequiresDelivery(t *testing.T) {
	cfg := devConfig()
	cfg.Env = "production"
	if _, err := New(context.Background(), cfg, zap.NewNop(), "server"); err == nil {
		t.Fatal("production without SMTP/SMS should fail")
	}
}

func TestNewGateway_RealDelivery(t *testing.T) {
	cfg := devConfig()
	cfg.SMTPHost = "smtp.example.com"
	cfg.MailFrom = "no-reply@cosmical.me"
	cfg.SMSLocalAPIKey = "key"
	gw, outbox, err := newGateway(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("newGateway: %v", err)
	}
	if outbox != nil {
		t.Error("outbox should be nil with real delivery")
	}
	if _, ok := gw.(*notify.Dispatcher); !ok {
		t.Errorf("gateway = %T, want *notify.Dispatcher", gw)
	}
}

func TestNew_InMemoryStoreWarnsItIsPerProcess(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	a, err := New(context.Background(), devConfig(), zap.New(core), "worker")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closeNow(t, a)

	entries := logs.FilterMessageSnippet("in-memory account store").All()
	if len(entries) != 1 {
		t.Fatalf("warnings = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["component"] != "worker" || fields["shared_with_other_processes"] != false {
		t.Errorf("fields = %v", fields)
	}
}
