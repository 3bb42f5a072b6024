package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"membership-platform/backend/internal/http/response"
	"membership-platform/backend/internal/logging"
	"membership-platform/backend/internal/notify"
)

const requestTimeout = 60 * time.Second

// RouterConfig wires the API routes.
type RouterConfig struct {
	Accounts *AccountHandler
	// Ready reports whether dependencies (the database) are reachable. Nil means always ready.
	Ready func(context.Context) error
	// Outbox, when set, exposes captured notices at /v1/dev/outbox. Never set in production.
	Outbox *notify.Outbox
	Logger *zap.Logger
}

// NewRouter returns the chi router for the registration API.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := logging.OrNop(cfg.Logger)
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(requestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil {
			if err := cfg.Ready(r.Context()); err != nil {
				logger.Warn("http: not ready", zap.Error(err))
				response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", nil)
				return
			}
		}
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Route("/v1/accounts", func(r chi.Router) {
		h := cfg.Accounts
		r.Post("/", h.Register)
		r.Post("/verify-email", h.VerifyEmail)
		r.Post("/phone-code", h.RequestPhoneCode)
		r.Post("/verify-phone", h.VerifyPhone)
		r.Post("/resend-email", h.ResendEmail)
		r.Get("/{handle}", h.Get)
		r.Post("/{handle}/provision", h.Provision)
	})

	if cfg.Outbox != nil {
		r.Get("/v1/dev/outbox", func(w http.ResponseWriter, r *http.Request) {
			response.JSON(w, r, http.StatusOK, cfg.Outbox.Sent())
		})
	}
	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http: request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			)
		})
	}
}
