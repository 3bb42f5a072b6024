// Package handler exposes registration, verification and provisioning over HTTP.
package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"membership-platform/backend/internal/account/domain"
	"membership-platform/backend/internal/account/repository"
	"membership-platform/backend/internal/http/response"
	"membership-platform/backend/internal/logging"
	"membership-platform/backend/internal/provisioning"
	"membership-platform/backend/internal/registration"
	"membership-platform/backend/internal/verification"
)

const maxBodyBytes = 64 << 10

// Registerer creates Pending accounts.
type Registerer interface {
	Register(ctx context.Context, in registration.Input) (*registration.Result, error)
}

// Verifier issues and consumes verification challenges.
type Verifier interface {
	ConsumeEmailToken(ctx context.Context, token string) (*domain.Account, error)
	ConsumePhoneCode(ctx context.Context, phone, code string) (*domain.Account, error)
	RequestPhoneCode(ctx context.Context, phone string) (*domain.Account, error)
	ResendEmailChallenge(ctx context.Context, identifier string) (*domain.Account, error)
}

// Provisioner runs provisioning for a Verified account.
type Provisioner interface {
	Provision(ctx context.Context, accountID string) (*domain.Account, error)
}

// AccountHandler serves the /v1/accounts endpoints.
type AccountHandler struct {
	registrar   Registerer
	verifier    Verifier
	provisioner Provisioner
	store       repository.Store
	adminToken  string
	logger      *zap.Logger
}

// NewAccountHandler builds the handler. An empty adminToken disables the operator provision endpoint.
func NewAccountHandler(registrar Registerer, verifier Verifier, provisioner Provisioner, store repository.Store, adminToken string, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{
		registrar:   registrar,
		verifier:    verifier,
		provisioner: provisioner,
		store:       store,
		adminToken:  adminToken,
		logger:      logging.OrNop(logger),
	}
}

// AccountView is the public representation of an account. Secrets and challenge hashes are never exposed.
type AccountView struct {
	ID                    string    `json:"id"`
	Handle                string    `json:"handle"`
	DisplayName           string    `json:"display_name"`
	ContactEmail          string    `json:"contact_email"`
	PlatformEmail         string    `json:"platform_email"`
	Status                string    `json:"status"`
	EmailVerified         bool      `json:"email_verified"`
	PhoneVerified         bool      `json:"phone_verified"`
	OSAccountProvisioned  bool      `json:"os_account_provisioned"`
	MailboxProvisioned    bool      `json:"mailbox_provisioned"`
	StorageProvisioned    bool      `json:"storage_provisioned"`
	RegistrationExpiresAt time.Time `json:"registration_expires_at"`
	CreatedAt             time.Time `json:"created_at"`
}

func toView(a *domain.Account) AccountView {
	return AccountView{
		ID:                    a.ID,
		Handle:                a.Handle,
		DisplayName:           a.DisplayName,
		ContactEmail:          a.ContactEmail,
		PlatformEmail:         a.PlatformEmail,
		Status:                string(a.Status),
		EmailVerified:         a.EmailVerified,
		PhoneVerified:         a.PhoneVerified,
		OSAccountProvisioned:  a.OSAccountProvisioned,
		MailboxProvisioned:    a.MailboxProvisioned,
		StorageProvisioned:    a.StorageProvisioned,
		RegistrationExpiresAt: a.RegistrationExpiresAt,
		CreatedAt:             a.CreatedAt,
	}
}

// PublicAccountView is what an unauthenticated lookup sees: verification and provisioning
// progress collapse into pending, active or expired, and no contact details are returned.
type PublicAccountView struct {
	Handle                string     `json:"handle"`
	Status                string     `json:"status"`
	RegistrationExpiresAt *time.Time `json:"registration_expires_at,omitempty"`
}

func toPublicView(a *domain.Account) PublicAccountView {
	v := PublicAccountView{Handle: a.Handle}
	switch a.Status {
	case domain.StatusProvisioned:
		v.Status = "active"
	case domain.StatusExpired, domain.StatusDeleted:
		v.Status = "expired"
	default:
		v.Status = "pending"
		exp := a.RegistrationExpiresAt
		v.RegistrationExpiresAt = &exp
	}
	return v
}

type registerRequest struct {
	DisplayName string `json:"display_name"`
	Handle      string `json:"handle"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	Password    string `json:"password"`
}

type registerResponse struct {
	Account            AccountView `json:"account"`
	ChallengeDelivered bool        `json:"challenge_delivered"`
}

// Register handles POST /v1/accounts.
func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.registrar.Register(r.Context(), registration.Input{
		DisplayName: req.DisplayName,
		Handle:      req.Handle,
		Email:       req.Email,
		Phone:       req.Phone,
		Password:    req.Password,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusCreated, registerResponse{Account: toView(res.Account), ChallengeDelivered: res.ChallengeDelivered})
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

// VerifyEmail handles POST /v1/accounts/verify-email.
func (h *AccountHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.verifier.ConsumeEmailToken(r.Context(), req.Token)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, toView(a))
}

type phoneCodeRequest struct {
	Phone string `json:"phone"`
}

// RequestPhoneCode handles POST /v1/accounts/phone-code. Unknown numbers get the same answer as known ones.
func (h *AccountHandler) RequestPhoneCode(w http.ResponseWriter, r *http.Request) {
	var req phoneCodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, err := h.verifier.RequestPhoneCode(r.Context(), req.Phone); err != nil && !errors.Is(err, verification.ErrAccountNotFound) {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusAccepted, map[string]string{"message": "if the number is registered, a code has been sent"})
}

type verifyPhoneRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

// VerifyPhone handles POST /v1/accounts/verify-phone.
func (h *AccountHandler) VerifyPhone(w http.ResponseWriter, r *http.Request) {
	var req verifyPhoneRequest
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.verifier.ConsumePhoneCode(r.Context(), req.Phone, req.Code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, toView(a))
}

type resendEmailRequest struct {
	// Identifier is a handle or a contact email.
	Identifier string `json:"identifier"`
}

// ResendEmail handles POST /v1/accounts/resend-email.
func (h *AccountHandler) ResendEmail(w http.ResponseWriter, r *http.Request) {
	var req resendEmailRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, err := h.verifier.ResendEmailChallenge(r.Context(), req.Identifier); err != nil && !errors.Is(err, verification.ErrAccountNotFound) {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusAccepted, map[string]string{"message": "if the account exists, a verification email has been sent"})
}

// Get handles GET /v1/accounts/{handle}. Callers with the admin token get the full view.
func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if h.authorized(r) {
		response.JSON(w, r, http.StatusOK, toView(a))
		return
	}
	response.JSON(w, r, http.StatusOK, toPublicView(a))
}

// Provision handles POST /v1/accounts/{handle}/provision, the operator retry for accounts left Verified.
func (h *AccountHandler) Provision(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid admin token", nil)
		return
	}
	a, ok := h.lookup(w, r)
	if !ok {
		return
	}
	out, err := h.provisioner.Provision(r.Context(), a.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, toView(out))
}

func (h *AccountHandler) lookup(w http.ResponseWriter, r *http.Request) (*domain.Account, bool) {
	handle := domain.NormalizeHandle(chi.URLParam(r, "handle"))
	a, err := h.store.FindOne(r.Context(), repository.Filter{Handle: handle})
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	if a == nil {
		response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "account not found", nil)
		return nil, false
	}
	return a, true
}

func (h *AccountHandler) authorized(r *http.Request) bool {
	got := r.Header.Get("X-Admin-Token")
	return h.adminToken != "" && got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(h.adminToken)) == 1
}

func (h *AccountHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body", nil)
		return false
	}
	return true
}

// writeError maps domain errors to status codes and stable error codes.
func (h *AccountHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	var dup *registration.DuplicateResourceError
	var perr *provisioning.ProvisioningFailedError
	switch {
	case errors.As(err, &verr):
		response.Error(w, r, http.StatusBadRequest, "VALIDATION_ERROR", verr.Error(), map[string]string{"field": verr.Field})
	case errors.As(err, &dup):
		response.Error(w, r, http.StatusConflict, "DUPLICATE_RESOURCE", dup.Error(), map[string]string{"field": dup.Field})
	case errors.Is(err, verification.ErrInvalidOrExpired):
		response.Error(w, r, http.StatusBadRequest, "INVALID_OR_EXPIRED", "verification token or code is invalid or expired", nil)
	case errors.Is(err, verification.ErrRegistrationExpired):
		response.Error(w, r, http.StatusGone, "REGISTRATION_EXPIRED", "registration window has closed; register again", nil)
	case errors.Is(err, verification.ErrAccountNotFound):
		response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "account not found", nil)
	case errors.Is(err, verification.ErrDeliveryFailed):
		response.Error(w, r, http.StatusBadGateway, "DELIVERY_FAILED", "verification message could not be delivered; try again", nil)
	case errors.Is(err, provisioning.ErrNotVerified):
		response.Error(w, r, http.StatusConflict, "NOT_VERIFIED", "account is not verified", nil)
	case errors.Is(err, provisioning.ErrInProgress):
		response.Error(w, r, http.StatusConflict, "PROVISIONING_IN_PROGRESS", "provisioning is already running", nil)
	case errors.As(err, &perr):
		h.logger.Warn("http: provisioning failed", zap.String("step", string(perr.Step)), zap.Error(perr.Cause))
		response.Error(w, r, http.StatusBadGateway, "PROVISIONING_FAILED", "provisioning failed; it can be retried", map[string]string{"step": string(perr.Step)})
	default:
		h.logger.Error("http: request failed", zap.String("path", r.URL.Path), zap.Error(err))
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}
