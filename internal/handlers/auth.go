package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/veridian-labs/stepfactor/internal/models"
	"github.com/veridian-labs/stepfactor/internal/settings"
	"github.com/veridian-labs/stepfactor/internal/stepup"
	"github.com/veridian-labs/stepfactor/pkg/httpx"
	pkglogger "github.com/veridian-labs/stepfactor/pkg/logger"
)

// AuthHandler drives the login-time challenge flow.
type AuthHandler struct {
	controller *stepup.Controller
	facade     *settings.Facade
	tokens     *stepup.TokenManager
	timeout    time.Duration
	sessionTTL time.Duration
	audit      *pkglogger.AuditLogger
	logger     *slog.Logger
}

func NewAuthHandler(controller *stepup.Controller, facade *settings.Facade, tokens *stepup.TokenManager, timeout, sessionTTL time.Duration, audit *pkglogger.AuditLogger, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		controller: controller,
		facade:     facade,
		tokens:     tokens,
		timeout:    timeout,
		sessionTTL: sessionTTL,
		audit:      audit,
		logger:     logger,
	}
}

// Challenge handles POST /auth/challenge. When the account has active
// factors the pending login is suspended behind a step-up challenge;
// otherwise the login may proceed directly.
func (h *AuthHandler) Challenge(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteBadRequest(w, "Invalid request")
		return
	}
	if err := ValidateRequest(req); err != nil {
		httpx.WriteBadRequest(w, err.Error())
		return
	}

	factors, err := h.facade.ActiveFactors(r.Context(), req.Username)
	if err != nil {
		h.logger.Error("failed to enumerate active factors",
			slog.String("username", pkglogger.SanitizedUsername(req.Username)),
			slog.Any("error", err))
		httpx.WriteInternalError(w, "Challenge failed")
		return
	}

	if len(factors) == 0 {
		httpx.WriteJSON(w, http.StatusOK, ChallengeResponse{Required: false})
		return
	}

	sess, err := h.controller.Challenge(r.Context(), req.Username, req.Password, factors)
	if err != nil {
		h.logger.Error("failed to issue challenge", slog.Any("error", err))
		httpx.WriteInternalError(w, "Challenge failed")
		return
	}

	expiresAt := sess.IssuedAt.Add(h.timeout)
	token, err := h.tokens.Mint(sess.ID, expiresAt)
	if err != nil {
		h.logger.Error("failed to mint challenge token", slog.Any("error", err))
		httpx.WriteInternalError(w, "Challenge failed")
		return
	}

	methods := make([]string, 0, len(sess.Factors))
	for _, factorID := range sess.Factors {
		methods = append(methods, models.MethodOf(factorID))
	}

	h.audit.LogChallenge("challenge_issued", req.Username, httpx.ExtractClientIP(r, nil), nil)

	httpx.WriteJSON(w, http.StatusOK, ChallengeResponse{
		Required:       true,
		ChallengeToken: token,
		Nonce:          sess.Nonce,
		Methods:        methods,
		ExpiresAt:      expiresAt,
	})
}

// VerifyLogin handles POST /auth/verify. All failure modes collapse into one
// generic 401 so a caller cannot distinguish wrong code from expired
// challenge.
func (h *AuthHandler) VerifyLogin(w http.ResponseWriter, r *http.Request) {
	var req VerifyLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteBadRequest(w, "Invalid request")
		return
	}
	if err := ValidateRequest(req); err != nil {
		httpx.WriteBadRequest(w, err.Error())
		return
	}

	sessionID, err := h.tokens.Parse(req.ChallengeToken)
	if err != nil {
		httpx.WriteUnauthorized(w, "Verification failed")
		return
	}

	result, err := h.controller.VerifyLogin(r.Context(), sessionID, req.Fields)
	if err != nil {
		h.audit.LogVerification(pkglogger.AuditEvent{
			EventType:     "login_verification",
			IPAddress:     httpx.ExtractClientIP(r, nil),
			Success:       false,
			FailureReason: err.Error(),
		})
		httpx.WriteUnauthorized(w, "Verification failed")
		return
	}

	h.audit.LogVerification(pkglogger.AuditEvent{
		EventType: "login_verification",
		Username:  result.Username,
		IPAddress: httpx.ExtractClientIP(r, nil),
		Success:   true,
	})

	sess, err := h.controller.StartInteractive(r.Context(), result.Username)
	if err != nil {
		h.logger.Error("failed to start session", slog.Any("error", err))
		httpx.WriteInternalError(w, "Verification failed")
		return
	}

	sessionToken, err := h.tokens.Mint(sess.ID, time.Now().Add(h.sessionTTL))
	if err != nil {
		h.logger.Error("failed to mint session token", slog.Any("error", err))
		httpx.WriteInternalError(w, "Verification failed")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, VerifyLoginResponse{
		Success:      true,
		Username:     result.Username,
		SessionToken: sessionToken,
	})
}

// Abandon handles POST /auth/abandon, discarding a pending challenge.
func (h *AuthHandler) Abandon(w http.ResponseWriter, r *http.Request) {
	var req AbandonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteBadRequest(w, "Invalid request")
		return
	}
	if err := ValidateRequest(req); err != nil {
		httpx.WriteBadRequest(w, err.Error())
		return
	}

	if sessionID, err := h.tokens.Parse(req.ChallengeToken); err == nil {
		h.controller.Abandon(r.Context(), sessionID)
	}

	w.WriteHeader(http.StatusNoContent)
}

// StartSession handles POST /session for accounts the fronting application
// authenticated without a second factor requirement.
func (h *AuthHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteBadRequest(w, "Invalid request")
		return
	}
	if err := ValidateRequest(req); err != nil {
		httpx.WriteBadRequest(w, err.Error())
		return
	}

	sess, err := h.controller.StartInteractive(r.Context(), req.Username)
	if err != nil {
		h.logger.Error("failed to start session", slog.Any("error", err))
		httpx.WriteInternalError(w, "Session creation failed")
		return
	}

	token, err := h.tokens.Mint(sess.ID, time.Now().Add(h.sessionTTL))
	if err != nil {
		h.logger.Error("failed to mint session token", slog.Any("error", err))
		httpx.WriteInternalError(w, "Session creation failed")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, StartSessionResponse{SessionToken: token})
}
