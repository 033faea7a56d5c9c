package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/veridian-labs/stepfactor/internal/models"
	"github.com/veridian-labs/stepfactor/internal/settings"
	"github.com/veridian-labs/stepfactor/internal/stepup"
	"github.com/veridian-labs/stepfactor/pkg/httpx"
	pkglogger "github.com/veridian-labs/stepfactor/pkg/logger"
)

// SettingsHandler exposes factor management to the presentation layer.
type SettingsHandler struct {
	facade     *settings.Facade
	controller *stepup.Controller
	tokens     *stepup.TokenManager
	audit      *pkglogger.AuditLogger
	logger     *slog.Logger
}

func NewSettingsHandler(facade *settings.Facade, controller *stepup.Controller, tokens *stepup.TokenManager, audit *pkglogger.AuditLogger, logger *slog.Logger) *SettingsHandler {
	return &SettingsHandler{
		facade:     facade,
		controller: controller,
		tokens:     tokens,
		audit:      audit,
		logger:     logger,
	}
}

// session resolves the settings session from the Authorization bearer token.
func (h *SettingsHandler) session(r *http.Request) *models.StepUpSession {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return nil
	}

	sessionID, err := h.tokens.Parse(raw)
	if err != nil {
		return nil
	}

	sess, err := h.controller.Session(r.Context(), sessionID)
	if err != nil {
		return nil
	}
	return sess
}

// ListFactors handles GET /settings/factors.
func (h *SettingsHandler) ListFactors(w http.ResponseWriter, r *http.Request) {
	sess := h.session(r)
	if sess == nil {
		httpx.WriteUnauthorized(w, "Unauthorized")
		return
	}

	factors, err := h.facade.ListFactors(r.Context(), sess.Username)
	if err != nil {
		h.logger.Error("failed to list factors", slog.Any("error", err))
		writeError(w, err, "Could not load factors")
		return
	}

	resp := ListFactorsResponse{Factors: make([]FactorResponse, 0, len(factors))}
	for _, f := range factors {
		resp.Factors = append(resp.Factors, FactorResponse{
			ID:      f.ID,
			Method:  f.Method,
			Active:  f.Active,
			Label:   f.Label,
			Created: f.Created,
		})
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

// Enroll handles POST /settings/factors/enroll.
func (h *SettingsHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	sess := h.session(r)
	if sess == nil {
		httpx.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteBadRequest(w, "Invalid request")
		return
	}
	if err := ValidateRequest(req); err != nil {
		httpx.WriteBadRequest(w, err.Error())
		return
	}

	enrollment, err := h.facade.StartEnrollment(r.Context(), sess.Username, req.Method)
	if err != nil {
		if errors.Is(err, models.ErrUnknownMethod) {
			httpx.WriteBadRequest(w, "Unknown method")
			return
		}
		h.logger.Error("failed to start enrollment",
			slog.String("method", req.Method),
			slog.Any("error", err))
		writeError(w, err, "Enrollment failed")
		return
	}

	h.audit.LogFactorChange("factor_enrollment_started", sess.Username, enrollment.ID, httpx.ExtractClientIP(r, nil), true)

	httpx.WriteJSON(w, http.StatusOK, enrollment)
}

// SaveFactor handles POST /settings/factors/save.
func (h *SettingsHandler) SaveFactor(w http.ResponseWriter, r *http.Request) {
	sess := h.session(r)
	if sess == nil {
		httpx.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req SaveFactorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteBadRequest(w, "Invalid request")
		return
	}
	if err := ValidateRequest(req); err != nil {
		httpx.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.facade.SaveFactor(r.Context(), sess.Username, req.ID, req.Props, req.Code, timestampOrNow(req.Timestamp))
	if err != nil {
		if errors.Is(err, models.ErrUnknownMethod) {
			httpx.WriteBadRequest(w, "Unknown method")
			return
		}
		h.logger.Error("failed to save factor", slog.Any("error", err))
		writeError(w, err, "Could not save factor")
		return
	}

	h.audit.LogFactorChange("factor_saved", sess.Username, result.ID, httpx.ExtractClientIP(r, nil), result.Success)

	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	httpx.WriteJSON(w, status, result)
}

// DeleteFactor handles DELETE /settings/factors/{id}. Without fresh
// high-security mode the deletion is queued and 403 tells the client to run
// a verification first.
func (h *SettingsHandler) DeleteFactor(w http.ResponseWriter, r *http.Request) {
	sess := h.session(r)
	if sess == nil {
		httpx.WriteUnauthorized(w, "Unauthorized")
		return
	}

	factorID := chi.URLParam(r, "id")
	if factorID == "" {
		httpx.WriteBadRequest(w, "Factor id is required")
		return
	}

	err := h.facade.DeleteFactor(r.Context(), sess, factorID)
	if err != nil {
		if errors.Is(err, models.ErrNotSecured) {
			httpx.WriteJSON(w, http.StatusForbidden, DeleteFactorResponse{
				Success:  false,
				Deferred: true,
				Message:  "verification required",
			})
			return
		}
		if errors.Is(err, models.ErrUnknownMethod) {
			httpx.WriteBadRequest(w, "Unknown method")
			return
		}
		h.logger.Error("failed to delete factor", slog.Any("error", err))
		writeError(w, err, "Could not delete factor")
		return
	}

	h.audit.LogFactorChange("factor_removed", sess.Username, factorID, httpx.ExtractClientIP(r, nil), true)

	httpx.WriteJSON(w, http.StatusOK, DeleteFactorResponse{Success: true, Message: "factor removed"})
}

// VerifyCode handles POST /settings/verify.
func (h *SettingsHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	sess := h.session(r)
	if sess == nil {
		httpx.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req VerifyCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteBadRequest(w, "Invalid request")
		return
	}
	if err := ValidateRequest(req); err != nil {
		httpx.WriteBadRequest(w, err.Error())
		return
	}

	result := h.facade.VerifyCode(r.Context(), sess, req.ID, req.Code, timestampOrNow(req.Timestamp), req.Props, req.Elevate)

	h.audit.LogVerification(pkglogger.AuditEvent{
		EventType: "settings_verification",
		Username:  sess.Username,
		Method:    models.MethodOf(req.ID),
		IPAddress: httpx.ExtractClientIP(r, nil),
		Success:   result.Success,
	})

	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	httpx.WriteJSON(w, status, result)
}

func timestampOrNow(unix int64) time.Time {
	if unix <= 0 {
		return time.Now()
	}
	return time.Unix(unix, 0)
}
