package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/halcyonlabs/mfad/internal/engine/domain"
	"github.com/halcyonlabs/mfad/internal/engine/service"
	"github.com/halcyonlabs/mfad/internal/engine/store"
	"github.com/halcyonlabs/mfad/internal/engine/variant"
	"github.com/halcyonlabs/mfad/pkg/httpx"
	"github.com/halcyonlabs/mfad/pkg/slogx"
)

// TokenHandler handles the token lifecycle endpoints.
type TokenHandler struct {
	Enrollment *service.EnrollmentService
	Store      store.Store
}

type tokenInitRequest struct {
	Type   string            `json:"type"`
	Serial string            `json:"serial"`
	Owner  string            `json:"owner"`
	Params map[string]string `json:"params"`
}

// HandleInit handles POST /v1/token/init. Creates a token with a minted
// serial, or re-parameterises an existing one when a serial is given.
func (h *TokenHandler) HandleInit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req tokenInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn("failed to parse request", "err", err)
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": "Invalid JSON body",
		})
		return
	}

	res, err := h.Enrollment.InitToken(ctx, service.InitRequest{
		Type:   req.Type,
		Serial: req.Serial,
		Owner:  req.Owner,
		Params: variant.Params(req.Params),
	})
	if err != nil {
		writeEngineError(w, log, err)
		return
	}

	body := map[string]any{
		"serial": res.Serial,
		"detail": res.Detail,
	}
	if res.VerifyRequired {
		body["verify_required"] = true
		body["transaction_id"] = res.TransactionID
		body["message"] = res.Message
	}

	httpx.WriteJSON(w, http.StatusOK, body)
}

type enrollVerifyRequest struct {
	Serial        string `json:"serial"`
	TransactionID string `json:"transaction_id"`
	Response      string `json:"response"`
}

// HandleEnrollVerify handles POST /v1/token/enroll/verify, settling a
// pending enrollment verification challenge.
func (h *TokenHandler) HandleEnrollVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req enrollVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn("failed to parse request", "err", err)
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": "Invalid JSON body",
		})
		return
	}

	if err := h.Enrollment.VerifyEnrollment(ctx, req.Serial, req.TransactionID, req.Response); err != nil {
		writeEngineError(w, log, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "verified",
	})
}

type resyncRequest struct {
	Serial string `json:"serial"`
	OTP1   string `json:"otp1"`
	OTP2   string `json:"otp2"`
}

// HandleResync handles POST /v1/token/resync, realigning a drifted
// counter from two consecutive OTP values.
func (h *TokenHandler) HandleResync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req resyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn("failed to parse request", "err", err)
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": "Invalid JSON body",
		})
		return
	}

	synced, err := h.Enrollment.Resync(ctx, req.Serial, req.OTP1, req.OTP2)
	if err != nil {
		writeEngineError(w, log, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"synced": synced,
	})
}

type tokenSummary struct {
	Serial       string `json:"serial"`
	Type         string `json:"type"`
	Owner        string `json:"owner,omitempty"`
	Active       bool   `json:"active"`
	Locked       bool   `json:"locked"`
	Revoked      bool   `json:"revoked"`
	FailCount    int    `json:"fail_count"`
	RolloutState string `json:"rollout_state,omitempty"`
}

// HandleList handles GET /v1/token?user=X. Secrets never leave the
// server; only lifecycle metadata is returned.
func (h *TokenHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	owner := r.URL.Query().Get("user")
	if owner == "" {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": "Query parameter user is required",
		})
		return
	}

	tokens, err := h.Store.Tokens().GetTokensByOwner(ctx, owner)
	if err != nil {
		log.Error("failed to list tokens", "owner", owner, "err", err)
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "server_error",
		})
		return
	}

	out := make([]tokenSummary, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, tokenSummary{
			Serial:       t.Serial,
			Type:         t.Type,
			Owner:        t.Owner,
			Active:       t.Active,
			Locked:       t.Locked,
			Revoked:      t.Revoked,
			FailCount:    t.FailCount,
			RolloutState: string(t.RolloutState),
		})
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"tokens": out,
	})
}

// HandleDelete handles DELETE /v1/token/{serial}. Challenges cascade with
// the token row.
func (h *TokenHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	serial := r.PathValue("serial")
	if _, err := h.Store.Tokens().GetToken(ctx, serial); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.WriteJSON(w, http.StatusNotFound, map[string]string{
				"error":             "not_found",
				"error_description": "Unknown serial",
			})
			return
		}
		log.Error("failed to load token", "serial", serial, "err", err)
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "server_error",
		})
		return
	}

	if err := h.Store.Tokens().DeleteToken(ctx, serial); err != nil {
		log.Error("failed to delete token", "serial", serial, "err", err)
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "server_error",
		})
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "deleted",
	})
}

// writeEngineError maps engine error classes onto HTTP responses.
func writeEngineError(w http.ResponseWriter, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrParameter), errors.Is(err, domain.ErrValidation):
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": err.Error(),
		})
	case errors.Is(err, domain.ErrEnrollment):
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "enrollment_failed",
			"error_description": err.Error(),
		})
	case errors.Is(err, domain.ErrLockedOut):
		httpx.WriteJSON(w, http.StatusForbidden, map[string]string{
			"error":             "locked_out",
			"error_description": err.Error(),
		})
	default:
		log.Error("request failed with internal error", "err", err)
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "server_error",
		})
	}
}
