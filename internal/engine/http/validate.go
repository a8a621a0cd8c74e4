package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/halcyonlabs/mfad/internal/engine/decision"
	"github.com/halcyonlabs/mfad/internal/engine/domain"
	"github.com/halcyonlabs/mfad/pkg/httpx"
	"github.com/halcyonlabs/mfad/pkg/jwtx"
	"github.com/halcyonlabs/mfad/pkg/slogx"
)

// ValidateHandler handles POST /v1/validate/check, the authentication
// endpoint. Accepts JSON or form-encoded bodies since RADIUS-style
// integrations typically speak forms.
type ValidateHandler struct {
	Engine   *decision.Engine
	Signer   *jwtx.Signer
	TokenTTL time.Duration
}

type validateRequest struct {
	User          string `json:"user"`
	Serial        string `json:"serial"`
	Pass          string `json:"pass"`
	TransactionID string `json:"transaction_id"`
}

func (h *ValidateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	req, err := parseValidateRequest(r)
	if err != nil {
		log.Warn("failed to parse validate request", "err", err)
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": "Invalid request body",
		})
		return
	}
	if req.User == "" && req.Serial == "" {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": "Either user or serial is required",
		})
		return
	}

	res, err := h.Engine.Authenticate(ctx, decision.Request{
		User:          req.User,
		Serial:        req.Serial,
		Pass:          req.Pass,
		TransactionID: req.TransactionID,
	})
	if err != nil {
		if errors.Is(err, domain.ErrParameter) || errors.Is(err, domain.ErrValidation) {
			httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{
				"error":             "invalid_request",
				"error_description": err.Error(),
			})
			return
		}
		log.Error("authentication failed with internal error", "err", err)
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "server_error",
		})
		return
	}

	// The HTTP status is 200 either way; the verdict is in the body so a
	// rejected attempt is indistinguishable in transport terms.
	body := map[string]any{
		"authenticated": res.Accepted,
		"detail":        res.Detail,
	}
	if res.Serial != "" {
		body["serial"] = res.Serial
	}
	if res.Message != "" {
		body["message"] = res.Message
	}
	if res.TransactionID != "" {
		body["transaction_id"] = res.TransactionID
		body["further_challenge"] = res.FurtherChallenge
	}
	if len(res.Attributes) > 0 {
		body["attributes"] = res.Attributes
	}

	if res.Accepted && h.Signer != nil {
		subject := req.User
		if subject == "" {
			subject = res.Serial
		}
		token, err := h.Signer.Sign(subject, h.TokenTTL, map[string]any{"serial": res.Serial})
		if err != nil {
			log.Error("failed to mint access token", "err", err)
			httpx.WriteJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "server_error",
			})
			return
		}
		body["access_token"] = token
	}

	httpx.WriteJSON(w, http.StatusOK, body)
}

func parseValidateRequest(r *http.Request) (validateRequest, error) {
	var req validateRequest

	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return validateRequest{}, err
		}
		return req, nil
	}

	if err := r.ParseForm(); err != nil {
		return validateRequest{}, err
	}
	req.User = r.PostFormValue("user")
	req.Serial = r.PostFormValue("serial")
	req.Pass = r.PostFormValue("pass")
	req.TransactionID = r.PostFormValue("transaction_id")
	return req, nil
}
