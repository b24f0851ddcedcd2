package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"vouchd.org/internal/audit"
	"vouchd.org/internal/ids"
	"vouchd.org/internal/paypal"
	"vouchd.org/internal/stream"
	"vouchd.org/internal/verify"
)

type verifyRequest struct {
	Email      string   `json:"email"`
	ClaimantID string   `json:"claimant_id"`
	Held       []string `json:"held"`
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	claim := verify.Claim{
		Email:      strings.TrimSpace(req.Email),
		ClaimantID: strings.TrimSpace(req.ClaimantID),
		Held:       req.Held,
	}

	res, err := a.engine.Verify(r.Context(), claim)
	if err != nil {
		_ = audit.LogEvent(r.Context(), "verify.failed", map[string]any{
			"email":       claim.Email,
			"claimant_id": claim.ClaimantID,
			"error":       err.Error(),
		})
		handleVerifyError(w, r, err)
		return
	}

	fields := map[string]any{
		"email":       claim.Email,
		"claimant_id": claim.ClaimantID,
	}
	switch res.Status {
	case verify.StatusGranted:
		fields["entitlements"] = res.Entitlements
		_ = audit.LogEvent(r.Context(), "verify.granted", fields)
		if a.stream != nil {
			a.stream.Publish(stream.GrantEvent{
				ID:           ids.New(),
				Email:        strings.ToLower(claim.Email),
				ClaimantID:   claim.ClaimantID,
				Entitlements: res.Entitlements,
				Timestamp:    time.Now().UTC(),
			})
		}
	default:
		fields["reason"] = string(res.Reason)
		_ = audit.LogEvent(r.Context(), "verify.rejected", fields)
	}

	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleVerificationResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	email := strings.TrimPrefix(r.URL.Path, "/v1/verifications/")
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || strings.Contains(email, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	rec, ok := a.engine.Ledger(email)
	if !ok {
		writeError(w, r, http.StatusNotFound, "no verification on record")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"email":       email,
		"claimant_id": rec.ClaimantID,
		"resources":   rec.Resources,
		"updated_at":  rec.UpdatedAt,
	})
}

func handleVerifyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, paypal.ErrRemoteUnavailable):
		writeError(w, r, http.StatusBadGateway, "payment processor unavailable")
	case errors.Is(err, verify.ErrPersist):
		writeError(w, r, http.StatusInternalServerError, "persistence failure")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
