package handlers

import (
	"errors"
	"net/http"

	"github.com/ivachkou/secbrief/backend/internal/pkg/validate"
	authsvc "github.com/ivachkou/secbrief/backend/internal/services/auth"
	entsvc "github.com/ivachkou/secbrief/backend/internal/services/entitlements"
	gatesvc "github.com/ivachkou/secbrief/backend/internal/services/gate"
	syncsvc "github.com/ivachkou/secbrief/backend/internal/services/sync"
	"github.com/ivachkou/secbrief/backend/internal/transport/http/dto"
	httperrors "github.com/ivachkou/secbrief/backend/internal/transport/http/errors"
)

type EntitlementHandler struct {
	entitlements *entsvc.Service
	sync         *syncsvc.Service
	gate         *gatesvc.Service
}

func NewEntitlementHandler(entitlements *entsvc.Service, sync *syncsvc.Service, gate *gatesvc.Service) *EntitlementHandler {
	return &EntitlementHandler{
		entitlements: entitlements,
		sync:         sync,
		gate:         gate,
	}
}

// Status reports the caller's derived entitlement. The route allows anonymous
// callers: without an identity the answer is simply "not ad-free", never an
// error, so fresh installs render ads without a sign-in roundtrip.
func (h *EntitlementHandler) Status(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		httperrors.Write(w, http.StatusOK, dto.EntitlementStatusResponse{IsAdFree: false})
		return
	}
	if h.entitlements == nil {
		writeInternal(w, "ENTITLEMENTS_SERVICE_UNAVAILABLE", "entitlements service is unavailable")
		return
	}

	status, err := h.entitlements.Status(r.Context(), identity.UserID)
	if err != nil {
		switch {
		case errors.Is(err, entsvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "invalid entitlement request")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to load entitlement status")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, dto.EntitlementStatusResponse{
		IsAdFree:    status.IsAdFree,
		ProductType: string(status.ProductType),
		ExpiresAt:   status.ExpiresAt,
	})
}

func (h *EntitlementHandler) Restore(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.sync == nil {
		writeInternal(w, "SYNC_SERVICE_UNAVAILABLE", "restore service is unavailable")
		return
	}

	var req dto.RestoreRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}
	result, err := h.sync.Restore(r.Context(), identity.UserID, req.ReceiptData)
	if err != nil {
		switch {
		case errors.Is(err, syncsvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "invalid restore payload")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to restore purchases")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, dto.RestoreResponse{
		Success:         result.Status.IsAdFree || result.Verified || result.AlreadyEntitled,
		IsAdFree:        result.Status.IsAdFree,
		ProductType:     string(result.Status.ProductType),
		ExpiresAt:       result.Status.ExpiresAt,
		Restored:        result.Restored,
		AlreadyEntitled: result.AlreadyEntitled,
		Reason:          result.FailureReason,
	})
}

func (h *EntitlementHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.gate == nil {
		writeInternal(w, "GATE_SERVICE_UNAVAILABLE", "purchase gate is unavailable")
		return
	}

	var req dto.AuthorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}
	if !validate.Required(req.ProductID) {
		writeBadRequest(w, "VALIDATION_ERROR", "product_id is required")
		return
	}

	decision, err := h.gate.Authorize(r.Context(), identity.UserID, req.ProductID)
	if err != nil {
		switch {
		case errors.Is(err, gatesvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "unknown or invalid product")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to authorize purchase")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, dto.AuthorizeResponse{
		Allowed: decision.Allowed,
		Reason:  decision.Reason,
	})
}
