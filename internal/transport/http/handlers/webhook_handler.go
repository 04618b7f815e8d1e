package handlers

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	notifsvc "github.com/ivachkou/secbrief/backend/internal/services/notifications"
	"github.com/ivachkou/secbrief/backend/internal/transport/http/dto"
	httperrors "github.com/ivachkou/secbrief/backend/internal/transport/http/errors"
)

const maxNotificationBody = 1 << 20

type WebhookHandler struct {
	notifications *notifsvc.Service
	logger        *zap.Logger
}

func NewWebhookHandler(notifications *notifsvc.Service, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebhookHandler{
		notifications: notifications,
		logger:        logger,
	}
}

// Handle accepts store server notifications. The contract with the sender:
// 200 acknowledges (including duplicates and stale events, which must not be
// redelivered), 4xx rejects bad input for good, 5xx asks for a retry.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.notifications == nil {
		writeInternal(w, "NOTIFICATIONS_SERVICE_UNAVAILABLE", "notification service is unavailable")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBody))
	if err != nil {
		writeBadRequest(w, "INVALID_REQUEST", "unreadable request body")
		return
	}

	outcome, err := h.notifications.Process(r.Context(), body)
	if err != nil {
		switch {
		case errors.Is(err, notifsvc.ErrMalformed):
			writeBadRequest(w, "INVALID_NOTIFICATION", "malformed notification payload")
		case errors.Is(err, notifsvc.ErrInvalidSignature):
			writeBadRequest(w, "INVALID_SIGNATURE", "notification signature rejected")
		default:
			h.logger.Error("notification processing failed", zap.Error(err))
			writeInternal(w, "INTERNAL_ERROR", "failed to process notification")
		}
		return
	}

	h.logger.Info("notification processed",
		zap.String("notification_type", string(outcome.Type)),
		zap.String("subtype", outcome.Subtype),
		zap.String("transaction_id", outcome.TransactionID),
		zap.Bool("applied", outcome.Applied),
	)

	httperrors.Write(w, http.StatusOK, dto.WebhookResponse{Success: true})
}
