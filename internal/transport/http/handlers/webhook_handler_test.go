package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ivachkou/secbrief/backend/internal/domain/enums"
	"github.com/ivachkou/secbrief/backend/internal/domain/model"
	"github.com/ivachkou/secbrief/backend/internal/domain/rules"
	pgrepo "github.com/ivachkou/secbrief/backend/internal/repo/postgres"
	notifsvc "github.com/ivachkou/secbrief/backend/internal/services/notifications"
)

type fakeDecoder struct {
	payload notifsvc.TransactionPayload
	err     error
}

func (f *fakeDecoder) Decode(_ string) (notifsvc.TransactionPayload, error) {
	if f.err != nil {
		return notifsvc.TransactionPayload{}, f.err
	}
	return f.payload, nil
}

type fakeWriter struct {
	upserts int
	failing bool
}

func (f *fakeWriter) Upsert(_ context.Context, rec model.Entitlement) (model.Entitlement, error) {
	if f.failing {
		return model.Entitlement{}, fmt.Errorf("connection refused")
	}
	f.upserts++
	return rec, nil
}

func (f *fakeWriter) Deactivate(_ context.Context, _ string, _ enums.DeactivationReason, _ enums.NotificationType, _ time.Time) error {
	return nil
}

func (f *fakeWriter) TouchNotification(_ context.Context, _ string, _ enums.NotificationType, _ time.Time) error {
	return nil
}

type fakeAudit struct{}

func (f *fakeAudit) Insert(_ context.Context, _ pgrepo.AuditEntry) (uuid.UUID, error) {
	return uuid.New(), nil
}

func webhookCatalog() *rules.Catalog {
	return rules.NewCatalog(nil, []string{"com.secbrief.adfree.monthly"})
}

func notificationRequest(t *testing.T, body string) (*httptest.ResponseRecorder, *http.Request) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/v1/appstore/notifications", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	return rec, req
}

func TestWebhookHandlerAcknowledgesProcessedNotification(t *testing.T) {
	decoder := &fakeDecoder{payload: notifsvc.TransactionPayload{
		TransactionID:         "tx-1",
		OriginalTransactionID: "orig-1",
		ProductID:             "com.secbrief.adfree.monthly",
		SignedDateMS:          time.Now().UnixMilli(),
	}}
	writer := &fakeWriter{}
	svc := notifsvc.NewService(decoder, writer, &fakeAudit{}, webhookCatalog(), notifsvc.Config{}, nil)
	h := NewWebhookHandler(svc, nil)

	rec, req := notificationRequest(t, `{"notificationType":"DID_RENEW","data":{"signedTransactionInfo":"jws"}}`)
	h.Handle(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var resp struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success {
		t.Fatal("expected success acknowledgement")
	}
	if writer.upserts != 1 {
		t.Fatalf("expected one upsert, got %d", writer.upserts)
	}
}

func TestWebhookHandlerRejectsMalformedBody(t *testing.T) {
	svc := notifsvc.NewService(&fakeDecoder{}, &fakeWriter{}, &fakeAudit{}, webhookCatalog(), notifsvc.Config{}, nil)
	h := NewWebhookHandler(svc, nil)

	rec, req := notificationRequest(t, "{oops")
	h.Handle(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestWebhookHandlerRejectsBadSignature(t *testing.T) {
	decoder := &fakeDecoder{err: notifsvc.ErrInvalidSignature}
	writer := &fakeWriter{}
	svc := notifsvc.NewService(decoder, writer, &fakeAudit{}, webhookCatalog(), notifsvc.Config{}, nil)
	h := NewWebhookHandler(svc, nil)

	rec, req := notificationRequest(t, `{"notificationType":"DID_RENEW","data":{"signedTransactionInfo":"forged"}}`)
	h.Handle(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if writer.upserts != 0 {
		t.Fatal("rejected notification must not reach storage")
	}
}

func TestWebhookHandlerAsksForRetryOnStorageFailure(t *testing.T) {
	decoder := &fakeDecoder{payload: notifsvc.TransactionPayload{
		TransactionID: "tx-1",
		ProductID:     "com.secbrief.adfree.monthly",
		SignedDateMS:  time.Now().UnixMilli(),
	}}
	svc := notifsvc.NewService(decoder, &fakeWriter{failing: true}, &fakeAudit{}, webhookCatalog(), notifsvc.Config{}, nil)
	h := NewWebhookHandler(svc, nil)

	rec, req := notificationRequest(t, `{"notificationType":"SUBSCRIBED","data":{"signedTransactionInfo":"jws"}}`)
	h.Handle(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}
