package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ivachkou/secbrief/backend/internal/domain/enums"
	"github.com/ivachkou/secbrief/backend/internal/domain/rules"
	"github.com/ivachkou/secbrief/backend/internal/infra/httpclient"
)

const (
	lifetimeSKU = "com.example.adfree.lifetime"
	monthlySKU  = "com.example.adfree.monthly"
)

func testCatalog() *rules.Catalog {
	return rules.NewCatalog([]string{lifetimeSKU}, []string{monthlySKU})
}

func msString(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func newVerifier(t *testing.T, productionURL, sandboxURL string) *Service {
	t.Helper()

	client := httpclient.NewRetrying(2*time.Second, 0, 10*time.Millisecond)
	return NewService(client, Config{
		Environment:   enums.EnvironmentProduction,
		ProductionURL: productionURL,
		SandboxURL:    sandboxURL,
		SharedSecret:  "shared-secret",
	}, testCatalog(), nil)
}

func storeServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestVerifyValidLifetimeReceipt(t *testing.T) {
	now := time.Now().UTC()
	server := storeServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode verify request: %v", err)
		}
		if req["password"] != "shared-secret" {
			t.Fatalf("unexpected password field: %v", req["password"])
		}

		fmt.Fprintf(w, `{
			"status": 0,
			"environment": "Production",
			"latest_receipt_info": [
				{
					"product_id": %q,
					"transaction_id": "1000001",
					"original_transaction_id": "1000001",
					"purchase_date_ms": %q
				},
				{
					"product_id": "com.other.app.sku",
					"transaction_id": "999",
					"purchase_date_ms": %q
				}
			]
		}`, lifetimeSKU, msString(now), msString(now))
	})

	svc := newVerifier(t, server.URL, server.URL)
	result := svc.Verify(context.Background(), "base64-receipt")

	if !result.Valid {
		t.Fatalf("expected valid result, got reason %q", result.FailureReason)
	}
	if len(result.Transactions) != 1 {
		t.Fatalf("expected 1 recognized transaction, got %d", len(result.Transactions))
	}
	tx := result.Transactions[0]
	if tx.ProductID != lifetimeSKU || tx.Kind != enums.ProductKindLifetime {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
	if tx.ExpiresDate != nil || tx.Expired {
		t.Fatalf("lifetime transaction must be non-expiring: %+v", tx)
	}
}

func TestVerifyExpiredOnlyReceipt(t *testing.T) {
	now := time.Now().UTC()
	server := storeServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{
			"status": 0,
			"latest_receipt_info": [
				{
					"product_id": %q,
					"transaction_id": "2000001",
					"original_transaction_id": "2000000",
					"purchase_date_ms": %q,
					"expires_date_ms": %q
				}
			]
		}`, monthlySKU, msString(now.Add(-60*24*time.Hour)), msString(now.Add(-30*24*time.Hour)))
	})

	svc := newVerifier(t, server.URL, server.URL)
	result := svc.Verify(context.Background(), "base64-receipt")

	if result.Valid {
		t.Fatal("expected invalid result for expired-only receipt")
	}
	if len(result.Transactions) != 1 || !result.Transactions[0].Expired {
		t.Fatalf("expected one expired transaction, got %+v", result.Transactions)
	}
}

func TestVerifyRetriesSandboxOnEnvironmentMismatch(t *testing.T) {
	now := time.Now().UTC()

	sandbox := storeServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{
			"status": 0,
			"environment": "Sandbox",
			"latest_receipt_info": [
				{
					"product_id": %q,
					"transaction_id": "3000001",
					"purchase_date_ms": %q,
					"expires_date_ms": %q
				}
			]
		}`, monthlySKU, msString(now), msString(now.Add(30*24*time.Hour)))
	})
	production := storeServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"status": 21007}`)
	})

	svc := newVerifier(t, production.URL, sandbox.URL)
	result := svc.Verify(context.Background(), "base64-receipt")

	if !result.Valid {
		t.Fatalf("expected valid result after sandbox retry, got reason %q", result.FailureReason)
	}
	if result.Environment != enums.EnvironmentSandbox {
		t.Fatalf("expected sandbox environment, got %s", result.Environment)
	}
}

func TestVerifyCancelledTransactionIsExpired(t *testing.T) {
	now := time.Now().UTC()
	server := storeServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{
			"status": 0,
			"latest_receipt_info": [
				{
					"product_id": %q,
					"transaction_id": "4000001",
					"purchase_date_ms": %q,
					"cancellation_date_ms": %q
				}
			]
		}`, lifetimeSKU, msString(now.Add(-24*time.Hour)), msString(now.Add(-time.Hour)))
	})

	svc := newVerifier(t, server.URL, server.URL)
	result := svc.Verify(context.Background(), "base64-receipt")

	if result.Valid {
		t.Fatal("refunded lifetime transaction must not validate")
	}
	if len(result.Transactions) != 1 || !result.Transactions[0].Expired {
		t.Fatalf("expected one cancelled transaction, got %+v", result.Transactions)
	}
}

func TestVerifyNonZeroStatusIsInvalid(t *testing.T) {
	server := storeServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"status": 21002}`)
	})

	svc := newVerifier(t, server.URL, server.URL)
	result := svc.Verify(context.Background(), "base64-receipt")

	if result.Valid {
		t.Fatal("expected invalid result for store error status")
	}
	if result.FailureReason == "" {
		t.Fatal("expected failure reason to be set")
	}
}

func TestVerifyTransportFailureDegrades(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close() // connection refused from here on

	svc := newVerifier(t, server.URL, server.URL)
	result := svc.Verify(context.Background(), "base64-receipt")

	if result.Valid {
		t.Fatal("expected invalid result on transport failure")
	}
	if result.FailureReason != "verification request failed" {
		t.Fatalf("unexpected failure reason: %q", result.FailureReason)
	}
}

func TestVerifyEmptyReceipt(t *testing.T) {
	svc := newVerifier(t, "http://localhost:0", "http://localhost:0")

	if result := svc.Verify(context.Background(), "   "); result.Valid {
		t.Fatal("expected invalid result for empty receipt")
	}
}

func TestVerifyRetriesTransientServerErrors(t *testing.T) {
	now := time.Now().UTC()
	attempts := 0
	server := storeServer(t, func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprintf(w, `{
			"status": 0,
			"latest_receipt_info": [
				{"product_id": %q, "transaction_id": "5000001", "purchase_date_ms": %q}
			]
		}`, lifetimeSKU, msString(now))
	})

	client := httpclient.NewRetrying(2*time.Second, 2, time.Millisecond)
	svc := NewService(client, Config{
		Environment:   enums.EnvironmentProduction,
		ProductionURL: server.URL,
		SandboxURL:    server.URL,
	}, testCatalog(), nil)

	result := svc.Verify(context.Background(), "base64-receipt")
	if !result.Valid {
		t.Fatalf("expected valid result after retry, got reason %q", result.FailureReason)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}
