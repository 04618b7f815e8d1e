package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ivachkou/secbrief/backend/internal/domain/enums"
	"github.com/ivachkou/secbrief/backend/internal/domain/rules"
)

// App Store receipt verification statuses.
const (
	statusOK                = 0
	statusSandboxReceipt    = 21007 // sandbox receipt sent to the production endpoint
	statusProductionReceipt = 21008 // production receipt sent to the sandbox endpoint
)

type Config struct {
	Environment   enums.Environment
	ProductionURL string
	SandboxURL    string
	SharedSecret  string
}

// HTTPDoer is the retrying JSON poster from infra/httpclient.
type HTTPDoer interface {
	PostJSON(ctx context.Context, url string, body []byte) (*http.Response, error)
}

// Service verifies receipt blobs against the store's server-side endpoint and
// normalizes the outcome. Verification never fails hard: every transport,
// parse, or status problem degrades to Valid=false with a reason, so purchase
// flows keep going.
type Service struct {
	client  HTTPDoer
	cfg     Config
	catalog *rules.Catalog
	logger  *zap.Logger
	now     func() time.Time
}

type Transaction struct {
	TransactionID         string
	OriginalTransactionID string
	ProductID             string
	Kind                  enums.ProductKind
	PurchaseDate          time.Time
	OriginalPurchaseDate  time.Time
	ExpiresDate           *time.Time
	CancellationDate      *time.Time
	Expired               bool
}

type Result struct {
	Valid         bool
	Environment   enums.Environment
	Transactions  []Transaction
	FailureReason string
}

func NewService(client HTTPDoer, cfg Config, catalog *rules.Catalog, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Environment == "" {
		cfg.Environment = enums.EnvironmentProduction
	}

	return &Service{
		client:  client,
		cfg:     cfg,
		catalog: catalog,
		logger:  logger,
		now:     time.Now,
	}
}

// Verify submits the base64 receipt blob to the environment-selected endpoint.
// A response saying the receipt belongs to the other environment triggers one
// retry against the alternate endpoint, as the store mandates.
func (s *Service) Verify(ctx context.Context, receiptData string) Result {
	receiptData = strings.TrimSpace(receiptData)
	if receiptData == "" {
		return invalid("empty receipt")
	}
	if s.client == nil || s.catalog == nil {
		return invalid("verifier is not configured")
	}

	env := s.cfg.Environment
	resp, err := s.request(ctx, s.endpointFor(env), receiptData)
	if err != nil {
		s.logger.Warn("receipt verification request failed", zap.Error(err))
		return invalid("verification request failed")
	}

	switch resp.Status {
	case statusSandboxReceipt:
		env = enums.EnvironmentSandbox
		resp, err = s.request(ctx, s.endpointFor(env), receiptData)
	case statusProductionReceipt:
		env = enums.EnvironmentProduction
		resp, err = s.request(ctx, s.endpointFor(env), receiptData)
	}
	if err != nil {
		s.logger.Warn("receipt verification retry failed", zap.Error(err))
		return invalid("verification request failed")
	}

	if resp.Status != statusOK {
		return invalid(fmt.Sprintf("store responded with status %d", resp.Status))
	}

	transactions := s.normalize(resp)
	result := Result{
		Environment:  env,
		Transactions: transactions,
	}
	for _, tx := range transactions {
		if !tx.Expired {
			result.Valid = true
			break
		}
	}
	if !result.Valid {
		if len(transactions) == 0 {
			result.FailureReason = "no recognized products in receipt"
		} else {
			result.FailureReason = "all recognized transactions expired"
		}
	}

	return result
}

func (s *Service) endpointFor(env enums.Environment) string {
	if env == enums.EnvironmentSandbox {
		return s.cfg.SandboxURL
	}
	return s.cfg.ProductionURL
}

type verifyRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions"`
}

type verifyResponse struct {
	Status            int                `json:"status"`
	Environment       string             `json:"environment"`
	LatestReceiptInfo []appleTransaction `json:"latest_receipt_info"`
	Receipt           struct {
		InApp []appleTransaction `json:"in_app"`
	} `json:"receipt"`
}

type appleTransaction struct {
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	PurchaseDateMS        string `json:"purchase_date_ms"`
	OriginalPurchaseMS    string `json:"original_purchase_date_ms"`
	ExpiresDateMS         string `json:"expires_date_ms"`
	CancellationDateMS    string `json:"cancellation_date_ms"`
}

func (s *Service) request(ctx context.Context, url, receiptData string) (verifyResponse, error) {
	body, err := json.Marshal(verifyRequest{
		ReceiptData:            receiptData,
		Password:               s.cfg.SharedSecret,
		ExcludeOldTransactions: true,
	})
	if err != nil {
		return verifyResponse{}, fmt.Errorf("marshal verify request: %w", err)
	}

	resp, err := s.client.PostJSON(ctx, url, body)
	if err != nil {
		return verifyResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return verifyResponse{}, fmt.Errorf("verification endpoint responded %d", resp.StatusCode)
	}

	var decoded verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return verifyResponse{}, fmt.Errorf("decode verify response: %w", err)
	}

	return decoded, nil
}

// normalize filters the verified transaction list to the app's catalog and
// classifies each entry. Cancelled transactions (refunds issued by support)
// count as expired regardless of their expiry field.
func (s *Service) normalize(resp verifyResponse) []Transaction {
	source := resp.LatestReceiptInfo
	if len(source) == 0 {
		source = resp.Receipt.InApp
	}

	now := s.now().UTC()
	var transactions []Transaction
	for _, raw := range source {
		kind, ok := s.catalog.KindOf(raw.ProductID)
		if !ok {
			continue
		}

		tx := Transaction{
			TransactionID:         strings.TrimSpace(raw.TransactionID),
			OriginalTransactionID: strings.TrimSpace(raw.OriginalTransactionID),
			ProductID:             strings.TrimSpace(raw.ProductID),
			Kind:                  kind,
		}
		if tx.TransactionID == "" {
			continue
		}
		if tx.OriginalTransactionID == "" {
			tx.OriginalTransactionID = tx.TransactionID
		}

		if ts := parseMS(raw.PurchaseDateMS); ts != nil {
			tx.PurchaseDate = *ts
		} else {
			tx.PurchaseDate = now
		}
		if ts := parseMS(raw.OriginalPurchaseMS); ts != nil {
			tx.OriginalPurchaseDate = *ts
		} else {
			tx.OriginalPurchaseDate = tx.PurchaseDate
		}
		tx.ExpiresDate = parseMS(raw.ExpiresDateMS)
		tx.CancellationDate = parseMS(raw.CancellationDateMS)

		switch {
		case tx.CancellationDate != nil:
			tx.Expired = true
		case kind == enums.ProductKindLifetime:
			tx.Expired = false
		case tx.ExpiresDate == nil:
			tx.Expired = false
		default:
			tx.Expired = !tx.ExpiresDate.After(now)
		}

		transactions = append(transactions, tx)
	}

	return transactions
}

func parseMS(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return nil
	}
	ts := time.UnixMilli(ms).UTC()
	return &ts
}

func invalid(reason string) Result {
	return Result{Valid: false, FailureReason: reason}
}
