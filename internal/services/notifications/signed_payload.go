package notifications

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

var ErrInvalidSignature = errors.New("invalid notification signature")

// TransactionPayload is the decoded signed transaction carried inside a store
// server notification. Dates are millisecond epochs.
type TransactionPayload struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	BundleID              string `json:"bundleId"`
	PurchaseDateMS        int64  `json:"purchaseDate"`
	OriginalPurchaseMS    int64  `json:"originalPurchaseDate"`
	ExpiresDateMS         int64  `json:"expiresDate"`
	SignedDateMS          int64  `json:"signedDate"`
	RevocationDateMS      int64  `json:"revocationDate"`
	Environment           string `json:"environment"`

	jwt.RegisteredClaims
}

// SignedPayloadVerifier validates the compact JWS the platform signs each
// transaction payload with: the x5c certificate chain in the token header
// must chain to a configured trusted root before the leaf key is used to
// check the ES256 signature. No roots configured means every payload is
// rejected; the ingestor fails closed.
type SignedPayloadVerifier struct {
	roots *x509.CertPool
	now   func() time.Time
}

func NewSignedPayloadVerifier(roots *x509.CertPool) *SignedPayloadVerifier {
	return &SignedPayloadVerifier{
		roots: roots,
		now:   time.Now,
	}
}

// LoadRoots reads trusted root certificates from a PEM bundle on disk.
func LoadRoots(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, fmt.Errorf("root certificate path is empty")
	}

	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read root certificates: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}

	return pool, nil
}

func (v *SignedPayloadVerifier) Decode(raw string) (TransactionPayload, error) {
	if v == nil || v.roots == nil {
		return TransactionPayload{}, fmt.Errorf("%w: no trusted roots configured", ErrInvalidSignature)
	}
	if raw == "" {
		return TransactionPayload{}, fmt.Errorf("%w: empty signed payload", ErrInvalidSignature)
	}

	payload := &TransactionPayload{}
	token, err := jwt.ParseWithClaims(raw, payload, v.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Name}))
	if err != nil || token == nil || !token.Valid {
		return TransactionPayload{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return *payload, nil
}

func (v *SignedPayloadVerifier) keyFunc(token *jwt.Token) (interface{}, error) {
	chain, err := parseCertChain(token.Header["x5c"])
	if err != nil {
		return nil, err
	}

	leaf := chain[0]
	opts := x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: x509.NewCertPool(),
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	for _, cert := range chain[1:] {
		opts.Intermediates.AddCert(cert)
	}
	if _, err := leaf.Verify(opts); err != nil {
		return nil, fmt.Errorf("verify certificate chain: %w", err)
	}

	key, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("leaf certificate key is not ECDSA")
	}

	return key, nil
}

func parseCertChain(header any) ([]*x509.Certificate, error) {
	entries, ok := header.([]interface{})
	if !ok || len(entries) == 0 {
		return nil, fmt.Errorf("missing x5c certificate chain")
	}

	chain := make([]*x509.Certificate, 0, len(entries))
	for _, entry := range entries {
		encoded, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("malformed x5c entry")
		}
		der, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode x5c entry: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse x5c certificate: %w", err)
		}
		chain = append(chain, cert)
	}

	return chain, nil
}
