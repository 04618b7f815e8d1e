package dto

import "time"

type EntitlementStatusResponse struct {
	IsAdFree    bool       `json:"is_ad_free"`
	ProductType string     `json:"product_type,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type RestoreRequest struct {
	ReceiptData string `json:"receipt_data"`
}

type RestoreResponse struct {
	Success         bool       `json:"success"`
	IsAdFree        bool       `json:"is_ad_free"`
	ProductType     string     `json:"product_type,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Restored        int        `json:"restored"`
	AlreadyEntitled bool       `json:"already_entitled"`
	Reason          string     `json:"reason,omitempty"`
}

type AuthorizeRequest struct {
	ProductID string `json:"product_id"`
}

type AuthorizeResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

type WebhookResponse struct {
	Success bool `json:"success"`
}
