package rules

import (
	"strings"

	"github.com/ivachkou/secbrief/backend/internal/domain/enums"
)

// Catalog classifies the app's purchasable product identifiers. Receipts and
// notifications routinely carry transactions for SKUs the app no longer sells;
// anything outside the catalog is ignored by the reconciliation pipeline.
type Catalog struct {
	lifetime      map[string]struct{}
	subscriptions map[string]struct{}
}

func NewCatalog(lifetimeSKUs, subscriptionSKUs []string) *Catalog {
	c := &Catalog{
		lifetime:      make(map[string]struct{}, len(lifetimeSKUs)),
		subscriptions: make(map[string]struct{}, len(subscriptionSKUs)),
	}
	for _, sku := range lifetimeSKUs {
		if normalized := normalizeSKU(sku); normalized != "" {
			c.lifetime[normalized] = struct{}{}
		}
	}
	for _, sku := range subscriptionSKUs {
		if normalized := normalizeSKU(sku); normalized != "" {
			c.subscriptions[normalized] = struct{}{}
		}
	}
	return c
}

// KindOf returns the product kind for a SKU, or false for unrecognized ones.
func (c *Catalog) KindOf(productID string) (enums.ProductKind, bool) {
	sku := normalizeSKU(productID)
	if _, ok := c.lifetime[sku]; ok {
		return enums.ProductKindLifetime, true
	}
	if _, ok := c.subscriptions[sku]; ok {
		return enums.ProductKindSubscription, true
	}
	return "", false
}

func (c *Catalog) Known(productID string) bool {
	_, ok := c.KindOf(productID)
	return ok
}

func normalizeSKU(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
