package enums

type ProductKind string

const (
	ProductKindLifetime     ProductKind = "lifetime"
	ProductKindSubscription ProductKind = "subscription"
)
