package enums

type DeactivationReason string

const (
	DeactivationReasonExpired DeactivationReason = "expired"
	DeactivationReasonRefund  DeactivationReason = "refund"
	DeactivationReasonRevoke  DeactivationReason = "revoke"
)
