package enums

import "strings"

// NotificationType is the App Store server notification V2 type field.
type NotificationType string

const (
	NotificationSubscribed             NotificationType = "SUBSCRIBED"
	NotificationDidRenew               NotificationType = "DID_RENEW"
	NotificationRenewalExtended        NotificationType = "RENEWAL_EXTENDED"
	NotificationDidFailToRenew         NotificationType = "DID_FAIL_TO_RENEW"
	NotificationExpired                NotificationType = "EXPIRED"
	NotificationGracePeriodExpired     NotificationType = "GRACE_PERIOD_EXPIRED"
	NotificationRefund                 NotificationType = "REFUND"
	NotificationRevoke                 NotificationType = "REVOKE"
	NotificationDidChangeRenewalStatus NotificationType = "DID_CHANGE_RENEWAL_STATUS"
	NotificationTest                   NotificationType = "TEST"
)

func ParseNotificationType(raw string) NotificationType {
	return NotificationType(strings.ToUpper(strings.TrimSpace(raw)))
}
