package model

type NotificationKind string

const (
	NotificationBlacklistAttempt NotificationKind = "blacklist_attempt"
	NotificationOverdue          NotificationKind = "overdue"
)

// Notification is an advisory alert for the admin dashboard. It is derived
// from the directory on every load and never stored.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	VisitorID VisitorID        `json:"visitor_id"`
	Message   string           `json:"message"`
}
