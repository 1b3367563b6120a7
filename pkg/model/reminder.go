package model

import (
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrReminderNotFound = goerr.New("reminder not found")
	ErrReminderClaimed  = goerr.New("reminder already claimed")
)

type ReminderID string

// NewReminderID builds the dispatch key of a visit. One visit can have at
// most one reminder, so re-scheduling the same visit is idempotent.
func NewReminderID(visitorID VisitorID, checkIn time.Time) ReminderID {
	return ReminderID(fmt.Sprintf("%s-%d", visitorID, checkIn.Unix()))
}

type ReminderStatus string

const (
	ReminderPending   ReminderStatus = "pending"
	ReminderSent      ReminderStatus = "sent"
	ReminderFailed    ReminderStatus = "failed"
	ReminderCancelled ReminderStatus = "cancelled"
)

// Reminder is a persisted departure reminder for one visit
type Reminder struct {
	ID           ReminderID     `firestore:"-"`
	VisitorID    VisitorID      `firestore:"visitorId"`
	Name         string         `firestore:"name"`
	Email        string         `firestore:"email"`
	CheckInTime  time.Time      `firestore:"checkInTime"`
	ExpectedTime ClockTime      `firestore:"expectedTime"`
	FireAt       time.Time      `firestore:"fireAt"`
	Status       ReminderStatus `firestore:"status"`
	CreatedAt    time.Time      `firestore:"createdAt"`
	DispatchedAt *time.Time     `firestore:"dispatchedAt,omitempty"`
	Error        string         `firestore:"error,omitempty"`
}

// Payload returns the template parameters of the reminder message
func (x *Reminder) Payload() map[string]string {
	return map[string]string{
		"to_name":       x.Name,
		"to_email":      x.Email,
		"expected_time": x.ExpectedTime.String(),
	}
}
