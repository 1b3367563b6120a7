package model

import (
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrVisitorNotFound   = goerr.New("visitor not found")
	ErrWorkflowConflict  = goerr.New("registration is no longer pending")
	ErrNotCheckedIn      = goerr.New("visitor is not checked in")
	ErrAlreadyCheckedOut = goerr.New("visitor already checked out")
	ErrInvalidVisitor    = goerr.New("invalid visitor")
)

type VisitorID string

func (x VisitorID) String() string { return string(x) }

// Visitor is a registered kiosk visitor. Firestore field names are shared
// with the kiosk frontend, so they must not be renamed.
type Visitor struct {
	ID        VisitorID          `firestore:"-"`
	Name      string             `firestore:"name"`
	Email     string             `firestore:"email"`
	Purpose   string             `firestore:"whoAreYou"`
	Embedding firestore.Vector32 `firestore:"embedding"`
	CreatedAt time.Time          `firestore:"timestamp"`

	Approved    bool `firestore:"approved"`
	Blacklisted bool `firestore:"blacklisted"`

	CheckInTime          *time.Time `firestore:"checkInTime,omitempty"`
	CheckOutTime         *time.Time `firestore:"checkOutTime,omitempty"`
	ExpectedCheckOutTime ClockTime  `firestore:"expectedCheckOutTime,omitempty"`
	LastCheckInAttempt   *time.Time `firestore:"lastCheckInAttempt,omitempty"`
	Feedback             string     `firestore:"feedback,omitempty"`
	ReminderSent         bool       `firestore:"reminderSent,omitempty"`
}

// OnPremises reports whether the visitor has checked in and not yet left.
func (x *Visitor) OnPremises() bool {
	return x.CheckInTime != nil && x.CheckOutTime == nil
}

// CheckedOut reports whether the latest visit has been closed.
func (x *Visitor) CheckedOut() bool {
	return x.CheckOutTime != nil
}

// Pending reports whether the registration still awaits an admin decision.
func (x *Visitor) Pending() bool {
	return !x.Approved
}

// Validate checks fields required at registration time
func (x *Visitor) Validate() error {
	if x.Name == "" {
		return goerr.Wrap(ErrInvalidVisitor, "name is empty")
	}
	if x.Email == "" {
		return goerr.Wrap(ErrInvalidVisitor, "email is empty")
	}
	if len(x.Embedding) == 0 {
		return goerr.Wrap(ErrInvalidVisitor, "embedding is empty")
	}
	return nil
}

// VisitorUpdate is a partial update of a visitor record. Nil fields are left
// untouched. The embedding is fixed at registration and has no field here.
type VisitorUpdate struct {
	Approved             *bool
	Blacklisted          *bool
	CheckInTime          *time.Time
	CheckOutTime         *time.Time
	ExpectedCheckOutTime *ClockTime
	LastCheckInAttempt   *time.Time
	Feedback             *string
	ReminderSent         *bool

	// ClearCheckOut removes checkOutTime and feedback left over from a
	// previous visit.
	ClearCheckOut bool
}

// Apply copies the set fields of the update onto v
func (u *VisitorUpdate) Apply(v *Visitor) {
	if u.ClearCheckOut {
		v.CheckOutTime = nil
		v.Feedback = ""
	}
	if u.Approved != nil {
		v.Approved = *u.Approved
	}
	if u.Blacklisted != nil {
		v.Blacklisted = *u.Blacklisted
	}
	if u.CheckInTime != nil {
		t := *u.CheckInTime
		v.CheckInTime = &t
	}
	if u.CheckOutTime != nil {
		t := *u.CheckOutTime
		v.CheckOutTime = &t
	}
	if u.ExpectedCheckOutTime != nil {
		v.ExpectedCheckOutTime = *u.ExpectedCheckOutTime
	}
	if u.LastCheckInAttempt != nil {
		t := *u.LastCheckInAttempt
		v.LastCheckInAttempt = &t
	}
	if u.Feedback != nil {
		v.Feedback = *u.Feedback
	}
	if u.ReminderSent != nil {
		v.ReminderSent = *u.ReminderSent
	}
}

// Clone returns a deep copy of the visitor
func (x *Visitor) Clone() *Visitor {
	if x == nil {
		return nil
	}
	v := *x
	v.Embedding = append(firestore.Vector32(nil), x.Embedding...)
	v.CheckInTime = cloneTime(x.CheckInTime)
	v.CheckOutTime = cloneTime(x.CheckOutTime)
	v.LastCheckInAttempt = cloneTime(x.LastCheckInAttempt)
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Ptr returns a pointer to v. Handy for building VisitorUpdate values.
func Ptr[T any](v T) *T {
	return &v
}
