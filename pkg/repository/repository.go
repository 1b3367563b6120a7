package repository

import (
	"context"

	"github.com/m-mizutani/lobby/pkg/model"
)

// VisitorWatchFunc receives the current state of a watched visitor. v is nil
// when the document does not exist. Returning done=true or an error ends the
// watch.
type VisitorWatchFunc func(v *model.Visitor) (done bool, err error)

// PendingWatchFunc receives every visitor whose registration is not yet
// approved, in store order.
type PendingWatchFunc func(visitors []*model.Visitor) (done bool, err error)

// Repository defines the interface for visitor directory persistence
type Repository interface {
	// CreateVisitor stores a new visitor and returns the store-assigned ID
	CreateVisitor(ctx context.Context, visitor *model.Visitor) (model.VisitorID, error)

	// GetVisitor retrieves a visitor by ID. It returns model.ErrVisitorNotFound
	// if the document does not exist.
	GetVisitor(ctx context.Context, id model.VisitorID) (*model.Visitor, error)

	// ListVisitors retrieves all visitors in store order
	ListVisitors(ctx context.Context) ([]*model.Visitor, error)

	// UpdateVisitor applies a partial update. It fails with
	// model.ErrVisitorNotFound if the document does not exist.
	UpdateVisitor(ctx context.Context, id model.VisitorID, update *model.VisitorUpdate) error

	// DeleteVisitor removes a visitor. It fails with model.ErrVisitorNotFound
	// if the document does not exist.
	DeleteVisitor(ctx context.Context, id model.VisitorID) error

	// WatchVisitor delivers the current state of a visitor and every change
	// after that until fn finishes or ctx is cancelled. Deliveries may be
	// coalesced.
	WatchVisitor(ctx context.Context, id model.VisitorID, fn VisitorWatchFunc) error

	// WatchPending delivers the set of unapproved visitors and every change
	// to it until fn finishes or ctx is cancelled.
	WatchPending(ctx context.Context, fn PendingWatchFunc) error

	// PutReminder creates or overwrites a reminder
	PutReminder(ctx context.Context, reminder *model.Reminder) error

	// GetReminder retrieves a reminder by ID
	GetReminder(ctx context.Context, id model.ReminderID) (*model.Reminder, error)

	// ListReminders retrieves reminders with the given status
	ListReminders(ctx context.Context, status model.ReminderStatus) ([]*model.Reminder, error)

	// ClaimReminder atomically moves a pending reminder to the given status
	// and returns it. It fails with model.ErrReminderClaimed if the
	// reminder is no longer pending.
	ClaimReminder(ctx context.Context, id model.ReminderID, status model.ReminderStatus) (*model.Reminder, error)

	// FinishReminder records the dispatch result of a claimed reminder
	FinishReminder(ctx context.Context, id model.ReminderID, status model.ReminderStatus, errMsg string) error
}
