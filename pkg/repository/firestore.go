package repository

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lobby/pkg/model"
	"github.com/m-mizutani/lobby/pkg/utils/logging"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collectionVisitors  = "visitors"
	collectionReminders = "reminders"
)

// Firestore implements Repository using Cloud Firestore
type Firestore struct {
	client *firestore.Client
}

var _ Repository = (*Firestore)(nil)

// NewFirestore creates a new Firestore repository
func NewFirestore(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project", projectID),
			goerr.V("database", databaseID))
	}

	return &Firestore{client: client}, nil
}

// Close releases the underlying client
func (r *Firestore) Close() error {
	return r.client.Close()
}

func (r *Firestore) visitors() *firestore.CollectionRef {
	return r.client.Collection(collectionVisitors)
}

func (r *Firestore) reminders() *firestore.CollectionRef {
	return r.client.Collection(collectionReminders)
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// visitorDoc reads a visitor document. The kiosk frontend stores the
// embedding as a plain array of numbers while CreateVisitor writes a vector
// value, so the field is decoded loosely and converted afterwards.
type visitorDoc struct {
	model.Visitor
	Embedding any `firestore:"embedding"`
}

// embeddingFromValue converts a decoded embedding field to Vector32. It
// accepts vector values and arrays of numbers.
func embeddingFromValue(v any) (firestore.Vector32, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case firestore.Vector32:
		return x, nil
	case firestore.Vector64:
		out := make(firestore.Vector32, len(x))
		for i, f := range x {
			out[i] = float32(f)
		}
		return out, nil
	case []any:
		out := make(firestore.Vector32, len(x))
		for i, elem := range x {
			switch f := elem.(type) {
			case float64:
				out[i] = float32(f)
			case int64:
				out[i] = float32(f)
			default:
				return nil, goerr.New("embedding element is not a number",
					goerr.V("index", i),
					goerr.V("type", fmt.Sprintf("%T", elem)))
			}
		}
		return out, nil
	default:
		return nil, goerr.New("unsupported embedding encoding", goerr.V("type", fmt.Sprintf("%T", v)))
	}
}

// visitor builds the model from a decoded document. An embedding that cannot
// be converted is dropped with a warning; such records never match.
func (d *visitorDoc) visitor(ctx context.Context, id string) *model.Visitor {
	v := d.Visitor
	v.ID = model.VisitorID(id)
	embedding, err := embeddingFromValue(d.Embedding)
	if err != nil {
		logging.From(ctx).Warn("unreadable visitor embedding", "visitor_id", id, "error", err)
	}
	v.Embedding = embedding
	return &v
}

func decodeVisitor(ctx context.Context, snap *firestore.DocumentSnapshot) (*model.Visitor, error) {
	var doc visitorDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, goerr.Wrap(err, "failed to decode visitor", goerr.V("id", snap.Ref.ID))
	}
	return doc.visitor(ctx, snap.Ref.ID), nil
}

// decodeVisitors decodes a listing. Documents that fail to decode are logged
// and skipped so one broken record does not hide the rest of the directory.
func decodeVisitors(ctx context.Context, snaps []*firestore.DocumentSnapshot) []*model.Visitor {
	visitors := make([]*model.Visitor, 0, len(snaps))
	for _, snap := range snaps {
		v, err := decodeVisitor(ctx, snap)
		if err != nil {
			logging.From(ctx).Warn("skip undecodable visitor", "error", err)
			continue
		}
		visitors = append(visitors, v)
	}
	return visitors
}

func (r *Firestore) CreateVisitor(ctx context.Context, visitor *model.Visitor) (model.VisitorID, error) {
	ref := r.visitors().NewDoc()
	if _, err := ref.Create(ctx, visitor); err != nil {
		return "", goerr.Wrap(err, "failed to create visitor")
	}
	return model.VisitorID(ref.ID), nil
}

func (r *Firestore) GetVisitor(ctx context.Context, id model.VisitorID) (*model.Visitor, error) {
	snap, err := r.visitors().Doc(string(id)).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, goerr.Wrap(model.ErrVisitorNotFound, "no such visitor", goerr.V("id", id))
		}
		return nil, goerr.Wrap(err, "failed to get visitor", goerr.V("id", id))
	}
	return decodeVisitor(ctx, snap)
}

func (r *Firestore) ListVisitors(ctx context.Context) ([]*model.Visitor, error) {
	iter := r.visitors().Documents(ctx)
	defer iter.Stop()

	var snaps []*firestore.DocumentSnapshot
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list visitors")
		}
		snaps = append(snaps, snap)
	}
	return decodeVisitors(ctx, snaps), nil
}

// visitorUpdates converts a partial update to Firestore field updates
func visitorUpdates(u *model.VisitorUpdate) []firestore.Update {
	var updates []firestore.Update
	if u.ClearCheckOut {
		if u.CheckOutTime == nil {
			updates = append(updates, firestore.Update{Path: "checkOutTime", Value: firestore.Delete})
		}
		if u.Feedback == nil {
			updates = append(updates, firestore.Update{Path: "feedback", Value: firestore.Delete})
		}
	}
	if u.Approved != nil {
		updates = append(updates, firestore.Update{Path: "approved", Value: *u.Approved})
	}
	if u.Blacklisted != nil {
		updates = append(updates, firestore.Update{Path: "blacklisted", Value: *u.Blacklisted})
	}
	if u.CheckInTime != nil {
		updates = append(updates, firestore.Update{Path: "checkInTime", Value: *u.CheckInTime})
	}
	if u.CheckOutTime != nil {
		updates = append(updates, firestore.Update{Path: "checkOutTime", Value: *u.CheckOutTime})
	}
	if u.ExpectedCheckOutTime != nil {
		updates = append(updates, firestore.Update{Path: "expectedCheckOutTime", Value: u.ExpectedCheckOutTime.String()})
	}
	if u.LastCheckInAttempt != nil {
		updates = append(updates, firestore.Update{Path: "lastCheckInAttempt", Value: *u.LastCheckInAttempt})
	}
	if u.Feedback != nil {
		updates = append(updates, firestore.Update{Path: "feedback", Value: *u.Feedback})
	}
	if u.ReminderSent != nil {
		updates = append(updates, firestore.Update{Path: "reminderSent", Value: *u.ReminderSent})
	}
	return updates
}

func (r *Firestore) UpdateVisitor(ctx context.Context, id model.VisitorID, update *model.VisitorUpdate) error {
	updates := visitorUpdates(update)
	if len(updates) == 0 {
		return nil
	}

	if _, err := r.visitors().Doc(string(id)).Update(ctx, updates); err != nil {
		if isNotFound(err) {
			return goerr.Wrap(model.ErrVisitorNotFound, "no such visitor", goerr.V("id", id))
		}
		return goerr.Wrap(err, "failed to update visitor", goerr.V("id", id))
	}
	return nil
}

func (r *Firestore) DeleteVisitor(ctx context.Context, id model.VisitorID) error {
	if _, err := r.visitors().Doc(string(id)).Delete(ctx, firestore.Exists); err != nil {
		if isNotFound(err) {
			return goerr.Wrap(model.ErrVisitorNotFound, "no such visitor", goerr.V("id", id))
		}
		return goerr.Wrap(err, "failed to delete visitor", goerr.V("id", id))
	}
	return nil
}

func (r *Firestore) WatchVisitor(ctx context.Context, id model.VisitorID, fn VisitorWatchFunc) error {
	iter := r.visitors().Doc(string(id)).Snapshots(ctx)
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if err != nil && !(isNotFound(err) && snap != nil) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return goerr.Wrap(err, "failed to watch visitor", goerr.V("id", id))
		}

		var v *model.Visitor
		if snap.Exists() {
			if v, err = decodeVisitor(ctx, snap); err != nil {
				return err
			}
		}

		done, err := fn(v)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (r *Firestore) WatchPending(ctx context.Context, fn PendingWatchFunc) error {
	iter := r.visitors().Where("approved", "==", false).Snapshots(ctx)
	defer iter.Stop()

	for {
		qs, err := iter.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return goerr.Wrap(err, "failed to watch pending visitors")
		}

		snaps, err := qs.Documents.GetAll()
		if err != nil {
			return goerr.Wrap(err, "failed to read pending snapshot")
		}
		done, err := fn(decodeVisitors(ctx, snaps))
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func decodeReminder(snap *firestore.DocumentSnapshot) (*model.Reminder, error) {
	var rem model.Reminder
	if err := snap.DataTo(&rem); err != nil {
		return nil, goerr.Wrap(err, "failed to decode reminder", goerr.V("id", snap.Ref.ID))
	}
	rem.ID = model.ReminderID(snap.Ref.ID)
	return &rem, nil
}

func (r *Firestore) PutReminder(ctx context.Context, reminder *model.Reminder) error {
	if reminder.ID == "" {
		return goerr.New("reminder ID is empty")
	}
	if _, err := r.reminders().Doc(string(reminder.ID)).Set(ctx, reminder); err != nil {
		return goerr.Wrap(err, "failed to put reminder", goerr.V("id", reminder.ID))
	}
	return nil
}

func (r *Firestore) GetReminder(ctx context.Context, id model.ReminderID) (*model.Reminder, error) {
	snap, err := r.reminders().Doc(string(id)).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, goerr.Wrap(model.ErrReminderNotFound, "no such reminder", goerr.V("id", id))
		}
		return nil, goerr.Wrap(err, "failed to get reminder", goerr.V("id", id))
	}
	return decodeReminder(snap)
}

func (r *Firestore) ListReminders(ctx context.Context, st model.ReminderStatus) ([]*model.Reminder, error) {
	snaps, err := r.reminders().Where("status", "==", string(st)).Documents(ctx).GetAll()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list reminders", goerr.V("status", st))
	}

	reminders := make([]*model.Reminder, 0, len(snaps))
	for _, snap := range snaps {
		rem, err := decodeReminder(snap)
		if err != nil {
			return nil, err
		}
		reminders = append(reminders, rem)
	}
	return reminders, nil
}

func (r *Firestore) ClaimReminder(ctx context.Context, id model.ReminderID, st model.ReminderStatus) (*model.Reminder, error) {
	ref := r.reminders().Doc(string(id))

	var claimed *model.Reminder
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if isNotFound(err) {
				return goerr.Wrap(model.ErrReminderNotFound, "no such reminder", goerr.V("id", id))
			}
			return goerr.Wrap(err, "failed to get reminder", goerr.V("id", id))
		}

		rem, err := decodeReminder(snap)
		if err != nil {
			return err
		}
		if rem.Status != model.ReminderPending {
			return goerr.Wrap(model.ErrReminderClaimed, "reminder is not pending",
				goerr.V("id", id),
				goerr.V("status", rem.Status))
		}

		rem.Status = st
		claimed = rem
		return tx.Update(ref, []firestore.Update{{Path: "status", Value: string(st)}})
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

func (r *Firestore) FinishReminder(ctx context.Context, id model.ReminderID, st model.ReminderStatus, errMsg string) error {
	updates := []firestore.Update{
		{Path: "status", Value: string(st)},
		{Path: "dispatchedAt", Value: time.Now()},
	}
	if errMsg != "" {
		updates = append(updates, firestore.Update{Path: "error", Value: errMsg})
	}

	if _, err := r.reminders().Doc(string(id)).Update(ctx, updates); err != nil {
		if isNotFound(err) {
			return goerr.Wrap(model.ErrReminderNotFound, "no such reminder", goerr.V("id", id))
		}
		return goerr.Wrap(err, "failed to finish reminder", goerr.V("id", id))
	}
	return nil
}
