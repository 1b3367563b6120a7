package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/lobby/pkg/model"
	"github.com/m-mizutani/lobby/pkg/repository"
)

func newVisitor(name string) *model.Visitor {
	return &model.Visitor{
		Name:      name,
		Email:     name + "@example.com",
		Purpose:   "meeting",
		Embedding: firestore.Vector32{0.1, 0.2, 0.3},
		CreatedAt: time.Now(),
	}
}

func testVisitorLifecycle(t *testing.T, repo repository.Repository) {
	ctx := context.Background()

	id, err := repo.CreateVisitor(ctx, newVisitor("lifecycle"))
	gt.NoError(t, err)
	gt.NotEqual(t, id, model.VisitorID(""))

	got, err := repo.GetVisitor(ctx, id)
	gt.NoError(t, err)
	gt.Equal(t, got.ID, id)
	gt.Equal(t, got.Name, "lifecycle")
	gt.False(t, got.Approved)
	gt.False(t, got.Blacklisted)
	gt.Nil(t, got.CheckInTime)

	checkIn := time.Now().Truncate(time.Second)
	gt.NoError(t, repo.UpdateVisitor(ctx, id, &model.VisitorUpdate{
		Approved:             model.Ptr(true),
		CheckInTime:          &checkIn,
		ExpectedCheckOutTime: model.Ptr(model.ClockTime("18:30")),
	}))

	got, err = repo.GetVisitor(ctx, id)
	gt.NoError(t, err)
	gt.True(t, got.Approved)
	gt.True(t, got.OnPremises())
	gt.True(t, got.CheckInTime.Equal(checkIn))
	gt.Equal(t, got.ExpectedCheckOutTime, model.ClockTime("18:30"))
	gt.A(t, got.Embedding).Length(3)

	visitors, err := repo.ListVisitors(ctx)
	gt.NoError(t, err)
	found := false
	for _, v := range visitors {
		if v.ID == id {
			found = true
		}
	}
	gt.True(t, found)

	gt.NoError(t, repo.DeleteVisitor(ctx, id))

	_, err = repo.GetVisitor(ctx, id)
	gt.True(t, errors.Is(err, model.ErrVisitorNotFound))

	err = repo.UpdateVisitor(ctx, id, &model.VisitorUpdate{Approved: model.Ptr(true)})
	gt.True(t, errors.Is(err, model.ErrVisitorNotFound))

	err = repo.DeleteVisitor(ctx, id)
	gt.True(t, errors.Is(err, model.ErrVisitorNotFound))
}

func testWatchVisitor(t *testing.T, repo repository.Repository) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	id, err := repo.CreateVisitor(ctx, newVisitor("watch"))
	gt.NoError(t, err)

	states := make(chan *model.Visitor, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- repo.WatchVisitor(ctx, id, func(v *model.Visitor) (bool, error) {
			states <- v
			return v == nil, nil
		})
	}()

	first := <-states
	gt.NotNil(t, first)
	gt.False(t, first.Approved)

	gt.NoError(t, repo.UpdateVisitor(ctx, id, &model.VisitorUpdate{Approved: model.Ptr(true)}))
	for v := range states {
		gt.NotNil(t, v)
		if v.Approved {
			break
		}
	}

	gt.NoError(t, repo.DeleteVisitor(ctx, id))
	for v := range states {
		if v == nil {
			break
		}
	}

	gt.NoError(t, <-errCh)
}

func testReminderClaim(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	rem := &model.Reminder{
		ID:           model.NewReminderID(model.VisitorID("claim-test"), now),
		VisitorID:    "claim-test",
		Name:         "claim",
		Email:        "claim@example.com",
		CheckInTime:  now,
		ExpectedTime: "18:00",
		FireAt:       now.Add(time.Hour),
		Status:       model.ReminderPending,
		CreatedAt:    now,
	}
	gt.NoError(t, repo.PutReminder(ctx, rem))

	pending, err := repo.ListReminders(ctx, model.ReminderPending)
	gt.NoError(t, err)
	found := false
	for _, p := range pending {
		if p.ID == rem.ID {
			found = true
		}
	}
	gt.True(t, found)

	claimed, err := repo.ClaimReminder(ctx, rem.ID, model.ReminderSent)
	gt.NoError(t, err)
	gt.Equal(t, claimed.Status, model.ReminderSent)
	gt.Equal(t, claimed.Email, "claim@example.com")

	_, err = repo.ClaimReminder(ctx, rem.ID, model.ReminderSent)
	gt.True(t, errors.Is(err, model.ErrReminderClaimed))

	gt.NoError(t, repo.FinishReminder(ctx, rem.ID, model.ReminderFailed, "smtp down"))
	got, err := repo.GetReminder(ctx, rem.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Status, model.ReminderFailed)
	gt.Equal(t, got.Error, "smtp down")
	gt.NotNil(t, got.DispatchedAt)

	_, err = repo.ClaimReminder(ctx, model.ReminderID("missing"), model.ReminderSent)
	gt.True(t, errors.Is(err, model.ErrReminderNotFound))
}
