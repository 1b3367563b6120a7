package reminder_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/lobby/pkg/model"
	"github.com/m-mizutani/lobby/pkg/repository"
	"github.com/m-mizutani/lobby/pkg/usecase/reminder"
)

type sentMessage struct {
	name    string
	email   string
	payload map[string]string
}

type mockMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (m *mockMessenger) Send(ctx context.Context, name, email string, payload map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{name: name, email: email, payload: payload})
	return m.err
}

func (m *mockMessenger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

var base = time.Date(2026, 10, 18, 10, 0, 0, 0, time.Local)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// checkedIn stores a visitor that checked in at base
func checkedIn(t *testing.T, repo repository.Repository) *model.Visitor {
	t.Helper()
	checkIn := base
	id, err := repo.CreateVisitor(context.Background(), &model.Visitor{
		Name:        "Blue",
		Email:       "blue@example.com",
		Embedding:   firestore.Vector32{0.1},
		Approved:    true,
		CheckInTime: &checkIn,
	})
	gt.NoError(t, err)
	v, err := repo.GetVisitor(context.Background(), id)
	gt.NoError(t, err)
	return v
}

func TestPlan(t *testing.T) {
	testCases := []struct {
		expected model.ClockTime
		ok       bool
		fireAt   time.Time
	}{
		{"10:45", true, base.Add(15 * time.Minute)},
		{"10:30", false, base},
		{"10:20", false, base.Add(-10 * time.Minute)},
		{"09:00", false, base.Add(-90 * time.Minute)},
		{"18:00", true, base.Add(7*time.Hour + 30*time.Minute)},
	}

	for _, tc := range testCases {
		t.Run(tc.expected.String(), func(t *testing.T) {
			fireAt, ok, err := reminder.Plan(tc.expected, base)
			gt.NoError(t, err)
			gt.Equal(t, ok, tc.ok)
			gt.True(t, fireAt.Equal(tc.fireAt))
		})
	}

	_, _, err := reminder.Plan("later", base)
	gt.Error(t, err)
}

func TestScheduleSkipsPastFireTime(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	messenger := &mockMessenger{}
	s := reminder.New(repo, messenger, reminder.WithClock(fixedClock(base)))
	defer s.Stop()

	v := checkedIn(t, repo)
	rem, err := s.Schedule(ctx, v, base, "10:30")
	gt.NoError(t, err)
	gt.Nil(t, rem)
	gt.Equal(t, s.Armed(), 0)

	pending, err := repo.ListReminders(ctx, model.ReminderPending)
	gt.NoError(t, err)
	gt.A(t, pending).Length(0)
}

func TestSchedulePersistsAndSurvivesStop(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	s := reminder.New(repo, &mockMessenger{}, reminder.WithClock(fixedClock(base)))

	v := checkedIn(t, repo)
	rem, err := s.Schedule(ctx, v, base, "10:45")
	gt.NoError(t, err)
	gt.NotNil(t, rem)
	gt.True(t, rem.FireAt.Equal(base.Add(15*time.Minute)))
	gt.Equal(t, rem.Payload()["expected_time"], "10:45")
	gt.Equal(t, s.Armed(), 1)

	s.Stop()
	gt.Equal(t, s.Armed(), 0)

	stored, err := repo.GetReminder(ctx, rem.ID)
	gt.NoError(t, err)
	gt.Equal(t, stored.Status, model.ReminderPending)
	gt.Equal(t, stored.Email, "blue@example.com")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTimerDispatches(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	messenger := &mockMessenger{}

	fireAt := base.Add(15 * time.Minute)
	s := reminder.New(repo, messenger, reminder.WithClock(fixedClock(fireAt.Add(-20*time.Millisecond))))
	defer s.Stop()

	v := checkedIn(t, repo)
	rem, err := s.Schedule(ctx, v, base, "10:45")
	gt.NoError(t, err)

	waitFor(t, func() bool { return messenger.count() == 1 })
	waitFor(t, func() bool {
		got, err := repo.GetReminder(ctx, rem.ID)
		return err == nil && got.DispatchedAt != nil
	})

	messenger.mu.Lock()
	msg := messenger.sent[0]
	messenger.mu.Unlock()
	gt.Equal(t, msg.name, "Blue")
	gt.Equal(t, msg.email, "blue@example.com")
	gt.Equal(t, msg.payload["expected_time"], "10:45")

	stored, err := repo.GetReminder(ctx, rem.ID)
	gt.NoError(t, err)
	gt.Equal(t, stored.Status, model.ReminderSent)

	waitFor(t, func() bool {
		got, err := repo.GetVisitor(ctx, v.ID)
		return err == nil && got.ReminderSent
	})

	// a second dispatch of the same key is a no-op
	gt.NoError(t, s.Dispatch(ctx, rem.ID))
	gt.Equal(t, messenger.count(), 1)
}

func TestDispatchFailureIsNotRetried(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	messenger := &mockMessenger{err: errors.New("quota exceeded")}
	s := reminder.New(repo, messenger, reminder.WithClock(fixedClock(base)))
	defer s.Stop()

	v := checkedIn(t, repo)
	rem, err := s.Schedule(ctx, v, base, "12:00")
	gt.NoError(t, err)

	gt.NoError(t, s.Dispatch(ctx, rem.ID))
	gt.NoError(t, s.Dispatch(ctx, rem.ID))
	gt.Equal(t, messenger.count(), 1)

	stored, err := repo.GetReminder(ctx, rem.ID)
	gt.NoError(t, err)
	gt.Equal(t, stored.Status, model.ReminderFailed)
	gt.S(t, stored.Error).Contains("quota exceeded")

	got, err := repo.GetVisitor(ctx, v.ID)
	gt.NoError(t, err)
	gt.False(t, got.ReminderSent)
}

func TestDispatchAfterCheckOutCancels(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	messenger := &mockMessenger{}
	s := reminder.New(repo, messenger, reminder.WithClock(fixedClock(base)))
	defer s.Stop()

	v := checkedIn(t, repo)
	rem, err := s.Schedule(ctx, v, base, "12:00")
	gt.NoError(t, err)

	checkOut := base.Add(time.Hour)
	gt.NoError(t, repo.UpdateVisitor(ctx, v.ID, &model.VisitorUpdate{CheckOutTime: &checkOut}))

	gt.NoError(t, s.Dispatch(ctx, rem.ID))
	gt.Equal(t, messenger.count(), 0)

	stored, err := repo.GetReminder(ctx, rem.ID)
	gt.NoError(t, err)
	gt.Equal(t, stored.Status, model.ReminderCancelled)
}

func TestDispatchForNewerVisitCancels(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	messenger := &mockMessenger{}
	s := reminder.New(repo, messenger, reminder.WithClock(fixedClock(base)))
	defer s.Stop()

	v := checkedIn(t, repo)
	rem, err := s.Schedule(ctx, v, base, "12:00")
	gt.NoError(t, err)

	next := base.Add(24 * time.Hour)
	gt.NoError(t, repo.UpdateVisitor(ctx, v.ID, &model.VisitorUpdate{CheckInTime: &next}))

	gt.NoError(t, s.Dispatch(ctx, rem.ID))
	gt.Equal(t, messenger.count(), 0)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	s := reminder.New(repo, &mockMessenger{}, reminder.WithClock(fixedClock(base)))
	defer s.Stop()

	v := checkedIn(t, repo)
	rem, err := s.Schedule(ctx, v, base, "12:00")
	gt.NoError(t, err)
	gt.Equal(t, s.Armed(), 1)

	gt.NoError(t, s.Cancel(ctx, v.ID, base))
	gt.Equal(t, s.Armed(), 0)

	stored, err := repo.GetReminder(ctx, rem.ID)
	gt.NoError(t, err)
	gt.Equal(t, stored.Status, model.ReminderCancelled)

	// cancelling a visit without a reminder is fine
	gt.NoError(t, s.Cancel(ctx, v.ID, base.Add(time.Hour)))
}

func TestResume(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	v := checkedIn(t, repo)

	// schedule from a process that then goes away
	first := reminder.New(repo, &mockMessenger{}, reminder.WithClock(fixedClock(base)))
	future, err := first.Schedule(ctx, v, base, "12:00")
	gt.NoError(t, err)
	first.Stop()

	stale := &model.Reminder{
		ID:           "stale",
		VisitorID:    v.ID,
		CheckInTime:  base,
		ExpectedTime: "09:50",
		FireAt:       base.Add(-40 * time.Minute),
		Status:       model.ReminderPending,
	}
	gt.NoError(t, repo.PutReminder(ctx, stale))

	late := &model.Reminder{
		ID:           "late",
		VisitorID:    v.ID,
		Name:         v.Name,
		Email:        v.Email,
		CheckInTime:  base,
		ExpectedTime: "10:20",
		FireAt:       base.Add(-10 * time.Minute),
		Status:       model.ReminderPending,
	}
	gt.NoError(t, repo.PutReminder(ctx, late))

	messenger := &mockMessenger{}
	second := reminder.New(repo, messenger, reminder.WithClock(fixedClock(base)))
	defer second.Stop()

	n, err := second.Resume(ctx)
	gt.NoError(t, err)
	gt.Equal(t, n, 2)

	got, err := repo.GetReminder(ctx, "stale")
	gt.NoError(t, err)
	gt.Equal(t, got.Status, model.ReminderCancelled)

	waitFor(t, func() bool { return messenger.count() == 1 })
	gt.Equal(t, second.Armed(), 1)

	got, err = repo.GetReminder(ctx, future.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Status, model.ReminderPending)

	// resuming again does not arm twice
	n, err = second.Resume(ctx)
	gt.NoError(t, err)
	gt.Equal(t, n, 0)
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	repo := repository.NewMemory()
	s := reminder.New(repo, &mockMessenger{}, reminder.WithClock(fixedClock(base)))

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, 10*time.Millisecond) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		gt.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestScheduleWithoutMessengerOnlyRecords(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	s := reminder.New(repo, nil, reminder.WithClock(fixedClock(base)))
	defer s.Stop()

	v := checkedIn(t, repo)
	rem, err := s.Schedule(ctx, v, base, "10:45")
	gt.NoError(t, err)
	gt.NotNil(t, rem)
	gt.Equal(t, s.Armed(), 0)

	gt.NoError(t, s.Dispatch(ctx, rem.ID))
	stored, err := repo.GetReminder(ctx, rem.ID)
	gt.NoError(t, err)
	gt.Equal(t, stored.Status, model.ReminderPending)
}
