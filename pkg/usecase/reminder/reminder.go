// Package reminder sends a departure reminder to a checked-in visitor shortly
// before the expected check-out time.
package reminder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lobby/pkg/adapter"
	"github.com/m-mizutani/lobby/pkg/model"
	"github.com/m-mizutani/lobby/pkg/repository"
	"github.com/m-mizutani/lobby/pkg/utils/logging"
)

// Lead is how long before the expected check-out time the reminder fires
const Lead = 30 * time.Minute

// Plan returns when the reminder for expected should fire. ok is false when
// that moment is not strictly after now; such reminders are skipped, not
// sent immediately.
func Plan(expected model.ClockTime, now time.Time) (fireAt time.Time, ok bool, err error) {
	at, err := expected.On(now)
	if err != nil {
		return time.Time{}, false, err
	}
	fireAt = at.Add(-Lead)
	return fireAt, fireAt.After(now), nil
}

// Scheduler persists reminders and fires them with in-process timers. A
// reminder is dispatched at most once even when several processes hold a
// timer for it, since dispatch first claims the persisted record. A
// Scheduler without a messenger only records reminders and leaves them
// pending for a serving process.
type Scheduler struct {
	repo      repository.Repository
	messenger adapter.Messenger
	now       func() time.Time

	mu      sync.Mutex
	timers  map[model.ReminderID]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

// Option is a functional option for Scheduler
type Option func(*Scheduler)

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a new Scheduler
func New(repo repository.Repository, messenger adapter.Messenger, opts ...Option) *Scheduler {
	s := &Scheduler{
		repo:      repo,
		messenger: messenger,
		now:       time.Now,
		timers:    make(map[model.ReminderID]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule plans the reminder of the visit that started at checkIn. It
// returns nil without error if the reminder would fire in the past.
func (s *Scheduler) Schedule(ctx context.Context, visitor *model.Visitor, checkIn time.Time, expected model.ClockTime) (*model.Reminder, error) {
	now := s.now()
	fireAt, ok, err := Plan(expected, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		logging.From(ctx).Debug("skip reminder, fire time already passed",
			"visitor_id", visitor.ID,
			"expected", expected,
			"fire_at", fireAt)
		return nil, nil
	}

	rem := &model.Reminder{
		ID:           model.NewReminderID(visitor.ID, checkIn),
		VisitorID:    visitor.ID,
		Name:         visitor.Name,
		Email:        visitor.Email,
		CheckInTime:  checkIn,
		ExpectedTime: expected,
		FireAt:       fireAt,
		Status:       model.ReminderPending,
		CreatedAt:    now,
	}
	if err := s.repo.PutReminder(ctx, rem); err != nil {
		return nil, goerr.Wrap(err, "failed to save reminder", goerr.V("visitor_id", visitor.ID))
	}

	if s.messenger != nil {
		s.arm(ctx, rem)
	}
	logging.From(ctx).Info("reminder scheduled",
		"visitor_id", visitor.ID,
		"reminder_id", rem.ID,
		"fire_at", fireAt)

	return rem, nil
}

// arm sets a timer for rem, replacing an existing one
func (s *Scheduler) arm(ctx context.Context, rem *model.Reminder) {
	delay := rem.FireAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	bg := context.WithoutCancel(ctx)
	id := rem.ID

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.wg.Add(1)
		s.mu.Unlock()
		defer s.wg.Done()

		if err := s.Dispatch(bg, id); err != nil {
			logging.From(bg).Error("failed to dispatch reminder", "reminder_id", id, "error", err)
		}
	})
}

func (s *Scheduler) armed(id model.ReminderID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

// Armed returns the number of timers waiting to fire
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Dispatch sends the reminder if it is still pending and the visit is still
// open. Send failures are logged and recorded, never retried.
func (s *Scheduler) Dispatch(ctx context.Context, id model.ReminderID) error {
	logger := logging.From(ctx).With("reminder_id", id)

	rem, err := s.repo.GetReminder(ctx, id)
	if err != nil {
		return goerr.Wrap(err, "failed to get reminder")
	}
	if rem.Status != model.ReminderPending {
		logger.Debug("reminder already handled", "status", rem.Status)
		return nil
	}

	if s.messenger == nil {
		logger.Debug("no messenger, leave reminder to serving process")
		return nil
	}

	if open, err := s.visitOpen(ctx, rem); err != nil {
		return err
	} else if !open {
		return s.cancel(ctx, id)
	}

	claimed, err := s.repo.ClaimReminder(ctx, id, model.ReminderSent)
	if err != nil {
		if errors.Is(err, model.ErrReminderClaimed) {
			logger.Debug("reminder claimed by another process")
			return nil
		}
		return goerr.Wrap(err, "failed to claim reminder")
	}

	if err := s.messenger.Send(ctx, claimed.Name, claimed.Email, claimed.Payload()); err != nil {
		logger.Error("failed to send reminder", "visitor_id", claimed.VisitorID, "error", err)
		if ferr := s.repo.FinishReminder(ctx, id, model.ReminderFailed, err.Error()); ferr != nil {
			logger.Warn("failed to record reminder failure", "error", ferr)
		}
		return nil
	}

	if err := s.repo.FinishReminder(ctx, id, model.ReminderSent, ""); err != nil {
		logger.Warn("failed to record reminder dispatch", "error", err)
	}
	if err := s.repo.UpdateVisitor(ctx, claimed.VisitorID, &model.VisitorUpdate{ReminderSent: model.Ptr(true)}); err != nil {
		logger.Warn("failed to mark reminder sent on visitor", "visitor_id", claimed.VisitorID, "error", err)
	}

	logger.Info("reminder sent", "visitor_id", claimed.VisitorID)
	return nil
}

// visitOpen reports whether the visit the reminder belongs to is still in
// progress
func (s *Scheduler) visitOpen(ctx context.Context, rem *model.Reminder) (bool, error) {
	v, err := s.repo.GetVisitor(ctx, rem.VisitorID)
	if err != nil {
		if errors.Is(err, model.ErrVisitorNotFound) {
			return false, nil
		}
		return false, goerr.Wrap(err, "failed to get visitor", goerr.V("visitor_id", rem.VisitorID))
	}
	if !v.OnPremises() {
		return false, nil
	}
	return v.CheckInTime.Unix() == rem.CheckInTime.Unix(), nil
}

func (s *Scheduler) cancel(ctx context.Context, id model.ReminderID) error {
	if _, err := s.repo.ClaimReminder(ctx, id, model.ReminderCancelled); err != nil {
		if errors.Is(err, model.ErrReminderClaimed) || errors.Is(err, model.ErrReminderNotFound) {
			return nil
		}
		return goerr.Wrap(err, "failed to cancel reminder", goerr.V("reminder_id", id))
	}
	logging.From(ctx).Info("reminder cancelled", "reminder_id", id)
	return nil
}

// Cancel withdraws the reminder of the visit that started at checkIn
func (s *Scheduler) Cancel(ctx context.Context, visitorID model.VisitorID, checkIn time.Time) error {
	id := model.NewReminderID(visitorID, checkIn)

	s.mu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	return s.cancel(ctx, id)
}

// Resume arms timers for persisted pending reminders this process does not
// hold yet. Reminders whose fire time passed while nobody was running are
// sent if the expected check-out time is still ahead, otherwise cancelled.
func (s *Scheduler) Resume(ctx context.Context) (int, error) {
	reminders, err := s.repo.ListReminders(ctx, model.ReminderPending)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to list pending reminders")
	}

	now := s.now()
	var armed int
	for _, rem := range reminders {
		if s.armed(rem.ID) {
			continue
		}
		if !rem.FireAt.Add(Lead).After(now) {
			if err := s.cancel(ctx, rem.ID); err != nil {
				return armed, err
			}
			continue
		}
		s.arm(ctx, rem)
		armed++
	}

	return armed, nil
}

// Serve resumes persisted reminders and rescans every interval to pick up
// reminders scheduled by other kiosk processes. It blocks until ctx ends,
// then stops all timers.
func (s *Scheduler) Serve(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	defer s.Stop()

	logger := logging.From(ctx)
	n, err := s.Resume(ctx)
	if err != nil {
		return err
	}
	logger.Info("reminder scheduler started", "resumed", n, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := s.Resume(ctx); err != nil {
				logger.Error("failed to rescan reminders", "error", err)
			} else if n > 0 {
				logger.Info("armed reminders", "count", n)
			}
		}
	}
}

// Stop cancels every timer of this process and waits for in-flight
// dispatches. Persisted reminders are kept and can be resumed later.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
}
