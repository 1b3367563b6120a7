// Package visit implements the kiosk flows: registration, check-in and
// check-out, plus the admin operations on visitor records.
package visit

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lobby/pkg/adapter"
	"github.com/m-mizutani/lobby/pkg/biometric"
	"github.com/m-mizutani/lobby/pkg/model"
	"github.com/m-mizutani/lobby/pkg/repository"
	"github.com/m-mizutani/lobby/pkg/usecase/identity"
	"github.com/m-mizutani/lobby/pkg/utils/logging"
)

var (
	ErrCaptureFailed = goerr.New("face capture failed")
	ErrAccessDenied  = goerr.New("visitor is blacklisted")
)

// Scheduler plans and withdraws departure reminders
type Scheduler interface {
	Schedule(ctx context.Context, visitor *model.Visitor, checkIn time.Time, expected model.ClockTime) (*model.Reminder, error)
	Cancel(ctx context.Context, visitorID model.VisitorID, checkIn time.Time) error
}

// UseCase runs the visit flows against the visitor directory
type UseCase struct {
	repo      repository.Repository
	capture   adapter.Capture
	scheduler Scheduler
	now       func() time.Time
}

// Option is a functional option for UseCase
type Option func(*UseCase)

// WithScheduler enables departure reminders on check-in
func WithScheduler(s Scheduler) Option {
	return func(uc *UseCase) {
		uc.scheduler = s
	}
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(uc *UseCase) {
		uc.now = now
	}
}

// New creates a new visit UseCase instance
func New(repo repository.Repository, capture adapter.Capture, opts ...Option) *UseCase {
	uc := &UseCase{
		repo:    repo,
		capture: capture,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// RegisterInput is what a new visitor types at the kiosk
type RegisterInput struct {
	Name    string
	Email   string
	Purpose string
	// Source locates the captured frame descriptor
	Source string
}

// Register captures the face of a new visitor and stores a pending record
func (u *UseCase) Register(ctx context.Context, input RegisterInput) (*model.Visitor, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, goerr.Wrap(model.ErrInvalidVisitor, "name is empty")
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(input.Email))
	if err != nil {
		return nil, goerr.Wrap(model.ErrInvalidVisitor, "invalid email address", goerr.V("email", input.Email))
	}

	descriptor, err := u.detect(ctx, input.Source)
	if err != nil {
		return nil, err
	}

	visitor := &model.Visitor{
		Name:      name,
		Email:     addr.Address,
		Purpose:   strings.TrimSpace(input.Purpose),
		Embedding: descriptor,
		CreatedAt: u.now(),
	}
	if err := visitor.Validate(); err != nil {
		return nil, err
	}

	id, err := u.repo.CreateVisitor(ctx, visitor)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to register visitor")
	}
	visitor.ID = id

	logging.From(ctx).Info("visitor registered", "visitor_id", id, "name", name)
	return visitor, nil
}

// detect captures a descriptor and checks it has the detector's shape
func (u *UseCase) detect(ctx context.Context, source string) ([]float32, error) {
	descriptor, err := u.capture.DetectFace(ctx, source)
	if err != nil {
		return nil, goerr.Wrap(errors.Join(ErrCaptureFailed, err), "failed to capture face", goerr.V("source", source))
	}
	if err := biometric.ValidateDescriptor(descriptor, biometric.DescriptorLength); err != nil {
		return nil, goerr.Wrap(errors.Join(ErrCaptureFailed, err), "unusable face descriptor", goerr.V("source", source))
	}
	return descriptor, nil
}

func (u *UseCase) resolve(ctx context.Context, source string, threshold float64) (*identity.Resolution, error) {
	probe, err := u.detect(ctx, source)
	if err != nil {
		return nil, err
	}

	visitors, err := u.repo.ListVisitors(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list visitors")
	}

	return identity.Resolve(ctx, probe, visitors, threshold), nil
}

// CheckIn identifies the visitor in front of the kiosk. A blacklisted match
// is recorded as an attempt so the admin dashboard can raise it.
func (u *UseCase) CheckIn(ctx context.Context, source string) (*identity.Resolution, error) {
	res, err := u.resolve(ctx, source, biometric.CheckInThreshold)
	if err != nil {
		return nil, err
	}

	logger := logging.From(ctx)
	switch res.Outcome {
	case identity.BlacklistedMatch:
		now := u.now()
		res.Visitor.LastCheckInAttempt = &now
		if err := u.repo.UpdateVisitor(ctx, res.Visitor.ID, &model.VisitorUpdate{LastCheckInAttempt: &now}); err != nil {
			logger.Error("failed to record blacklisted check-in attempt", "visitor_id", res.Visitor.ID, "error", err)
		}
		logger.Warn("blacklisted visitor attempted to check in", "visitor_id", res.Visitor.ID, "distance", res.Distance)

	case identity.AllowedMatch:
		logger.Info("visitor recognized", "visitor_id", res.Visitor.ID, "distance", res.Distance)

	default:
		logger.Info("no matching visitor for check-in")
	}

	return res, nil
}

// ConfirmCheckIn opens a new visit and schedules its departure reminder. The
// returned reminder is nil when no reminder was planned.
func (u *UseCase) ConfirmCheckIn(ctx context.Context, id model.VisitorID, expected model.ClockTime) (*model.Reminder, error) {
	if !expected.IsZero() {
		if _, err := model.ParseClockTime(expected.String()); err != nil {
			return nil, err
		}
	}

	visitor, err := u.repo.GetVisitor(ctx, id)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get visitor", goerr.V("visitor_id", id))
	}
	if visitor.Blacklisted {
		return nil, goerr.Wrap(ErrAccessDenied, "blacklisted visitor cannot check in", goerr.V("visitor_id", id))
	}

	if visitor.OnPremises() && u.scheduler != nil {
		if err := u.scheduler.Cancel(ctx, id, *visitor.CheckInTime); err != nil {
			logging.From(ctx).Warn("failed to cancel reminder of previous visit", "visitor_id", id, "error", err)
		}
	}

	now := u.now()
	update := &model.VisitorUpdate{
		CheckInTime:          &now,
		ExpectedCheckOutTime: &expected,
		ReminderSent:         model.Ptr(false),
		ClearCheckOut:        true,
	}
	if err := u.repo.UpdateVisitor(ctx, id, update); err != nil {
		return nil, goerr.Wrap(err, "failed to check in visitor", goerr.V("visitor_id", id))
	}
	update.Apply(visitor)

	logging.From(ctx).Info("visitor checked in", "visitor_id", id, "expected_check_out", expected)

	if u.scheduler == nil || expected.IsZero() {
		return nil, nil
	}
	rem, err := u.scheduler.Schedule(ctx, visitor, now, expected)
	if err != nil {
		return nil, goerr.Wrap(err, "checked in but failed to schedule reminder", goerr.V("visitor_id", id))
	}
	return rem, nil
}

// CheckOut identifies a departing visitor. It has no side effects.
func (u *UseCase) CheckOut(ctx context.Context, source string) (*identity.Resolution, error) {
	return u.resolve(ctx, source, biometric.CheckOutThreshold)
}

// CompleteCheckOut closes the current visit with the visitor's feedback
func (u *UseCase) CompleteCheckOut(ctx context.Context, id model.VisitorID, feedback string) error {
	visitor, err := u.repo.GetVisitor(ctx, id)
	if err != nil {
		return goerr.Wrap(err, "failed to get visitor", goerr.V("visitor_id", id))
	}
	if visitor.CheckInTime == nil {
		return goerr.Wrap(model.ErrNotCheckedIn, "cannot check out", goerr.V("visitor_id", id))
	}
	if visitor.CheckedOut() {
		return goerr.Wrap(model.ErrAlreadyCheckedOut, "cannot check out", goerr.V("visitor_id", id))
	}

	checkIn := *visitor.CheckInTime
	now := u.now()
	if !now.After(checkIn) {
		now = checkIn.Add(time.Second)
	}

	feedback = strings.TrimSpace(feedback)
	if err := u.repo.UpdateVisitor(ctx, id, &model.VisitorUpdate{
		CheckOutTime: &now,
		Feedback:     &feedback,
	}); err != nil {
		return goerr.Wrap(err, "failed to check out visitor", goerr.V("visitor_id", id))
	}

	if u.scheduler != nil {
		if err := u.scheduler.Cancel(ctx, id, checkIn); err != nil {
			logging.From(ctx).Warn("failed to cancel reminder", "visitor_id", id, "error", err)
		}
	}

	logging.From(ctx).Info("visitor checked out", "visitor_id", id)
	return nil
}
