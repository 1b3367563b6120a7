// Package approval implements the admin gate between registration and
// check-in.
package approval

import (
	"context"
	"errors"
	"sort"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lobby/pkg/model"
	"github.com/m-mizutani/lobby/pkg/repository"
	"github.com/m-mizutani/lobby/pkg/utils/logging"
)

// Decision is the admin verdict on a registration as seen by the kiosk
type Decision int

const (
	Pending Decision = iota
	Approved
	Denied
)

func (x Decision) String() string {
	switch x {
	case Approved:
		return "approved"
	case Denied:
		return "denied"
	default:
		return "pending"
	}
}

// UseCase decides pending registrations
type UseCase struct {
	repo repository.Repository
}

// New creates a new approval UseCase instance
func New(repo repository.Repository) *UseCase {
	return &UseCase{repo: repo}
}

func conflict(err error, msg string, id model.VisitorID) error {
	return goerr.Wrap(errors.Join(model.ErrWorkflowConflict, err), msg, goerr.V("visitor_id", id))
}

// Approve marks the registration approved. Approving an approved visitor
// succeeds without writing.
func (u *UseCase) Approve(ctx context.Context, id model.VisitorID) error {
	visitor, err := u.repo.GetVisitor(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrVisitorNotFound) {
			return conflict(err, "registration to approve is gone", id)
		}
		return goerr.Wrap(err, "failed to get visitor", goerr.V("visitor_id", id))
	}
	if visitor.Approved {
		logging.From(ctx).Debug("visitor already approved", "visitor_id", id)
		return nil
	}

	if err := u.repo.UpdateVisitor(ctx, id, &model.VisitorUpdate{Approved: model.Ptr(true)}); err != nil {
		if errors.Is(err, model.ErrVisitorNotFound) {
			return conflict(err, "registration to approve is gone", id)
		}
		return goerr.Wrap(err, "failed to approve visitor", goerr.V("visitor_id", id))
	}

	logging.From(ctx).Info("registration approved", "visitor_id", id, "name", visitor.Name)
	return nil
}

// Deny removes a pending registration. An approved visitor cannot be denied;
// use the blacklist instead.
func (u *UseCase) Deny(ctx context.Context, id model.VisitorID) error {
	visitor, err := u.repo.GetVisitor(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrVisitorNotFound) {
			return conflict(err, "registration to deny is gone", id)
		}
		return goerr.Wrap(err, "failed to get visitor", goerr.V("visitor_id", id))
	}
	if visitor.Approved {
		return goerr.Wrap(model.ErrWorkflowConflict, "visitor is already approved", goerr.V("visitor_id", id))
	}

	if err := u.repo.DeleteVisitor(ctx, id); err != nil {
		if errors.Is(err, model.ErrVisitorNotFound) {
			return conflict(err, "registration to deny is gone", id)
		}
		return goerr.Wrap(err, "failed to deny visitor", goerr.V("visitor_id", id))
	}

	logging.From(ctx).Info("registration denied", "visitor_id", id, "name", visitor.Name)
	return nil
}

// Await blocks until the registration is decided. A record that disappears
// was denied. If ctx ends first, Pending is returned with the context error.
func (u *UseCase) Await(ctx context.Context, id model.VisitorID) (Decision, error) {
	decision := Pending
	err := u.repo.WatchVisitor(ctx, id, func(v *model.Visitor) (bool, error) {
		switch {
		case v == nil:
			decision = Denied
		case v.Approved:
			decision = Approved
		default:
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return Pending, ctx.Err()
		}
		return Pending, goerr.Wrap(err, "failed to watch registration", goerr.V("visitor_id", id))
	}

	logging.From(ctx).Debug("registration decided", "visitor_id", id, "decision", decision)
	return decision, nil
}

// SortPending orders registrations for review: earliest registered first,
// ties broken by ID.
func SortPending(visitors []*model.Visitor) {
	sort.SliceStable(visitors, func(i, j int) bool {
		a, b := visitors[i], visitors[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Pending returns the review queue once
func (u *UseCase) Pending(ctx context.Context) ([]*model.Visitor, error) {
	visitors, err := u.repo.ListVisitors(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list visitors")
	}

	pending := make([]*model.Visitor, 0, len(visitors))
	for _, v := range visitors {
		if v.Pending() {
			pending = append(pending, v)
		}
	}
	SortPending(pending)
	return pending, nil
}

// HeadFunc receives the registration to review, or nil when none is left
type HeadFunc func(head *model.Visitor) error

// WatchPending presents the review queue one registration at a time. fn is
// called with the head of the queue on start and every time the head
// changes. A presented registration stays the head until it is decided, even
// if an earlier-registered one shows up meanwhile. It blocks until ctx is
// cancelled or fn fails.
func (u *UseCase) WatchPending(ctx context.Context, fn HeadFunc) error {
	var (
		started bool
		current model.VisitorID
	)

	err := u.repo.WatchPending(ctx, func(visitors []*model.Visitor) (bool, error) {
		if current != "" && containsVisitor(visitors, current) {
			return false, nil
		}
		SortPending(visitors)

		var head *model.Visitor
		var id model.VisitorID
		if len(visitors) > 0 {
			head, id = visitors[0], visitors[0].ID
		}
		if started && id == current {
			return false, nil
		}
		started, current = true, id

		if err := fn(head); err != nil {
			return false, err
		}
		return false, nil
	})
	if err != nil && ctx.Err() == nil {
		return goerr.Wrap(err, "pending watch stopped")
	}
	return err
}

func containsVisitor(visitors []*model.Visitor, id model.VisitorID) bool {
	for _, v := range visitors {
		if v.ID == id {
			return true
		}
	}
	return false
}
