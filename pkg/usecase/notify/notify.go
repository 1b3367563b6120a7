// Package notify derives admin dashboard alerts from the visitor directory
package notify

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lobby/pkg/model"
	"github.com/m-mizutani/lobby/pkg/policy"
	"github.com/m-mizutani/lobby/pkg/repository"
	"github.com/m-mizutani/lobby/pkg/utils/logging"
)

// UseCase loads the directory and derives notifications from it
type UseCase struct {
	repo   repository.Repository
	policy *policy.Engine
	now    func() time.Time
}

// Option is a functional option for UseCase
type Option func(*UseCase)

// WithPolicy adds site-specific rules evaluated after the built-in ones
func WithPolicy(engine *policy.Engine) Option {
	return func(uc *UseCase) {
		uc.policy = engine
	}
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(uc *UseCase) {
		uc.now = now
	}
}

// New creates a new notify UseCase instance
func New(repo repository.Repository, opts ...Option) *UseCase {
	uc := &UseCase{
		repo: repo,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Load fetches the full directory and derives notifications for the current
// moment. Results are recomputed on every call and never stored.
func (u *UseCase) Load(ctx context.Context) ([]*model.Notification, error) {
	visitors, err := u.repo.ListVisitors(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list visitors")
	}

	return Derive(ctx, visitors, u.now(), u.policy)
}

// Derive builds the notification list for a directory snapshot. Blacklisted
// attempts come first, then overdue departures, each in snapshot order,
// followed by policy alerts. The same input always yields the same output.
func Derive(ctx context.Context, visitors []*model.Visitor, now time.Time, engine *policy.Engine) ([]*model.Notification, error) {
	var notifications []*model.Notification

	for _, v := range visitors {
		if v.LastCheckInAttempt != nil && v.Blacklisted {
			notifications = append(notifications, &model.Notification{
				Kind:      model.NotificationBlacklistAttempt,
				VisitorID: v.ID,
				Message:   fmt.Sprintf("Blacklisted user %s attempted to check in.", v.Name),
			})
		}
	}

	for _, v := range visitors {
		if isOverdue(ctx, v, now) {
			notifications = append(notifications, &model.Notification{
				Kind:      model.NotificationOverdue,
				VisitorID: v.ID,
				Message:   fmt.Sprintf("Visitor %s has exceeded expected check-out time.", v.Name),
			})
		}
	}

	if engine.HasNotify() {
		alerts, err := engine.Notify(ctx, policyInput(visitors, now))
		if err != nil {
			return nil, goerr.Wrap(err, "failed to evaluate notify policy")
		}

		sort.Slice(alerts, func(i, j int) bool {
			if alerts[i].Kind != alerts[j].Kind {
				return alerts[i].Kind < alerts[j].Kind
			}
			if alerts[i].VisitorID != alerts[j].VisitorID {
				return alerts[i].VisitorID < alerts[j].VisitorID
			}
			return alerts[i].Message < alerts[j].Message
		})

		for _, a := range alerts {
			notifications = append(notifications, &model.Notification{
				Kind:      model.NotificationKind(a.Kind),
				VisitorID: model.VisitorID(a.VisitorID),
				Message:   a.Message,
			})
		}
	}

	return notifications, nil
}

// isOverdue reports whether v is on premises past its expected check-out
// time, taken as today's wall-clock time in now's location.
func isOverdue(ctx context.Context, v *model.Visitor, now time.Time) bool {
	if !v.OnPremises() || v.ExpectedCheckOutTime.IsZero() {
		return false
	}

	expected, err := v.ExpectedCheckOutTime.On(now)
	if err != nil {
		logging.From(ctx).Warn("ignore malformed expected check-out time",
			"visitor_id", v.ID,
			"value", v.ExpectedCheckOutTime)
		return false
	}
	return now.After(expected)
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix()
}

// policyInput flattens the snapshot for Rego. Embeddings are left out.
func policyInput(visitors []*model.Visitor, now time.Time) map[string]any {
	list := make([]any, 0, len(visitors))
	for _, v := range visitors {
		list = append(list, map[string]any{
			"id":                      string(v.ID),
			"name":                    v.Name,
			"email":                   v.Email,
			"purpose":                 v.Purpose,
			"approved":                v.Approved,
			"blacklisted":             v.Blacklisted,
			"on_premises":             v.OnPremises(),
			"check_in_unix":           unixOrZero(v.CheckInTime),
			"check_out_unix":          unixOrZero(v.CheckOutTime),
			"last_attempt_unix":       unixOrZero(v.LastCheckInAttempt),
			"expected_check_out_time": v.ExpectedCheckOutTime.String(),
			"registered_unix":         v.CreatedAt.Unix(),
		})
	}

	return map[string]any{
		"now":      now.Format(time.RFC3339),
		"now_unix": now.Unix(),
		"visitors": list,
	}
}
