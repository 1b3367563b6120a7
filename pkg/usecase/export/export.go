// Package export copies completed visits to an analytics sink
package export

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lobby/pkg/adapter"
	"github.com/m-mizutani/lobby/pkg/model"
	"github.com/m-mizutani/lobby/pkg/repository"
	"github.com/m-mizutani/lobby/pkg/utils/logging"
)

// UseCase exports visits from the directory
type UseCase struct {
	repo repository.Repository
	sink adapter.VisitSink
	now  func() time.Time
}

// Option is a functional option for UseCase
type Option func(*UseCase)

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(uc *UseCase) {
		uc.now = now
	}
}

// New creates a new export UseCase instance
func New(repo repository.Repository, sink adapter.VisitSink, opts ...Option) *UseCase {
	uc := &UseCase{
		repo: repo,
		sink: sink,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

type Options struct {
	// Since skips visits that started before it. Zero exports everything.
	Since time.Time
	// IncludeOpen also exports visits of visitors still on premises
	IncludeOpen bool
}

// InsertID identifies one state of a visit. An open visit exported again
// after check-out gets a new ID.
func InsertID(v *model.Visitor) string {
	var out int64
	if v.CheckOutTime != nil {
		out = v.CheckOutTime.Unix()
	}
	return fmt.Sprintf("%s-%d-%d", v.ID, v.CheckInTime.Unix(), out)
}

// Export writes the latest visit of every visitor matching opts and returns
// the number of rows written
func (u *UseCase) Export(ctx context.Context, opts Options) (int, error) {
	visitors, err := u.repo.ListVisitors(ctx)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to list visitors")
	}

	now := u.now()
	var (
		rows []*adapter.VisitRow
		ids  []string
	)
	for _, v := range visitors {
		if v.CheckInTime == nil {
			continue
		}
		if !opts.Since.IsZero() && v.CheckInTime.Before(opts.Since) {
			continue
		}
		if !opts.IncludeOpen && !v.CheckedOut() {
			continue
		}

		rows = append(rows, toRow(v, now))
		ids = append(ids, InsertID(v))
	}

	if err := u.sink.Put(ctx, rows, ids); err != nil {
		return 0, goerr.Wrap(err, "failed to export visits")
	}

	logging.From(ctx).Info("visits exported", "rows", len(rows))
	return len(rows), nil
}

func toRow(v *model.Visitor, now time.Time) *adapter.VisitRow {
	row := &adapter.VisitRow{
		VisitorID:            v.ID.String(),
		Name:                 v.Name,
		Email:                v.Email,
		Purpose:              v.Purpose,
		Blacklisted:          v.Blacklisted,
		RegisteredAt:         v.CreatedAt,
		CheckInTime:          *v.CheckInTime,
		ExpectedCheckOutTime: v.ExpectedCheckOutTime.String(),
		Feedback:             v.Feedback,
		ReminderSent:         v.ReminderSent,
		ExportedAt:           now,
	}
	if v.CheckOutTime != nil {
		row.CheckOutTime = bigquery.NullTimestamp{Timestamp: *v.CheckOutTime, Valid: true}
	}
	return row
}
