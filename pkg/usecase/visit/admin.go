package visit

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lobby/pkg/model"
	"github.com/m-mizutani/lobby/pkg/utils/logging"
)

var ErrUnknownFilter = goerr.New("unknown visitor filter")

// Filter selects a dashboard tab
type Filter string

const (
	FilterAll         Filter = "all"
	FilterCheckedIn   Filter = "checked_in"
	FilterCheckedOut  Filter = "checked_out"
	FilterBlacklisted Filter = "blacklisted"
)

// Filters lists every filter in dashboard order
var Filters = []Filter{FilterAll, FilterCheckedIn, FilterCheckedOut, FilterBlacklisted}

func ParseFilter(s string) (Filter, error) {
	if s == "" {
		return FilterAll, nil
	}
	for _, f := range Filters {
		if string(f) == s {
			return f, nil
		}
	}
	return "", goerr.Wrap(ErrUnknownFilter, "invalid filter", goerr.V("filter", s))
}

// Match reports whether v belongs to the tab
func (f Filter) Match(v *model.Visitor) bool {
	switch f {
	case FilterCheckedIn:
		return v.OnPremises()
	case FilterCheckedOut:
		return v.CheckedOut()
	case FilterBlacklisted:
		return v.Blacklisted
	default:
		return true
	}
}

type ListOptions struct {
	Filter Filter
}

// List returns the directory narrowed to one dashboard tab
func (u *UseCase) List(ctx context.Context, opts ListOptions) ([]*model.Visitor, error) {
	visitors, err := u.repo.ListVisitors(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list visitors")
	}

	filtered := make([]*model.Visitor, 0, len(visitors))
	for _, v := range visitors {
		if opts.Filter.Match(v) {
			filtered = append(filtered, v)
		}
	}
	return filtered, nil
}

// Counts returns the number of visitors in every dashboard tab
func Counts(visitors []*model.Visitor) map[Filter]int {
	counts := make(map[Filter]int, len(Filters))
	for _, f := range Filters {
		counts[f] = 0
	}
	for _, v := range visitors {
		for _, f := range Filters {
			if f.Match(v) {
				counts[f]++
			}
		}
	}
	return counts
}

// SetBlacklisted sets the blacklist flag of a visitor
func (u *UseCase) SetBlacklisted(ctx context.Context, id model.VisitorID, blacklisted bool) error {
	if err := u.repo.UpdateVisitor(ctx, id, &model.VisitorUpdate{Blacklisted: &blacklisted}); err != nil {
		return goerr.Wrap(err, "failed to update blacklist flag", goerr.V("visitor_id", id))
	}
	logging.From(ctx).Info("blacklist flag updated", "visitor_id", id, "blacklisted", blacklisted)
	return nil
}

// ToggleBlacklist flips the blacklist flag and returns the new value
func (u *UseCase) ToggleBlacklist(ctx context.Context, id model.VisitorID) (bool, error) {
	visitor, err := u.repo.GetVisitor(ctx, id)
	if err != nil {
		return false, goerr.Wrap(err, "failed to get visitor", goerr.V("visitor_id", id))
	}

	next := !visitor.Blacklisted
	if err := u.SetBlacklisted(ctx, id, next); err != nil {
		return false, err
	}
	return next, nil
}
