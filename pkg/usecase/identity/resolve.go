// Package identity matches a captured face descriptor against the visitor
// directory.
package identity

import (
	"context"

	"github.com/m-mizutani/lobby/pkg/biometric"
	"github.com/m-mizutani/lobby/pkg/model"
	"github.com/m-mizutani/lobby/pkg/utils/logging"
)

type Outcome int

const (
	NoMatch Outcome = iota
	AllowedMatch
	BlacklistedMatch
)

func (x Outcome) String() string {
	switch x {
	case AllowedMatch:
		return "allowed_match"
	case BlacklistedMatch:
		return "blacklisted_match"
	default:
		return "no_match"
	}
}

// Message returns the kiosk text shown for the outcome of a check-in or
// check-out attempt
func (x Outcome) Message() string {
	switch x {
	case AllowedMatch:
		return "Welcome!"
	case BlacklistedMatch:
		return "Access denied. You are blacklisted."
	default:
		return "Match not found."
	}
}

// Resolution is the result of resolving a probe descriptor
type Resolution struct {
	Outcome  Outcome
	Visitor  *model.Visitor
	Distance float64
}

// Matched reports whether a visitor was found, blacklisted or not
func (x *Resolution) Matched() bool {
	return x.Outcome != NoMatch
}

// Resolve scans visitors in the given order and stops at the first one whose
// stored embedding is closer to probe than threshold. It is not a nearest
// neighbour search: a closer record later in the slice is never considered.
// Records with a malformed embedding never match.
func Resolve(ctx context.Context, probe []float32, visitors []*model.Visitor, threshold float64) *Resolution {
	for _, v := range visitors {
		if err := biometric.Validate(probe, v.Embedding); err != nil {
			logging.From(ctx).Warn("skip visitor with unusable embedding",
				"visitor_id", v.ID,
				"error", err)
			continue
		}

		d := biometric.Distance(probe, v.Embedding)
		if !biometric.IsMatch(d, threshold) {
			continue
		}

		outcome := AllowedMatch
		if v.Blacklisted {
			outcome = BlacklistedMatch
		}
		return &Resolution{
			Outcome:  outcome,
			Visitor:  v,
			Distance: d,
		}
	}

	return &Resolution{Outcome: NoMatch}
}
