// Package biometric compares face descriptors produced by the external face
// detector.
package biometric

import (
	"math"

	"github.com/m-mizutani/goerr/v2"
)

const (
	// CheckInThreshold is the largest distance (exclusive) accepted as the
	// same person when checking in.
	CheckInThreshold = 0.50

	// CheckOutThreshold is tighter since a match at check-out closes the
	// visit and records feedback.
	CheckOutThreshold = 0.45

	// DescriptorLength is the length of a face-api.js face descriptor
	DescriptorLength = 128
)

var ErrInvalidEmbedding = goerr.New("invalid embedding")

// Distance returns the Euclidean distance between a and b. Both must have the
// same length; callers check shape with Validate beforehand.
func Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// IsMatch reports whether distance d is strictly below threshold
func IsMatch(d, threshold float64) bool {
	return d < threshold
}

// Validate checks that probe and stored can be compared
func Validate(probe, stored []float32) error {
	if err := ValidateDescriptor(probe, 0); err != nil {
		return err
	}
	if len(probe) != len(stored) {
		return goerr.Wrap(ErrInvalidEmbedding, "length mismatch",
			goerr.V("probe", len(probe)),
			goerr.V("stored", len(stored)))
	}
	return ValidateDescriptor(stored, 0)
}

// ValidateDescriptor checks that v is a usable descriptor. If length is
// positive, v must have exactly that many elements.
func ValidateDescriptor(v []float32, length int) error {
	if len(v) == 0 {
		return goerr.Wrap(ErrInvalidEmbedding, "empty descriptor")
	}
	if length > 0 && len(v) != length {
		return goerr.Wrap(ErrInvalidEmbedding, "unexpected descriptor length",
			goerr.V("expected", length),
			goerr.V("actual", len(v)))
	}
	for i, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return goerr.Wrap(ErrInvalidEmbedding, "descriptor has non-finite value", goerr.V("index", i))
		}
	}
	return nil
}
