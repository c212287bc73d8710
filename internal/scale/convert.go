package scale

import (
	"errors"
	"math"

	"craftscale/scale-server/internal/model"
)

// ErrZeroFactor indicates a calibration whose factor is zero. Converting
// with it would yield Inf/NaN, so every reading must be rejected until the
// scale is recalibrated.
var ErrZeroFactor = errors.New("calibration factor is zero")

// Convert maps a raw ADC value to calibrated grams using the supplied
// calibration. Negative results clamp to exactly 0; the result is rounded
// to two decimals so stored and displayed weights agree.
func Convert(rawValue float64, cal model.Calibration) (float64, error) {
	if cal.Factor == 0 {
		return 0, ErrZeroFactor
	}

	weight := (rawValue - cal.Offset) / cal.Factor
	if weight < 0 {
		return 0, nil
	}

	return Round2(weight), nil
}

// NewFactor computes the factor that makes rawValue read as knownWeight
// grams under the given offset. knownWeight must be non-zero.
func NewFactor(rawValue, knownWeight, offset float64) (float64, error) {
	if knownWeight == 0 {
		return 0, errors.New("known weight must be non-zero")
	}
	return (rawValue - offset) / knownWeight, nil
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
