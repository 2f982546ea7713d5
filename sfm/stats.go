package sfm

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/floats"
	gonumstat "gonum.org/v1/gonum/stat"
)

// DefaultX84Multiplier is the MAD multiplier of the X84 rejection rule.
const DefaultX84Multiplier = 5.2

// X84Threshold returns the median of values and the scaled median absolute
// deviation (mul · median|v - median|). The X84 threshold is their sum.
// values is not modified.
func X84Threshold(values []float64, mul float64) (median, madScaled float64, err error) {
	if len(values) == 0 {
		return 0, 0, fmt.Errorf("x84: %w", ErrEmptyInput)
	}
	median, err = stats.Median(values)
	if err != nil {
		return 0, 0, fmt.Errorf("x84 median: %w", err)
	}
	dev := make([]float64, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - median)
	}
	mad, err := stats.Median(dev)
	if err != nil {
		return 0, 0, fmt.Errorf("x84 deviation median: %w", err)
	}
	return median, mul * mad, nil
}

// RotationErrorStats returns min / mean / max of ‖Rij - Rj·Riᵀ‖_F over the
// edges whose views both have a valid rotation.
func RotationErrorStats(rel RelativeRotations, rs []Rotation, valid []bool) ErrorStats {
	errs := make([]float64, 0, len(rel))
	for _, r := range rel {
		if int(r.I) >= len(rs) || int(r.J) >= len(rs) {
			continue
		}
		if valid != nil && (!valid[r.I] || !valid[r.J]) {
			continue
		}
		predicted := rs[r.J].Mul(rs[r.I].Transpose())
		errs = append(errs, r.R.FrobeniusDistance(predicted))
	}
	if len(errs) == 0 {
		return ErrorStats{}
	}
	return ErrorStats{
		Min:  floats.Min(errs),
		Mean: gonumstat.Mean(errs, nil),
		Max:  floats.Max(errs),
	}
}
