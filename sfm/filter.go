package sfm

import "fmt"

// minX84Spread is the smallest scaled MAD (radians) used by the X84 rule.
// Below it, residuals that agree up to rounding would be split apart.
const minX84Spread = 1e-9

// ResidualAngles returns, per relative rotation, the angle of Rjᵀ·Rij·Ri.
func ResidualAngles(rel RelativeRotations, rs []Rotation) ([]float64, error) {
	out := make([]float64, len(rel))
	for k, r := range rel {
		if int(r.I) >= len(rs) || int(r.J) >= len(rs) {
			return nil, fmt.Errorf("%w: edge %d (%d,%d) references a view >= %d",
				ErrInvalidRelativeRotation, k, r.I, r.J, len(rs))
		}
		out[k] = rs[r.J].Transpose().Mul(r.R).Mul(rs[r.I]).Angle()
	}
	return out, nil
}

// FilterRelativeRotations marks each relative rotation as inlier when its
// residual angle under rs is below threshold (radians). A zero threshold is
// replaced by the X84 value median + 5.2·MAD of the residuals, with the
// scaled MAD floored at 1e-9. It returns the number of inliers.
func FilterRelativeRotations(rel RelativeRotations, rs []Rotation, threshold float64, inliers []bool) (int, error) {
	count, _, _, err := filterRelativeRotations(rel, rs, threshold, DefaultX84Multiplier, inliers)
	return count, err
}

// filterRelativeRotations also returns the threshold used and the residuals.
func filterRelativeRotations(rel RelativeRotations, rs []Rotation, threshold, mul float64, inliers []bool) (int, float64, []float64, error) {
	if len(rel) == 0 {
		return 0, 0, nil, fmt.Errorf("filter: %w", ErrEmptyInput)
	}
	if len(inliers) != len(rel) {
		return 0, 0, nil, fmt.Errorf("filter: inlier mask has %d slots for %d relative rotations", len(inliers), len(rel))
	}

	residuals, err := ResidualAngles(rel, rs)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("filter: %w", err)
	}
	if threshold == 0 {
		median, mad, err := X84Threshold(residuals, mul)
		if err != nil {
			return 0, 0, nil, fmt.Errorf("filter: %w", err)
		}
		threshold = median + max(mad, minX84Spread)
	}

	count := 0
	for k, r := range residuals {
		inliers[k] = r < threshold
		if inliers[k] {
			count++
		}
	}
	return count, threshold, residuals, nil
}
