package sfm

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/multierr"
)

var (
	// ErrEmptyInput is returned when there is nothing to average.
	ErrEmptyInput = errors.New("empty input")

	// ErrInvalidReference is returned when the reference view is out of
	// range or not observed by any relative rotation.
	ErrInvalidReference = errors.New("invalid reference view")

	// ErrDisconnectedGraph is returned when some observed view cannot be
	// reached from the reference view.
	ErrDisconnectedGraph = errors.New("view graph is disconnected")

	// ErrSingularSystem is returned when a normal matrix cannot be factorized.
	ErrSingularSystem = errors.New("singular linear system")

	// ErrNumericDivergence is returned when a refinement stage diverges.
	ErrNumericDivergence = errors.New("numeric divergence")

	// ErrInvalidRelativeRotation is returned for malformed measurements.
	ErrInvalidRelativeRotation = errors.New("invalid relative rotation")
)

// UnreachableViewsError lists the views not reachable from the reference.
type UnreachableViewsError struct {
	Reference ViewID
	Views     []ViewID
}

func (e *UnreachableViewsError) Error() string {
	return fmt.Sprintf("%v: %d view(s) unreachable from reference %d: %v",
		ErrDisconnectedGraph, len(e.Views), e.Reference, e.Views)
}

func (e *UnreachableViewsError) Unwrap() error {
	return ErrDisconnectedGraph
}

// AveragingError reports the last stage reached before a run failed.
type AveragingError struct {
	Stage Stage
	Err   error
}

func (e *AveragingError) Error() string {
	return fmt.Sprintf("rotation averaging failed after %s: %v", e.Stage, e.Err)
}

func (e *AveragingError) Unwrap() error {
	return e.Err
}

// validateRelativeRotations checks every measurement against numViews and
// reports all violations together.
func validateRelativeRotations(rel RelativeRotations, numViews int) error {
	var errs error
	for idx, r := range rel {
		if int(r.I) >= numViews || int(r.J) >= numViews {
			errs = multierr.Append(errs, fmt.Errorf("%w: edge %d (%d,%d) references a view >= %d",
				ErrInvalidRelativeRotation, idx, r.I, r.J, numViews))
		}
		if r.I == r.J {
			errs = multierr.Append(errs, fmt.Errorf("%w: edge %d is a self loop on view %d",
				ErrInvalidRelativeRotation, idx, r.I))
		}
		if r.Weight < 0 || math.IsNaN(r.Weight) || math.IsInf(r.Weight, 0) {
			errs = multierr.Append(errs, fmt.Errorf("%w: edge %d has weight %g",
				ErrInvalidRelativeRotation, idx, r.Weight))
		}
		if err := r.R.Validate(DefaultRotationTolerance); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%w: edge %d (%d,%d): %v",
				ErrInvalidRelativeRotation, idx, r.I, r.J, err))
		}
	}
	return errs
}
