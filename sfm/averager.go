package sfm

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Stage is a step of the averaging pipeline.
type Stage int

const (
	StageInit Stage = iota
	StageMSTBuilt
	StageCoarseInitialized
	StageL1Refined
	StageIRLSRefined
	StageFiltered
	StageDone
	StageFailed
)

var stageNames = [...]string{
	StageInit:              "init",
	StageMSTBuilt:          "mst-built",
	StageCoarseInitialized: "coarse-initialized",
	StageL1Refined:         "l1-refined",
	StageIRLSRefined:       "irls-refined",
	StageFiltered:          "filtered",
	StageDone:              "done",
	StageFailed:            "failed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(text []byte) error {
	for i, name := range stageNames {
		if name == string(text) {
			*s = Stage(i)
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", text)
}

// DefaultAveragingConfig returns the standard averaging parameters.
func DefaultAveragingConfig() AveragingConfig {
	return AveragingConfig{
		ReferenceView:     0,
		SigmaDegrees:      5,
		MaxIterations:     32,
		AbsoluteTolerance: 1e-5,
		RelativeTolerance: 1e-2,
		DivergenceNorm:    1e-3,
		X84Multiplier:     DefaultX84Multiplier,
		ParallelThreshold: 4096,
		L1:                DefaultL1SolverOptions(),
	}
}

// Averager estimates global view rotations from relative rotations.
// Each call is independent; an Averager may be shared between goroutines.
type Averager struct {
	cfg    AveragingConfig
	logger *zap.SugaredLogger
}

// NewAverager creates an averager. Zero-valued parameters in cfg take their
// defaults and a nil logger discards output.
func NewAverager(cfg AveragingConfig, logger *zap.SugaredLogger) *Averager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Averager{cfg: cfg.WithDefaults(), logger: logger}
}

// Config returns the effective parameters.
func (a *Averager) Config() AveragingConfig {
	return a.cfg
}

// Average runs the full pipeline over views 0..numViews-1 with ref fixed to
// the identity: spanning tree initialization, L1 refinement, IRLS refinement
// and, unless threshold is negative, outlier classification (threshold in
// radians, 0 for X84). Views not observed by any edge keep the identity and
// are marked invalid.
func (a *Averager) Average(rel RelativeRotations, numViews int, ref ViewID, threshold float64) (*Result, error) {
	start := time.Now()
	stage := StageInit
	fail := func(err error) (*Result, error) {
		a.logger.Warnw("rotation averaging failed", "stage", stage.String(), "error", err)
		return nil, &AveragingError{Stage: stage, Err: err}
	}

	if len(rel) == 0 || numViews <= 0 {
		return fail(ErrEmptyInput)
	}
	if int(ref) >= numViews {
		return fail(fmt.Errorf("%w: %d is not below %d views", ErrInvalidReference, ref, numViews))
	}
	if err := validateRelativeRotations(rel, numViews); err != nil {
		return fail(err)
	}

	tree, err := FindMaximumSpanningTree(rel)
	if err != nil {
		return fail(err)
	}
	stage = StageMSTBuilt
	a.logger.Debugw("spanning tree built", "views", len(tree.Views), "treeEdges", tree.EdgeCount(), "edges", len(rel))

	rs, valid, err := InitRotationsMST(tree, numViews, ref)
	if err != nil {
		return fail(err)
	}
	stage = StageCoarseInitialized

	res := &Result{
		Reference:   ref,
		Rotations:   rs,
		Valid:       valid,
		TreeEdges:   tree.EdgeCount(),
		ErrorBefore: RotationErrorStats(rel, rs, valid),
	}

	sys := newLinearSystem(rel, valid, ref, a.cfg.ParallelThreshold)
	if sys.numVars() > 0 {
		if res.L1, err = a.refineL1(sys, rs); err != nil {
			return fail(err)
		}
		stage = StageL1Refined
		if res.IRLS, err = a.refineIRLS(sys, rs); err != nil {
			return fail(err)
		}
		stage = StageIRLSRefined
	}
	res.ErrorAfter = RotationErrorStats(rel, rs, valid)

	if threshold >= 0 {
		res.Inliers = make([]bool, len(rel))
		res.InlierCount, res.Threshold, res.Residuals, err = filterRelativeRotations(rel, rs, threshold, a.cfg.X84Multiplier, res.Inliers)
		if err != nil {
			return fail(err)
		}
		stage = StageFiltered
	} else if res.Residuals, err = ResidualAngles(rel, rs); err != nil {
		return fail(err)
	}

	res.Stage = StageDone
	res.CompletedAt = time.Now()
	res.Duration = Duration(time.Since(start))

	a.logger.Infow("rotation averaging done",
		"views", len(tree.Views),
		"edges", len(rel),
		"l1Iterations", res.L1.Iterations,
		"irlsIterations", res.IRLS.Iterations,
		"errorBefore", fmt.Sprintf("%.3g/%.3g/%.3g", res.ErrorBefore.Min, res.ErrorBefore.Mean, res.ErrorBefore.Max),
		"errorAfter", fmt.Sprintf("%.3g/%.3g/%.3g", res.ErrorAfter.Min, res.ErrorAfter.Mean, res.ErrorAfter.Max),
		"inliers", res.InlierCount,
		"duration", time.Since(start))
	return res, nil
}

// GlobalRotationsRobust estimates global rotations for len(rs) views into rs,
// with ref fixed to the identity, and fills inliers (parallel to rel, may be
// nil) from the outlier threshold (radians, 0 for X84, negative to skip).
// Only slots of observed views are written. On error rs and inliers are
// left untouched.
func (a *Averager) GlobalRotationsRobust(rel RelativeRotations, rs []Rotation, ref ViewID, threshold float64, inliers []bool) error {
	if len(rel) == 0 || len(rs) == 0 {
		return &AveragingError{Stage: StageInit, Err: ErrEmptyInput}
	}
	if inliers != nil && len(inliers) != len(rel) {
		return &AveragingError{Stage: StageInit, Err: fmt.Errorf(
			"inlier mask has %d slots for %d relative rotations", len(inliers), len(rel))}
	}

	res, err := a.Average(rel, len(rs), ref, threshold)
	if err != nil {
		return err
	}
	for v, ok := range res.Valid {
		if ok {
			rs[v] = res.Rotations[v]
		}
	}
	if inliers != nil && res.Inliers != nil {
		copy(inliers, res.Inliers)
	}
	return nil
}

// GlobalRotationsRobust runs Averager.GlobalRotationsRobust with the default
// configuration.
func GlobalRotationsRobust(rel RelativeRotations, rs []Rotation, ref ViewID, threshold float64, inliers []bool) error {
	return NewAverager(DefaultAveragingConfig(), nil).GlobalRotationsRobust(rel, rs, ref, threshold, inliers)
}
