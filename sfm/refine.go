package sfm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// stopCheck applies the shared stage stopping rule after a correction of
// norm e followed one of norm ep. It returns whether to stop and whether
// the stop counts as converged.
func (a *Averager) stopCheck(iterations int, ep, e float64) (stop, converged bool) {
	switch {
	case e <= a.cfg.AbsoluteTolerance:
		return true, true
	case (ep-e)/e <= a.cfg.RelativeTolerance:
		return true, ep >= e
	case iterations >= a.cfg.MaxIterations:
		return true, false
	}
	return false, false
}

// divergence reports a non-finite correction, or a correction that grew past
// DivergenceNorm on the first comparison of a stage.
func (a *Averager) divergence(stage string, iterations int, ep, e float64) error {
	if math.IsNaN(e) || math.IsInf(e, 0) {
		return fmt.Errorf("%s iteration %d: %w: correction norm %g", stage, iterations+1, ErrNumericDivergence, e)
	}
	if iterations == 1 && e > ep && e > a.cfg.DivergenceNorm {
		return fmt.Errorf("%s iteration %d: %w: correction norm grew from %g to %g",
			stage, iterations+1, ErrNumericDivergence, ep, e)
	}
	return nil
}

// refineL1 runs L1 regression in the tangent space until the corrections
// vanish. A correction larger than its predecessor ends the stage without
// being applied.
func (a *Averager) refineL1(sys *linearSystem, rs []Rotation) (StageReport, error) {
	var rep StageReport
	solver, err := newL1Solver(sys, a.cfg.L1)
	if err != nil {
		return rep, err
	}

	rows, cols := sys.Dims()
	b := make([]float64, rows)
	x := make([]float64, cols)
	e := math.MaxFloat64
	for {
		sys.residuals(rs, b)
		clear(x)
		admm, err := solver.solve(b, x)
		if err != nil {
			return rep, fmt.Errorf("l1 iteration %d: %w", rep.Iterations+1, err)
		}

		ep := e
		e = floats.Norm(x, 2)
		if err := a.divergence("l1", rep.Iterations, ep, e); err != nil {
			return rep, err
		}
		a.logger.Debugw("l1 iteration", "iteration", rep.Iterations+1, "norm", e, "admmIterations", admm)
		if ep < e {
			rep.Stopped = true
			break
		}

		sys.applyCorrection(x, rs)
		rep.Iterations++
		rep.FinalNorm = e

		if stop, converged := a.stopCheck(rep.Iterations, ep, e); stop {
			rep.Converged = converged
			break
		}
	}
	return rep, nil
}

// refineIRLS runs iteratively reweighted least squares with the
// Geman-McClure style weight w = σ²/(r²+σ²)² on each edge residual r.
func (a *Averager) refineIRLS(sys *linearSystem, rs []Rotation) (StageReport, error) {
	var rep StageReport
	rows, cols := sys.Dims()
	var (
		b       = make([]float64, rows)
		wb      = make([]float64, rows)
		x       = make([]float64, cols)
		rhs     = make([]float64, cols)
		norms   = make([]float64, len(sys.rel))
		weights = make([]float64, len(sys.rel))
		normal  *mat.SymDense
		chol    mat.Cholesky
	)

	sigma2 := a.cfg.Sigma() * a.cfg.Sigma()
	e := math.MaxFloat64
	for {
		sys.residuals(rs, b)
		sys.edgeNorms(b, norms)
		for k, r := range norms {
			d := r*r + sigma2
			weights[k] = sigma2 / (d * d)
			for c := 0; c < 3; c++ {
				wb[3*k+c] = weights[k] * b[3*k+c]
			}
		}

		normal = sys.laplacian(weights, normal)
		if ok := chol.Factorize(normal); !ok {
			return rep, fmt.Errorf("irls iteration %d: %w", rep.Iterations+1, ErrSingularSystem)
		}
		sys.mulTransVec(wb, rhs)
		if err := sys.solveNormal(&chol, rhs, x); err != nil {
			return rep, fmt.Errorf("irls iteration %d: %w", rep.Iterations+1, err)
		}

		ep := e
		e = floats.Norm(x, 2)
		if err := a.divergence("irls", rep.Iterations, ep, e); err != nil {
			return rep, err
		}
		a.logger.Debugw("irls iteration", "iteration", rep.Iterations+1, "norm", e)

		sys.applyCorrection(x, rs)
		rep.Iterations++
		rep.FinalNorm = e

		if stop, converged := a.stopCheck(rep.Iterations, ep, e); stop {
			rep.Converged = converged
			break
		}
	}
	return rep, nil
}
