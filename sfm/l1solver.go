package sfm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// DefaultL1SolverOptions returns the ADMM settings used by DefaultAveragingConfig.
func DefaultL1SolverOptions() L1SolverOptions {
	return L1SolverOptions{
		MaxIterations:     1000,
		Rho:               1.0,
		Alpha:             1.0,
		AbsoluteTolerance: 1e-7,
		RelativeTolerance: 1e-5,
	}
}

// l1Solver minimizes ‖A·x - b‖₁ with ADMM:
//
//	x ← (AᵀA)⁻¹ Aᵀ(b + z - u)
//	z ← shrink(α·Ax + (1-α)(z + b) - b + u, 1/ρ)
//	u ← u + α·Ax + (1-α)(z_old + b) - z - b
//
// AᵀA does not change between calls, so it is factorized once.
type l1Solver struct {
	opts L1SolverOptions
	sys  *linearSystem
	chol mat.Cholesky
}

func newL1Solver(sys *linearSystem, opts L1SolverOptions) (*l1Solver, error) {
	s := &l1Solver{opts: opts, sys: sys}
	if ok := s.chol.Factorize(sys.laplacian(nil, nil)); !ok {
		return nil, fmt.Errorf("l1 normal matrix: %w", ErrSingularSystem)
	}
	return s, nil
}

// solve writes the minimizer into x, using its content as the starting
// point, and returns the number of ADMM iterations run.
func (s *l1Solver) solve(b, x []float64) (int, error) {
	m, n := len(b), len(x)
	var (
		z     = make([]float64, m)
		zOld  = make([]float64, m)
		u     = make([]float64, m)
		ax    = make([]float64, m)
		axHat = make([]float64, m)
		tmpM  = make([]float64, m)
		rhs   = make([]float64, n)
		tmpN  = make([]float64, n)
	)

	rho, alpha := s.opts.Rho, s.opts.Alpha
	s.sys.mulVec(x, ax)
	floats.SubTo(z, ax, b)

	bNorm := floats.Norm(b, 2)
	primalAbs := math.Sqrt(float64(m)) * s.opts.AbsoluteTolerance
	dualAbs := math.Sqrt(float64(n)) * s.opts.AbsoluteTolerance

	for it := 1; it <= s.opts.MaxIterations; it++ {
		for i := range tmpM {
			tmpM[i] = b[i] + z[i] - u[i]
		}
		s.sys.mulTransVec(tmpM, rhs)
		if err := s.sys.solveNormal(&s.chol, rhs, x); err != nil {
			return it, err
		}
		s.sys.mulVec(x, ax)

		for i := range axHat {
			axHat[i] = alpha*ax[i] + (1-alpha)*(z[i]+b[i])
		}
		z, zOld = zOld, z
		for i := range z {
			z[i] = shrink(axHat[i]-b[i]+u[i], 1/rho)
		}
		for i := range u {
			u[i] += axHat[i] - z[i] - b[i]
		}

		for i := range tmpM {
			tmpM[i] = ax[i] - z[i] - b[i]
		}
		primal := floats.Norm(tmpM, 2)
		floats.SubTo(tmpM, z, zOld)
		s.sys.mulTransVec(tmpM, tmpN)
		dual := rho * floats.Norm(tmpN, 2)

		primalEps := primalAbs + s.opts.RelativeTolerance*math.Max(floats.Norm(ax, 2), math.Max(floats.Norm(z, 2), bNorm))
		s.sys.mulTransVec(u, tmpN)
		dualEps := dualAbs + s.opts.RelativeTolerance*rho*floats.Norm(tmpN, 2)

		if primal < primalEps && dual < dualEps {
			return it, nil
		}
	}
	return s.opts.MaxIterations, nil
}

// shrink is the soft-thresholding operator.
func shrink(v, kappa float64) float64 {
	switch {
	case v > kappa:
		return v - kappa
	case v < -kappa:
		return v + kappa
	default:
		return 0
	}
}
