package sfm

import (
	"fmt"
	"runtime"

	"github.com/golang/geo/r3"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// linearSystem is the constraint matrix A of the tangent-space problem.
// Each edge (i,j) owns three rows holding -I at view i's column block and
// +I at view j's; the reference view has no columns. Variables are the
// observed non-reference views in ascending id order.
//
// With per-edge scalar weights W, AᵀWA equals the reduced weighted graph
// Laplacian L_W ⊗ I₃, so normal equations are solved as an n×n system with
// three right-hand sides.
type linearSystem struct {
	rel    RelativeRotations
	varOf  []int    // view -> variable, -1 when fixed or unobserved
	viewOf []ViewID // variable -> view
	cols   [][2]int // edge -> variables of I and J, -1 when fixed

	parallelAt int
}

var _ mat.Matrix = (*linearSystem)(nil)

// newLinearSystem analyzes the sparsity pattern once for the given edges.
func newLinearSystem(rel RelativeRotations, observed []bool, ref ViewID, parallelAt int) *linearSystem {
	s := &linearSystem{
		rel:        rel,
		varOf:      make([]int, len(observed)),
		cols:       make([][2]int, len(rel)),
		parallelAt: parallelAt,
	}
	for v := range observed {
		s.varOf[v] = -1
		if observed[v] && ViewID(v) != ref {
			s.varOf[v] = len(s.viewOf)
			s.viewOf = append(s.viewOf, ViewID(v))
		}
	}
	for e, r := range rel {
		s.cols[e] = [2]int{s.varOf[r.I], s.varOf[r.J]}
	}
	return s
}

func (s *linearSystem) numVars() int {
	return len(s.viewOf)
}

// Dims implements mat.Matrix.
func (s *linearSystem) Dims() (r, c int) {
	return 3 * len(s.rel), 3 * len(s.viewOf)
}

// At implements mat.Matrix.
func (s *linearSystem) At(i, j int) float64 {
	rows, cols := s.Dims()
	if i < 0 || i >= rows || j < 0 || j >= cols {
		panic(mat.ErrIndexOutOfRange)
	}
	if i%3 != j%3 {
		return 0
	}
	e, v := i/3, j/3
	var out float64
	if s.cols[e][0] == v {
		out--
	}
	if s.cols[e][1] == v {
		out++
	}
	return out
}

// T implements mat.Matrix.
func (s *linearSystem) T() mat.Matrix {
	return mat.Transpose{Matrix: s}
}

// residuals fills b with Log(Rjᵀ·Rij·Ri) for every edge.
func (s *linearSystem) residuals(rs []Rotation, b []float64) {
	fill := func(lo, hi int) {
		for e := lo; e < hi; e++ {
			r := s.rel[e]
			w := rs[r.J].Transpose().Mul(r.R).Mul(rs[r.I]).Log()
			b[3*e], b[3*e+1], b[3*e+2] = w.X, w.Y, w.Z
		}
	}

	m := len(s.rel)
	if s.parallelAt <= 0 || m < s.parallelAt {
		fill(0, m)
		return
	}

	workers := runtime.GOMAXPROCS(0)
	chunk := (m + workers - 1) / workers
	var g errgroup.Group
	for lo := 0; lo < m; lo += chunk {
		hi := min(lo+chunk, m)
		g.Go(func() error {
			fill(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}

// edgeNorms returns ‖b_e‖ for every edge.
func (s *linearSystem) edgeNorms(b []float64, dst []float64) {
	for e := range s.rel {
		dst[e] = r3.Vector{X: b[3*e], Y: b[3*e+1], Z: b[3*e+2]}.Norm()
	}
}

// mulVec sets dst = A·x.
func (s *linearSystem) mulVec(x, dst []float64) {
	for e, c := range s.cols {
		for k := 0; k < 3; k++ {
			var v float64
			if c[0] >= 0 {
				v -= x[3*c[0]+k]
			}
			if c[1] >= 0 {
				v += x[3*c[1]+k]
			}
			dst[3*e+k] = v
		}
	}
}

// mulTransVec sets dst = Aᵀ·y.
func (s *linearSystem) mulTransVec(y, dst []float64) {
	clear(dst)
	for e, c := range s.cols {
		for k := 0; k < 3; k++ {
			if c[0] >= 0 {
				dst[3*c[0]+k] -= y[3*e+k]
			}
			if c[1] >= 0 {
				dst[3*c[1]+k] += y[3*e+k]
			}
		}
	}
}

// laplacian fills dst with the reduced Laplacian weighted by w (nil means
// unit weights), allocating it when dst is nil.
func (s *linearSystem) laplacian(w []float64, dst *mat.SymDense) *mat.SymDense {
	n := s.numVars()
	if dst == nil {
		dst = mat.NewSymDense(n, nil)
	}
	raw := dst.RawSymmetric()
	for i := 0; i < n; i++ {
		clear(raw.Data[i*raw.Stride+i : i*raw.Stride+n])
	}
	add := func(i, j int, v float64) {
		if i > j {
			i, j = j, i
		}
		raw.Data[i*raw.Stride+j] += v
	}
	for e, c := range s.cols {
		we := 1.0
		if w != nil {
			we = w[e]
		}
		a, b := c[0], c[1]
		if a >= 0 {
			add(a, a, we)
		}
		if b >= 0 {
			add(b, b, we)
		}
		if a >= 0 && b >= 0 {
			add(a, b, -we)
		}
	}
	return dst
}

// solveNormal solves (L ⊗ I₃)·x = rhs using the factorized Laplacian.
func (s *linearSystem) solveNormal(chol *mat.Cholesky, rhs, x []float64) error {
	n := s.numVars()
	dst := mat.NewDense(n, 3, x)
	if err := chol.SolveTo(dst, mat.NewDense(n, 3, rhs)); err != nil {
		// a condition warning still leaves a usable solution
		if _, ok := err.(mat.Condition); !ok {
			return fmt.Errorf("%w: %v", ErrSingularSystem, err)
		}
	}
	return nil
}

// applyCorrection updates every variable view with Ri ← Ri · Exp(x_i).
func (s *linearSystem) applyCorrection(x []float64, rs []Rotation) {
	for k, v := range s.viewOf {
		rs[v] = rs[v].Mul(ExpMap(r3.Vector{X: x[3*k], Y: x[3*k+1], Z: x[3*k+2]}))
	}
}
