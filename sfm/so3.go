package sfm

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Rotation is a 3x3 rotation matrix stored row-major.
type Rotation [9]float64

// DefaultRotationTolerance bounds the orthonormality error accepted by Validate.
const DefaultRotationTolerance = 1e-6

// IdentityRotation returns the identity rotation.
func IdentityRotation() Rotation {
	return Rotation{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// At returns the element at row i, column j.
func (r Rotation) At(i, j int) float64 {
	return r[3*i+j]
}

// Mul returns the product r·o.
func (r Rotation) Mul(o Rotation) Rotation {
	var out Rotation
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[3*i+j] = r[3*i]*o[j] + r[3*i+1]*o[3+j] + r[3*i+2]*o[6+j]
		}
	}
	return out
}

// Transpose returns rᵀ, which is also the inverse rotation.
func (r Rotation) Transpose() Rotation {
	return Rotation{
		r[0], r[3], r[6],
		r[1], r[4], r[7],
		r[2], r[5], r[8],
	}
}

// Apply rotates v.
func (r Rotation) Apply(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: r[0]*v.X + r[1]*v.Y + r[2]*v.Z,
		Y: r[3]*v.X + r[4]*v.Y + r[5]*v.Z,
		Z: r[6]*v.X + r[7]*v.Y + r[8]*v.Z,
	}
}

// Row returns row i as a vector.
func (r Rotation) Row(i int) r3.Vector {
	return r3.Vector{X: r[3*i], Y: r[3*i+1], Z: r[3*i+2]}
}

// Dense returns a freshly allocated gonum copy of r.
func (r Rotation) Dense() *mat.Dense {
	data := make([]float64, 9)
	copy(data, r[:])
	return mat.NewDense(3, 3, data)
}

// RotationFromDense copies a 3x3 gonum matrix into a Rotation and validates it.
func RotationFromDense(m mat.Matrix) (Rotation, error) {
	rows, cols := m.Dims()
	if rows != 3 || cols != 3 {
		return Rotation{}, fmt.Errorf("rotation must be 3x3, got %dx%d", rows, cols)
	}
	var r Rotation
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[3*i+j] = m.At(i, j)
		}
	}
	if err := r.Validate(DefaultRotationTolerance); err != nil {
		return Rotation{}, err
	}
	return r, nil
}

// Validate checks that r is finite, orthonormal and right-handed within tol.
func (r Rotation) Validate(tol float64) error {
	for _, v := range r {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("rotation has non-finite element")
		}
	}
	rrt := r.Mul(r.Transpose())
	id := IdentityRotation()
	for k := range rrt {
		if math.Abs(rrt[k]-id[k]) > tol {
			return fmt.Errorf("rotation is not orthonormal (|R·Rᵀ-I| element %g)", math.Abs(rrt[k]-id[k]))
		}
	}
	if d := mat.Det(r.Dense()); math.Abs(d-1) > tol {
		return fmt.Errorf("rotation determinant is %g, want 1", d)
	}
	return nil
}

// FrobeniusDistance returns ‖r - o‖_F.
func (r Rotation) FrobeniusDistance(o Rotation) float64 {
	var sum float64
	for k := range r {
		d := r[k] - o[k]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// ExpMap maps an angle-axis vector to its rotation (Rodrigues).
func ExpMap(w r3.Vector) Rotation {
	theta2 := w.Dot(w)
	if theta2 <= 1e-24 {
		// first order: I + [w]x
		return Rotation{
			1, -w.Z, w.Y,
			w.Z, 1, -w.X,
			-w.Y, w.X, 1,
		}
	}
	theta := math.Sqrt(theta2)
	k := w.Mul(1 / theta)
	c, s := math.Cos(theta), math.Sin(theta)
	t := 1 - c
	return Rotation{
		c + k.X*k.X*t, k.X*k.Y*t - k.Z*s, k.X*k.Z*t + k.Y*s,
		k.X*k.Y*t + k.Z*s, c + k.Y*k.Y*t, k.Y*k.Z*t - k.X*s,
		k.X*k.Z*t - k.Y*s, k.Y*k.Z*t + k.X*s, c + k.Z*k.Z*t,
	}
}

// Log returns the angle-axis vector of r, with angle in [0, π].
// It goes through the unit quaternion so it stays accurate near 0 and π.
func (r Rotation) Log() r3.Vector {
	q := r.Quaternion()
	v := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	sinSq := v.Dot(v)
	if sinSq <= 0 {
		return v.Mul(2)
	}
	sinTheta := math.Sqrt(sinSq)
	cosTheta := q.Real
	var twoTheta float64
	if cosTheta < 0 {
		twoTheta = 2 * math.Atan2(-sinTheta, -cosTheta)
	} else {
		twoTheta = 2 * math.Atan2(sinTheta, cosTheta)
	}
	return v.Mul(twoTheta / sinTheta)
}

// Angle returns the rotation angle of r in radians.
func (r Rotation) Angle() float64 {
	return r.Log().Norm()
}

// AngleTo returns the angle of the rotation taking r to o.
func (r Rotation) AngleTo(o Rotation) float64 {
	return r.Transpose().Mul(o).Angle()
}

// Quaternion returns the unit quaternion of r (Shepperd's method).
func (r Rotation) Quaternion() quat.Number {
	trace := r[0] + r[4] + r[8]
	if trace >= 0 {
		t := math.Sqrt(trace + 1)
		w := 0.5 * t
		t = 0.5 / t
		return quat.Number{
			Real: w,
			Imag: (r.At(2, 1) - r.At(1, 2)) * t,
			Jmag: (r.At(0, 2) - r.At(2, 0)) * t,
			Kmag: (r.At(1, 0) - r.At(0, 1)) * t,
		}
	}

	i := 0
	if r.At(1, 1) > r.At(0, 0) {
		i = 1
	}
	if r.At(2, 2) > r.At(i, i) {
		i = 2
	}
	j := (i + 1) % 3
	k := (j + 1) % 3

	var v [3]float64
	t := math.Sqrt(r.At(i, i) - r.At(j, j) - r.At(k, k) + 1)
	v[i] = 0.5 * t
	t = 0.5 / t
	w := (r.At(k, j) - r.At(j, k)) * t
	v[j] = (r.At(j, i) + r.At(i, j)) * t
	v[k] = (r.At(k, i) + r.At(i, k)) * t
	return quat.Number{Real: w, Imag: v[0], Jmag: v[1], Kmag: v[2]}
}

// RotationFromQuaternion converts a quaternion to a rotation, normalizing it first.
func RotationFromQuaternion(q quat.Number) (Rotation, error) {
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return Rotation{}, fmt.Errorf("quaternion has invalid norm %g", n)
	}
	q = quat.Scale(1/n, q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return Rotation{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}, nil
}

// RotationAboutAxis returns the rotation by angle radians about axis.
func RotationAboutAxis(axis r3.Vector, angle float64) Rotation {
	n := axis.Norm()
	if n == 0 {
		return IdentityRotation()
	}
	return ExpMap(axis.Mul(angle / n))
}
