package models

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Affine is a 4x4 homogeneous matrix. For a volume it maps voxel indices
// to physical coordinates; for a Transform it maps physical to physical.
type Affine [4][4]float64

// Identity returns the identity matrix.
func Identity() Affine {
	return Affine{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// Scaling returns a diagonal affine with the given voxel sizes.
func Scaling(sx, sy, sz float64) Affine {
	a := Identity()
	a[0][0], a[1][1], a[2][2] = sx, sy, sz
	return a
}

// Translation returns an affine that shifts by (tx, ty, tz).
func Translation(tx, ty, tz float64) Affine {
	a := Identity()
	a[0][3], a[1][3], a[2][3] = tx, ty, tz
	return a
}

// Dense converts the affine to a gonum matrix.
func (a Affine) Dense() *mat.Dense {
	d := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			d.Set(i, j, a[i][j])
		}
	}
	return d
}

// AffineFromDense copies a 4x4 gonum matrix into an Affine.
func AffineFromDense(m mat.Matrix) (Affine, error) {
	r, c := m.Dims()
	if r != 4 || c != 4 {
		return Affine{}, fmt.Errorf("affine must be 4x4, got %dx%d", r, c)
	}
	var a Affine
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			a[i][j] = m.At(i, j)
		}
	}
	return a, nil
}

// Mul returns a*b.
func (a Affine) Mul(b Affine) Affine {
	var out mat.Dense
	out.Mul(a.Dense(), b.Dense())
	res, _ := AffineFromDense(&out)
	return res
}

// Inverse returns the inverse matrix, or an error if a is singular.
func (a Affine) Inverse() (Affine, error) {
	var inv mat.Dense
	if err := inv.Inverse(a.Dense()); err != nil {
		return Affine{}, fmt.Errorf("affine is not invertible: %w", err)
	}
	return AffineFromDense(&inv)
}

// Apply maps the point (x, y, z) through the affine.
func (a Affine) Apply(x, y, z float64) (float64, float64, float64) {
	return a[0][0]*x + a[0][1]*y + a[0][2]*z + a[0][3],
		a[1][0]*x + a[1][1]*y + a[1][2]*z + a[1][3],
		a[2][0]*x + a[2][1]*y + a[2][2]*z + a[2][3]
}

// ApproxEqual compares every element with an absolute tolerance.
func (a Affine) ApproxEqual(b Affine, tol float64) bool {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if !approxEqual(a[i][j], b[i][j], tol) {
				return false
			}
		}
	}
	return true
}

// TransformKind names the family of a geometric transform.
type TransformKind string

const (
	// TransformIdentity leaves coordinates unchanged.
	TransformIdentity TransformKind = "Identity"
	// TransformAffine is a linear map plus translation.
	TransformAffine TransformKind = "Affine"
)

// Transform maps physical coordinates of a fixed image to physical
// coordinates of the moving image it was estimated against.
type Transform struct {
	Kind   TransformKind
	Matrix Affine
}

// IdentityTransform returns the transform used for volumes kept as-is.
func IdentityTransform() Transform {
	return Transform{Kind: TransformIdentity, Matrix: Identity()}
}

// IsIdentity reports whether t leaves coordinates unchanged.
func (t Transform) IsIdentity() bool {
	return t.Kind == TransformIdentity || t.Matrix.ApproxEqual(Identity(), 1e-12)
}
