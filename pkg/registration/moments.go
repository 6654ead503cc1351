package registration

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"mriprep/internal/models"
	"mriprep/pkg/resample"
)

// ErrNoSignal is returned when a volume has no positive intensity to align.
var ErrNoSignal = errors.New("volume has no signal")

// Moments is a lightweight affine registration based on image moments.
//
// Each volume is summarised by its intensity-weighted centre of mass and
// the spread of its intensity along each physical axis. The estimated
// transform lines up the centres and rescales each axis so the spreads
// agree. It is a coarse alignment, adequate for inputs that differ by
// position, voxel size and field of view but not by large rotations; an
// external solver can be plugged in through Registerer for anything else.
type Moments struct{}

// moments holds the weighted first and second moments of a volume in
// physical space.
type moments struct {
	centre [3]float64
	spread [3]float64
}

// Register estimates the forward transform from fixed to moving space and
// returns moving resampled onto the fixed grid with linear interpolation.
func (Moments) Register(ctx context.Context, fixed, moving *models.Volume, kind models.TransformKind) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var t models.Transform
	switch kind {
	case models.TransformIdentity:
		t = models.IdentityTransform()
	case models.TransformAffine:
		fm, err := computeMoments(fixed)
		if err != nil {
			return nil, fmt.Errorf("fixed volume: %w", err)
		}
		mm, err := computeMoments(moving)
		if err != nil {
			return nil, fmt.Errorf("moving volume: %w", err)
		}
		t = momentTransform(fm, mm)
	default:
		return nil, fmt.Errorf("unsupported transform kind %q", kind)
	}

	warped, err := resample.ResampleWithTransform(moving, fixed.Grid(), t, models.Linear)
	if err != nil {
		return nil, err
	}
	return &Result{Warped: warped, Forward: t}, nil
}

// ApplyTransform resamples moving onto fixed through t.
func (Moments) ApplyTransform(ctx context.Context, fixed models.Grid, moving *models.Volume, t models.Transform, interp models.Interpolation) (*models.Volume, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return resample.ResampleWithTransform(moving, fixed, t, interp)
}

// momentTransform maps fixed physical space onto moving physical space:
//
//	p_moving = c_moving + S * (p_fixed - c_fixed)
func momentTransform(fixed, moving moments) models.Transform {
	var scale [3]float64
	for i := range scale {
		scale[i] = 1
		if fixed.spread[i] > 0 && moving.spread[i] > 0 {
			scale[i] = moving.spread[i] / fixed.spread[i]
		}
	}

	m := models.Translation(moving.centre[0], moving.centre[1], moving.centre[2]).
		Mul(models.Scaling(scale[0], scale[1], scale[2])).
		Mul(models.Translation(-fixed.centre[0], -fixed.centre[1], -fixed.centre[2]))
	return models.Transform{Kind: models.TransformAffine, Matrix: m}
}

// computeMoments accumulates index-space moments over the first channel and
// carries them into physical space through the volume's affine.
func computeMoments(v *models.Volume) (moments, error) {
	var (
		total  float64
		first  [3]float64
		second [3][3]float64
	)

	for z := 0; z < v.Depth; z++ {
		for y := 0; y < v.Height; y++ {
			for x := 0; x < v.Width; x++ {
				w := v.At(x, y, z, 0)
				if w <= 0 || math.IsNaN(w) {
					continue
				}
				p := [3]float64{float64(x), float64(y), float64(z)}
				total += w
				for i := 0; i < 3; i++ {
					first[i] += w * p[i]
					for j := i; j < 3; j++ {
						second[i][j] += w * p[i] * p[j]
					}
				}
			}
		}
	}
	if total == 0 {
		return moments{}, ErrNoSignal
	}

	var mean [3]float64
	for i := range mean {
		mean[i] = first[i] / total
	}

	// Index-space covariance
	cov := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			cov.SetSym(i, j, second[i][j]/total-mean[i]*mean[j])
		}
	}

	// Linear part of the affine carries the covariance into physical space
	linear := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			linear.Set(i, j, v.Affine[i][j])
		}
	}
	var tmp, physical mat.Dense
	tmp.Mul(linear, cov)
	physical.Mul(&tmp, linear.T())

	var m moments
	m.centre[0], m.centre[1], m.centre[2] = v.Affine.Apply(mean[0], mean[1], mean[2])
	for i := 0; i < 3; i++ {
		m.spread[i] = math.Sqrt(math.Max(physical.At(i, i), 0))
	}
	return m, nil
}
