// Package resample re-expresses volumes on another voxel grid.
package resample

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"mriprep/internal/models"
)

// ErrGridMismatch is returned when a source cannot be placed on a target grid.
var ErrGridMismatch = errors.New("grid mismatch")

// edgeTolerance lets coordinates that land a hair outside the lattice, due to
// floating point error in the affine products, still sample the edge voxel.
const edgeTolerance = 1e-6

// Resample places source onto target, matching voxels through physical space
// with no additional transform. Nearest must be used for masks and labels.
func Resample(source *models.Volume, target models.Grid, interp models.Interpolation) (*models.Volume, error) {
	return ResampleWithTransform(source, target, models.IdentityTransform(), interp)
}

// ResampleWithTransform samples source at every voxel of target after mapping
// the target's physical coordinates through t. Voxels that fall outside the
// source are set to zero. Channels are resampled independently.
//
// The voxel (i, j, k) of target is located at
//
//	source_index = inv(source.Affine) * t * target.Affine * (i, j, k)
func ResampleWithTransform(source *models.Volume, target models.Grid, t models.Transform, interp models.Interpolation) (*models.Volume, error) {
	if target.Empty() {
		return nil, fmt.Errorf("%w: target grid %dx%dx%d is empty",
			ErrGridMismatch, target.Width, target.Height, target.Depth)
	}
	if err := source.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGridMismatch, err)
	}
	srcInv, err := source.Affine.Inverse()
	if err != nil {
		return nil, fmt.Errorf("%w: source %v", ErrGridMismatch, err)
	}

	// One matrix from target voxel to source voxel
	toSource := srcInv.Mul(t.Matrix).Mul(target.Affine)

	out := models.NewVolume4D(target, source.NumChannels())
	sampler := &sampler{src: source, interp: interp}

	// Slices along z are independent
	var wg sync.WaitGroup
	for z := 0; z < target.Depth; z++ {
		wg.Add(1)
		go func(z int) {
			defer wg.Done()
			for y := 0; y < target.Height; y++ {
				for x := 0; x < target.Width; x++ {
					sx, sy, sz := toSource.Apply(float64(x), float64(y), float64(z))
					for c := 0; c < out.NumChannels(); c++ {
						out.Set(x, y, z, c, sampler.at(sx, sy, sz, c))
					}
				}
			}
		}(z)
	}
	wg.Wait()

	return out, nil
}

type sampler struct {
	src    *models.Volume
	interp models.Interpolation
}

// at samples channel c at a continuous source index.
func (s *sampler) at(x, y, z float64, c int) float64 {
	v := s.src
	if !inside(x, v.Width) || !inside(y, v.Height) || !inside(z, v.Depth) {
		return 0
	}

	if s.interp == models.Nearest {
		return v.At(nearest(x, v.Width), nearest(y, v.Height), nearest(z, v.Depth), c)
	}

	x0, fx := split(x, v.Width)
	y0, fy := split(y, v.Height)
	z0, fz := split(z, v.Depth)
	x1 := min(x0+1, v.Width-1)
	y1 := min(y0+1, v.Height-1)
	z1 := min(z0+1, v.Depth-1)

	c00 := lerp(v.At(x0, y0, z0, c), v.At(x1, y0, z0, c), fx)
	c10 := lerp(v.At(x0, y1, z0, c), v.At(x1, y1, z0, c), fx)
	c01 := lerp(v.At(x0, y0, z1, c), v.At(x1, y0, z1, c), fx)
	c11 := lerp(v.At(x0, y1, z1, c), v.At(x1, y1, z1, c), fx)

	return lerp(lerp(c00, c10, fy), lerp(c01, c11, fy), fz)
}

func inside(p float64, n int) bool {
	return p >= -0.5-edgeTolerance && p <= float64(n)-0.5+edgeTolerance
}

func nearest(p float64, n int) int {
	i := int(math.Round(p))
	return clamp(i, n)
}

// split returns the lower lattice index and the fractional offset from it.
func split(p float64, n int) (int, float64) {
	if p <= 0 {
		return 0, 0
	}
	if p >= float64(n-1) {
		return n - 1, 0
	}
	i := int(math.Floor(p))
	return i, p - float64(i)
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func lerp(a, b, f float64) float64 {
	return a + (b-a)*f
}
