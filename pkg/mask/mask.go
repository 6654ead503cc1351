// Package mask zeroes non-brain voxels of a volume using a binary brain mask.
package mask

import (
	"errors"
	"fmt"

	"mriprep/internal/models"
	"mriprep/pkg/resample"
)

// ErrMaskShapeMismatch signals that a mask and the volume it is applied to do
// not share a voxel lattice after resampling. It indicates a bug upstream.
var ErrMaskShapeMismatch = errors.New("mask shape mismatch")

// Apply skull-strips input with brainMask.
//
// The input is always resampled onto reference with nearest-neighbour
// interpolation first: an external step may have rewritten the orientation
// of the reference without touching its samples, and the masking below
// indexes voxels one-to-one. Every voxel where the mask is zero is then
// forced to zero; all others keep the resampled value. The result lives on
// the reference grid.
func Apply(input *models.Volume, reference models.Grid, brainMask *models.Volume) (*models.Volume, error) {
	out, err := resample.Resample(input, reference, models.Nearest)
	if err != nil {
		return nil, fmt.Errorf("failed to align input with reference grid: %w", err)
	}

	if !out.Grid().SameShape(brainMask.Grid()) {
		return nil, fmt.Errorf("%w: mask %v, resampled input %v",
			ErrMaskShapeMismatch, brainMask.Shape(), out.Shape())
	}

	n := out.SpatialSize()
	maskData := brainMask.Data[:n]
	for c := 0; c < out.NumChannels(); c++ {
		channel := out.Data[c*n : (c+1)*n]
		for i, m := range maskData {
			if m == 0 {
				channel[i] = 0
			}
		}
	}

	return out, nil
}
