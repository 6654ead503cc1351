// Package crop finds the tight bounding box of non-zero voxels in a volume
// and applies one box uniformly to a set of companion volumes.
package crop

import (
	"errors"
	"fmt"

	"mriprep/internal/models"
)

// ErrBoxOutOfRange is returned when a box does not fit the volume it is applied to.
var ErrBoxOutOfRange = errors.New("bounding box out of range")

// FindBox returns the minimal axis-aligned box enclosing every slice that is
// not entirely zero.
//
// A 4D volume is first collapsed to 3D by taking the per-voxel maximum
// across channels. For each axis, a position is dropped only if the whole
// slice through it is zero. If every slice along an axis is zero the full
// extent of that axis is kept, so an empty volume yields no crop at all.
func FindBox(v *models.Volume) models.BoundingBox {
	w, h, d := v.Width, v.Height, v.Depth
	flat := collapseChannels(v)

	// Tally zero voxels per slice along each axis
	xZeros := make([]int, w)
	yZeros := make([]int, h)
	zZeros := make([]int, d)
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			row := z*w*h + y*w
			for x := 0; x < w; x++ {
				if flat[row+x] == 0 {
					xZeros[x]++
					yZeros[y]++
					zZeros[z]++
				}
			}
		}
	}

	xMin, xMax := keptRange(xZeros, h*d)
	yMin, yMax := keptRange(yZeros, w*d)
	zMin, zMax := keptRange(zZeros, w*h)

	return models.BoundingBox{
		XMin: xMin, XMax: xMax,
		YMin: yMin, YMax: yMax,
		ZMin: zMin, ZMax: zMax,
	}
}

// keptRange returns the half-open window covering every position whose
// zero count is below the slice size. It falls back to the full axis when
// no position qualifies.
func keptRange(zeros []int, sliceSize int) (int, int) {
	lo, hi := -1, -1
	for i, n := range zeros {
		if n < sliceSize {
			if lo < 0 {
				lo = i
			}
			hi = i + 1
		}
	}
	if lo < 0 {
		return 0, len(zeros)
	}
	return lo, hi
}

// collapseChannels returns the spatial data of v, reduced by per-voxel
// maximum when the volume has more than one channel.
func collapseChannels(v *models.Volume) []float64 {
	n := v.SpatialSize()
	if !v.Is4D() {
		return v.Data[:n]
	}
	out := make([]float64, n)
	copy(out, v.Data[:n])
	for c := 1; c < v.Channels; c++ {
		channel := v.Data[c*n : (c+1)*n]
		for i, val := range channel {
			if val > out[i] {
				out[i] = val
			}
		}
	}
	return out
}

// Crop extracts the voxels inside box from v. The affine of the result is
// shifted so every kept voxel stays at the same physical position.
func Crop(v *models.Volume, box models.BoundingBox) (*models.Volume, error) {
	if !box.Fits(v.Width, v.Height, v.Depth) {
		return nil, fmt.Errorf("%w: box %s on volume %dx%dx%d",
			ErrBoxOutOfRange, box, v.Width, v.Height, v.Depth)
	}

	sx, sy, sz := box.Size()
	ox, oy, oz := v.Affine.Apply(float64(box.XMin), float64(box.YMin), float64(box.ZMin))
	affine := v.Affine
	affine[0][3], affine[1][3], affine[2][3] = ox, oy, oz

	out := models.NewVolume4D(models.Grid{Width: sx, Height: sy, Depth: sz, Affine: affine}, v.NumChannels())
	for c := 0; c < out.NumChannels(); c++ {
		for z := 0; z < sz; z++ {
			for y := 0; y < sy; y++ {
				src := v.Index(box.XMin, box.YMin+y, box.ZMin+z, c)
				dst := out.Index(0, y, z, c)
				copy(out.Data[dst:dst+sx], v.Data[src:src+sx])
			}
		}
	}

	return out, nil
}
