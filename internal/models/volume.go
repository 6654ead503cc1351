package models

import (
	"fmt"
	"math"
)

// Volume represents a 3D (or 4D, with a trailing channel axis) MRI volume
// together with the grid it is sampled on.
type Volume struct {
	// Data is the voxel data as a 1D array, x varying fastest:
	// c*W*H*D + z*W*H + y*W + x
	Data []float64

	// Width, Height and Depth are the spatial dimensions in voxels
	Width  int
	Height int
	Depth  int

	// Channels is the length of the trailing channel/time axis.
	// A plain 3D volume has Channels == 1.
	Channels int

	// Affine maps voxel indices to physical (scanner) coordinates in mm
	Affine Affine
}

// NewVolume allocates a zero-filled 3D volume on the given grid.
func NewVolume(grid Grid) *Volume {
	return NewVolume4D(grid, 1)
}

// NewVolume4D allocates a zero-filled volume with the given number of channels.
func NewVolume4D(grid Grid, channels int) *Volume {
	if channels < 1 {
		channels = 1
	}
	return &Volume{
		Data:     make([]float64, grid.Width*grid.Height*grid.Depth*channels),
		Width:    grid.Width,
		Height:   grid.Height,
		Depth:    grid.Depth,
		Channels: channels,
		Affine:   grid.Affine,
	}
}

// Grid returns the spatial grid the volume is sampled on.
func (v *Volume) Grid() Grid {
	return Grid{Width: v.Width, Height: v.Height, Depth: v.Depth, Affine: v.Affine}
}

// NumChannels returns the channel count, treating 0 as a 3D volume.
func (v *Volume) NumChannels() int {
	if v.Channels < 1 {
		return 1
	}
	return v.Channels
}

// Is4D reports whether the volume carries a trailing channel axis.
func (v *Volume) Is4D() bool {
	return v.NumChannels() > 1
}

// Shape returns the array shape, with the channel axis only when present.
func (v *Volume) Shape() []int {
	if v.Is4D() {
		return []int{v.Width, v.Height, v.Depth, v.Channels}
	}
	return []int{v.Width, v.Height, v.Depth}
}

// SpatialSize is the number of voxels in one channel.
func (v *Volume) SpatialSize() int {
	return v.Width * v.Height * v.Depth
}

// Index returns the flat index of voxel (x, y, z) in channel c.
func (v *Volume) Index(x, y, z, c int) int {
	return c*v.SpatialSize() + z*v.Width*v.Height + y*v.Width + x
}

// At returns the value of voxel (x, y, z) in channel c.
func (v *Volume) At(x, y, z, c int) float64 {
	return v.Data[v.Index(x, y, z, c)]
}

// Set stores val at voxel (x, y, z) in channel c.
func (v *Volume) Set(x, y, z, c int, val float64) {
	v.Data[v.Index(x, y, z, c)] = val
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	out := *v
	out.Data = make([]float64, len(v.Data))
	copy(out.Data, v.Data)
	return &out
}

// Validate checks that the data length agrees with the declared shape.
func (v *Volume) Validate() error {
	if v.Width <= 0 || v.Height <= 0 || v.Depth <= 0 {
		return fmt.Errorf("invalid volume dimensions %dx%dx%d", v.Width, v.Height, v.Depth)
	}
	if want := v.SpatialSize() * v.NumChannels(); len(v.Data) != want {
		return fmt.Errorf("volume data has %d voxels, shape %v needs %d", len(v.Data), v.Shape(), want)
	}
	return nil
}

// Grid is a voxel lattice placed in physical space.
type Grid struct {
	Width  int
	Height int
	Depth  int
	Affine Affine
}

// Empty reports whether any axis of the grid has no voxels.
func (g Grid) Empty() bool {
	return g.Width <= 0 || g.Height <= 0 || g.Depth <= 0
}

// SameShape reports whether both grids have the same voxel dimensions.
func (g Grid) SameShape(o Grid) bool {
	return g.Width == o.Width && g.Height == o.Height && g.Depth == o.Depth
}

// Equal reports whether two grids have the same shape and affines within tol.
func (g Grid) Equal(o Grid, tol float64) bool {
	return g.SameShape(o) && g.Affine.ApproxEqual(o.Affine, tol)
}

// Interpolation selects how values between voxel centres are sampled.
type Interpolation int

const (
	// Nearest takes the closest voxel; required for labels and masks.
	Nearest Interpolation = iota
	// Linear blends the eight surrounding voxels; used for intensities.
	Linear
)

func (i Interpolation) String() string {
	switch i {
	case Nearest:
		return "nearest"
	case Linear:
		return "linear"
	default:
		return fmt.Sprintf("Interpolation(%d)", int(i))
	}
}

// BoundingBox is an axis-aligned voxel range, half-open on the max side.
type BoundingBox struct {
	XMin int `yaml:"xMin"`
	XMax int `yaml:"xMax"`
	YMin int `yaml:"yMin"`
	YMax int `yaml:"yMax"`
	ZMin int `yaml:"zMin"`
	ZMax int `yaml:"zMax"`
}

// Size returns the extent of the box along each axis.
func (b BoundingBox) Size() (int, int, int) {
	return b.XMax - b.XMin, b.YMax - b.YMin, b.ZMax - b.ZMin
}

// Fits reports whether the box lies inside a width x height x depth lattice.
func (b BoundingBox) Fits(width, height, depth int) bool {
	return b.XMin >= 0 && b.XMin <= b.XMax && b.XMax <= width &&
		b.YMin >= 0 && b.YMin <= b.YMax && b.YMax <= height &&
		b.ZMin >= 0 && b.ZMin <= b.ZMax && b.ZMax <= depth
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("[%d:%d, %d:%d, %d:%d]", b.XMin, b.XMax, b.YMin, b.YMax, b.ZMin, b.ZMax)
}

// FullBox covers the whole lattice.
func FullBox(width, height, depth int) BoundingBox {
	return BoundingBox{XMax: width, YMax: height, ZMax: depth}
}

// approxEqual compares two floats with an absolute tolerance.
func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}
