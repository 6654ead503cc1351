// Package visualization renders JPEG previews of pipeline volumes.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/stat"

	"mriprep/internal/models"
)

// windowQuantile clips the brightest voxels so a few hot spots do not
// flatten the rest of the preview
const windowQuantile = 0.995

// Viewer extracts 2D slices from the first channel of a volume.
type Viewer struct {
	volume *models.Volume

	// intensity window mapped onto the full gray range
	low, high float64
}

// NewViewer creates a viewer whose intensity window spans the volume's
// non-zero voxels.
func NewViewer(v *models.Volume) *Viewer {
	low, high := window(v.Data[:v.SpatialSize()])
	return &Viewer{volume: v, low: low, high: high}
}

func window(data []float64) (float64, float64) {
	values := make([]float64, 0, len(data))
	for _, d := range data {
		if d != 0 && !math.IsNaN(d) {
			values = append(values, d)
		}
	}
	if len(values) == 0 {
		return 0, 1
	}
	sort.Float64s(values)
	low := math.Min(0, values[0])
	high := stat.Quantile(windowQuantile, stat.Empirical, values, nil)
	if high <= low {
		high = low + 1
	}
	return low, high
}

func (v *Viewer) gray(val float64) color.Gray16 {
	scaled := (val - v.low) / (v.high - v.low)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, scaled*65535)))}
}

// ExtractSlice extracts a 2D slice along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	vol := v.volume

	var img *image.Gray16

	switch axis {
	case "x", "X":
		// YZ plane
		if position >= vol.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, vol.Width)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Depth, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for z := 0; z < vol.Depth; z++ {
				img.SetGray16(z, y, v.gray(vol.At(position, y, z, 0)))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= vol.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, vol.Height)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Width, vol.Depth))
		for z := 0; z < vol.Depth; z++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray16(x, z, v.gray(vol.At(x, position, z, 0)))
			}
		}

	case "z", "Z":
		// XY plane
		if position >= vol.Depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, vol.Depth)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Width, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray16(x, y, v.gray(vol.At(x, y, position, 0)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	maxPos, err := v.extent(axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}

// SaveMidSlices writes the central slice along each axis as
// <name>_<axis>.jpg and returns the written paths.
func (v *Viewer) SaveMidSlices(outputDir, name string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	var paths []string
	for _, axis := range []string{"x", "y", "z"} {
		n, _ := v.extent(axis)
		img, err := v.ExtractSlice(axis, n/2)
		if err != nil {
			return nil, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.jpg", name, axis))
		if err := v.SaveSlice(img, filename); err != nil {
			return nil, fmt.Errorf("failed to save preview %s: %w", filename, err)
		}
		paths = append(paths, filename)
	}
	return paths, nil
}

func (v *Viewer) extent(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return v.volume.Width, nil
	case "y", "Y":
		return v.volume.Height, nil
	case "z", "Z":
		return v.volume.Depth, nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}
