// Package skullstrip provides brain-mask segmentation capabilities.
//
// A Segmenter produces a binary mask from one intensity volume. The mask
// may come back on a grid whose orientation differs from the input; callers
// resample before combining it voxel-wise with anything else.
package skullstrip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/stat"

	"mriprep/internal/models"
	"mriprep/pkg/nifti"
)

// ErrSegmentation is returned when no brain mask could be produced.
var ErrSegmentation = errors.New("brain segmentation failed")

// Segmenter derives a binary brain mask from a volume.
type Segmenter interface {
	SegmentBrainMask(ctx context.Context, v *models.Volume) (*models.Volume, error)
}

// HDBET runs the HD-BET command line tool.
type HDBET struct {
	// Command is the executable, "hd-bet" when empty
	Command string

	// Device is passed to -device ("cpu", "0", ...); omitted when empty
	Device string

	// WorkDir holds the temporary files; os.TempDir() when empty
	WorkDir string

	Logger *slog.Logger
}

// SegmentBrainMask writes v to a temporary file, runs HD-BET on it and
// reads back the mask it writes next to its output.
func (h HDBET) SegmentBrainMask(ctx context.Context, v *models.Volume) (*models.Volume, error) {
	dir, err := os.MkdirTemp(h.WorkDir, "hdbet-*")
	if err != nil {
		return nil, fmt.Errorf("error creating work directory: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "input"+nifti.Extension)
	out := filepath.Join(dir, "brain"+nifti.Extension)
	if err := nifti.WriteFile(in, v); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, h.command(), h.args(in, out)...)
	logger := h.logger()
	logger.Debug("running HD-BET", "cmd", cmd.String())
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v: %s", ErrSegmentation, h.command(), err, output)
	}

	maskPath := filepath.Join(dir, "brain_mask"+nifti.Extension)
	brain, err := nifti.ReadFile(maskPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading mask: %v", ErrSegmentation, err)
	}
	return brain, nil
}

func (h HDBET) command() string {
	if h.Command == "" {
		return "hd-bet"
	}
	return h.Command
}

func (h HDBET) args(in, out string) []string {
	args := []string{"-i", in, "-o", out}
	if h.Device != "" {
		args = append(args, "-device", h.Device)
	}
	return args
}

func (h HDBET) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return h.Logger
}

// Threshold segments the brain with an Otsu threshold over the positive
// intensities of the first channel. It needs no model and is intended for
// already-clean inputs and tests.
type Threshold struct {
	// Bins is the histogram resolution, 256 when zero
	Bins int
}

// SegmentBrainMask returns a mask on v's grid with ones from the Otsu level up.
func (t Threshold) SegmentBrainMask(ctx context.Context, v *models.Volume) (*models.Volume, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := v.SpatialSize()
	values := make([]float64, 0, n)
	for _, val := range v.Data[:n] {
		if val > 0 {
			values = append(values, val)
		}
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: volume has no positive voxels", ErrSegmentation)
	}
	sort.Float64s(values)

	level := otsu(values, t.bins())
	brain := models.NewVolume(v.Grid())
	for i, val := range v.Data[:n] {
		if val >= level {
			brain.Data[i] = 1
		}
	}
	return brain, nil
}

func (t Threshold) bins() int {
	if t.Bins < 2 {
		return 256
	}
	return t.Bins
}

// otsu returns the level that maximises the between-class variance of the
// sorted values' histogram. Values below the level are background.
func otsu(sorted []float64, bins int) float64 {
	lo, hi := sorted[0], sorted[len(sorted)-1]
	if lo == hi {
		return lo
	}

	dividers := make([]float64, bins+1)
	width := (hi - lo) / float64(bins)
	for i := range dividers {
		dividers[i] = lo + float64(i)*width
	}
	// Histogram needs the last divider strictly above the maximum
	dividers[bins] = hi + width*1e-6

	counts := stat.Histogram(nil, dividers, sorted, nil)

	var total, sumAll float64
	for i, c := range counts {
		total += c
		sumAll += c * centre(dividers, i)
	}

	best, level := 0.0, lo
	var weightBg, sumBg float64
	for i, c := range counts[:len(counts)-1] {
		weightBg += c
		sumBg += c * centre(dividers, i)
		weightFg := total - weightBg
		if weightBg == 0 || weightFg == 0 {
			continue
		}
		meanBg := sumBg / weightBg
		meanFg := (sumAll - sumBg) / weightFg
		between := weightBg * weightFg * (meanBg - meanFg) * (meanBg - meanFg)
		if between > best {
			best = between
			level = dividers[i+1]
		}
	}
	return level
}

func centre(dividers []float64, i int) float64 {
	return (dividers[i] + dividers[i+1]) / 2
}
