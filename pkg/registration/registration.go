// Package registration decides, per modality, which geometric transform to
// estimate or reuse, and drives an affine registration capability to bring
// every modality onto the reference (or atlas) grid.
package registration

import (
	"context"
	"errors"

	"mriprep/internal/models"
)

// ErrRegistrationFailure is returned when a pair of volumes cannot be aligned.
// It is never retried: a failed registration almost always means a genuine
// problem with the inputs.
var ErrRegistrationFailure = errors.New("registration failed")

// Result is the output of one registration call.
type Result struct {
	// Warped is the moving volume resampled onto the fixed grid
	Warped *models.Volume

	// Forward maps fixed physical coordinates to moving physical coordinates
	Forward models.Transform
}

// Registerer estimates a transform aligning moving onto fixed.
type Registerer interface {
	Register(ctx context.Context, fixed, moving *models.Volume, kind models.TransformKind) (*Result, error)
}

// Applier resamples moving onto a fixed grid through a previously
// estimated transform.
type Applier interface {
	ApplyTransform(ctx context.Context, fixed models.Grid, moving *models.Volume, t models.Transform, interp models.Interpolation) (*models.Volume, error)
}

// Reader loads a volume from a source location.
type Reader interface {
	Read(path string) (*models.Volume, error)
}

// Policy selects the transform chain of a run.
type Policy struct {
	// NormalizeToAtlas registers the reference to a standard template first
	NormalizeToAtlas bool

	// AlreadyCoregistered asserts that every input already shares the
	// reference's native grid, so the reference's transform can be reused
	AlreadyCoregistered bool
}
