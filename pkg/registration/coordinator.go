package registration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"mriprep/internal/models"
)

// Request describes one coregistration run.
type Request struct {
	// Modalities maps modality name to the location of its input volume
	Modalities map[string]string

	// Reference is the modality every other one is aligned to
	Reference string

	// Label is an optional segmentation that follows the reference's chain
	Label string

	// Atlas is the standard-space template, required with NormalizeToAtlas
	Atlas *models.Volume

	Policy Policy

	// OnReference, when set, receives the processed reference before any
	// other modality is registered against it. An error aborts the run.
	OnReference func(ctx context.Context, ref Registered) error
}

// Registered is a coregistered volume and the transform that produced it.
type Registered struct {
	Volume    *models.Volume
	Transform models.Transform
}

// Outcome holds one coregistered volume per modality.
type Outcome struct {
	Reference string

	// ReferenceTransform is the reference-to-atlas transform, or identity
	// when the reference was kept in its native space
	ReferenceTransform models.Transform

	Modalities map[string]Registered

	// Label is nil when no label was requested
	Label *Registered
}

// Options configures a Coordinator.
type Options struct {
	// Workers bounds how many modalities are registered at once
	Workers int

	Logger *slog.Logger
}

// Coordinator sequences registration calls for a set of modalities.
type Coordinator struct {
	registerer Registerer
	applier    Applier
	reader     Reader
	workers    int
	logger     *slog.Logger
}

// NewCoordinator creates a coordinator over the given capabilities.
func NewCoordinator(registerer Registerer, applier Applier, reader Reader, opts Options) *Coordinator {
	workers := opts.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator{
		registerer: registerer,
		applier:    applier,
		reader:     reader,
		workers:    workers,
		logger:     logger,
	}
}

// Coregister brings every modality of req onto a common grid.
//
// The reference is processed first and handed to req.OnReference. Without
// atlas normalisation it is kept as-is; with it, the reference is registered
// to the atlas and its transform T is retained. Other modalities are then
// handled concurrently:
//
//   - AlreadyCoregistered without atlas: copied through unchanged. Callers
//     guarantee the inputs already share the reference grid; nothing checks it.
//   - AlreadyCoregistered with atlas: T is applied directly, no registration.
//   - otherwise: each modality is registered to the (possibly warped)
//     reference with its own independently estimated transform.
//
// A label follows the reference's chain with nearest-neighbour sampling.
func (c *Coordinator) Coregister(ctx context.Context, req Request) (*Outcome, error) {
	if _, ok := req.Modalities[req.Reference]; !ok {
		return nil, fmt.Errorf("reference %q is not one of the modalities", req.Reference)
	}
	if req.Policy.NormalizeToAtlas && req.Atlas == nil {
		return nil, fmt.Errorf("atlas normalisation requested without an atlas volume")
	}

	c.logger.Info("performing coregistration",
		"reference", req.Reference,
		"normalize_to_atlas", req.Policy.NormalizeToAtlas,
		"already_coregistered", req.Policy.AlreadyCoregistered)

	ref, err := c.registerReference(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.OnReference != nil {
		if err := req.OnReference(ctx, *ref); err != nil {
			return nil, fmt.Errorf("reference %s: %w", req.Reference, err)
		}
	}

	outcome := &Outcome{
		Reference:          req.Reference,
		ReferenceTransform: ref.Transform,
		Modalities:         map[string]Registered{req.Reference: *ref},
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for _, name := range others(req.Modalities, req.Reference) {
		g.Go(func() error {
			reg, err := c.registerModality(gctx, req, name, ref)
			if err != nil {
				return err
			}
			mu.Lock()
			outcome.Modalities[name] = *reg
			mu.Unlock()
			c.logger.Info("registration performed", "modality", name, "transform", reg.Transform.Kind)
			return nil
		})
	}

	if req.Label != "" {
		g.Go(func() error {
			label, err := c.registerLabel(gctx, req, ref)
			if err != nil {
				return err
			}
			outcome.Label = label
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcome, nil
}

func (c *Coordinator) registerReference(ctx context.Context, req Request) (*Registered, error) {
	vol, err := c.read(ctx, req.Reference, req.Modalities[req.Reference])
	if err != nil {
		return nil, err
	}

	if !req.Policy.NormalizeToAtlas {
		return &Registered{Volume: vol, Transform: models.IdentityTransform()}, nil
	}

	res, err := c.registerer.Register(ctx, req.Atlas, vol, models.TransformAffine)
	if err != nil {
		return nil, fmt.Errorf("%w: %s onto atlas: %w", ErrRegistrationFailure, req.Reference, err)
	}
	c.logger.Info("reference registered to atlas", "modality", req.Reference)
	return &Registered{Volume: res.Warped, Transform: res.Forward}, nil
}

func (c *Coordinator) registerModality(ctx context.Context, req Request, name string, ref *Registered) (*Registered, error) {
	vol, err := c.read(ctx, name, req.Modalities[name])
	if err != nil {
		return nil, err
	}

	switch {
	case req.Policy.AlreadyCoregistered && !req.Policy.NormalizeToAtlas:
		return &Registered{Volume: vol, Transform: models.IdentityTransform()}, nil

	case req.Policy.AlreadyCoregistered:
		warped, err := c.applier.ApplyTransform(ctx, req.Atlas.Grid(), vol, ref.Transform, models.Linear)
		if err != nil {
			return nil, fmt.Errorf("failed to apply reference transform to %s: %w", name, err)
		}
		return &Registered{Volume: warped, Transform: ref.Transform}, nil

	default:
		res, err := c.registerer.Register(ctx, ref.Volume, vol, models.TransformAffine)
		if err != nil {
			return nil, fmt.Errorf("%w: %s onto %s: %w", ErrRegistrationFailure, name, req.Reference, err)
		}
		return &Registered{Volume: res.Warped, Transform: res.Forward}, nil
	}
}

func (c *Coordinator) registerLabel(ctx context.Context, req Request, ref *Registered) (*Registered, error) {
	vol, err := c.read(ctx, "label", req.Label)
	if err != nil {
		return nil, err
	}

	if !req.Policy.NormalizeToAtlas {
		return &Registered{Volume: vol, Transform: models.IdentityTransform()}, nil
	}

	warped, err := c.applier.ApplyTransform(ctx, req.Atlas.Grid(), vol, ref.Transform, models.Nearest)
	if err != nil {
		return nil, fmt.Errorf("failed to apply reference transform to label: %w", err)
	}
	return &Registered{Volume: warped, Transform: ref.Transform}, nil
}

func (c *Coordinator) read(ctx context.Context, name, path string) (*models.Volume, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vol, err := c.reader.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from %s: %w", name, path, err)
	}
	return vol, nil
}

// others returns every modality except the reference, in sorted order.
func others(modalities map[string]string, reference string) []string {
	names := make([]string, 0, len(modalities))
	for name := range modalities {
		if name != reference {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
