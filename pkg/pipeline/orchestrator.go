// Package pipeline sequences the preprocessing stages of one subject:
// coregistration, optional skull-stripping and optional cropping. Every
// stage writes its artifacts under its own folder of the output root and the
// next stage reads them back from there.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"mriprep/internal/models"
	"mriprep/pkg/crop"
	"mriprep/pkg/mask"
	"mriprep/pkg/registration"
	"mriprep/pkg/visualization"
)

const (
	labelName  = "label"
	previewDir = "previews"
)

func maskName(reference string) string {
	return reference + "_mask"
}

// Orchestrator runs the stages of one subject with a fixed configuration.
type Orchestrator struct {
	modalities  map[string]string
	outputRoot  string
	cfg         Config
	caps        Capabilities
	logger      *slog.Logger
	coordinator *registration.Coordinator
}

// New validates the inputs and builds an orchestrator. It fails with
// ErrConfiguration before anything is written to disk.
func New(modalities map[string]string, outputRoot string, cfg Config, caps Capabilities) (*Orchestrator, error) {
	resolved, err := resolve(modalities, outputRoot, cfg, caps)
	if err != nil {
		return nil, err
	}

	logger := caps.Logger
	if logger == nil {
		logger = discardLogger()
	}

	inputs := make(map[string]string, len(modalities))
	for name, path := range modalities {
		inputs[name] = path
	}

	coordinator := registration.NewCoordinator(caps.Registerer, caps.Applier, caps.Store, registration.Options{
		Workers: resolved.Workers,
		Logger:  logger,
	})

	return &Orchestrator{
		modalities:  inputs,
		outputRoot:  outputRoot,
		cfg:         resolved,
		caps:        caps,
		logger:      logger,
		coordinator: coordinator,
	}, nil
}

// Run builds an orchestrator and runs it once.
func Run(ctx context.Context, modalities map[string]string, outputRoot string, cfg Config, caps Capabilities) (*Manifest, error) {
	o, err := New(modalities, outputRoot, cfg, caps)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx)
}

// Config returns the resolved configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Run executes every enabled stage in order and writes the manifest. The
// first failing step aborts the run; artifacts already written are left
// in place.
func (o *Orchestrator) Run(ctx context.Context) (*Manifest, error) {
	manifest := newManifest(o.cfg.Reference)
	o.logger.Info("starting preprocessing",
		"run_id", manifest.RunID,
		"reference", o.cfg.Reference,
		"modalities", len(o.modalities),
		"output", o.outputRoot)

	out, err := o.coregister(ctx)
	if err != nil {
		return nil, err
	}
	manifest.record(*out, StateCoregistered)

	if o.cfg.SkullStripping {
		out, err = o.skullStrip(ctx, out)
		if err != nil {
			return nil, err
		}
		manifest.record(*out, StateSkullStripped)
	}

	if o.cfg.Crop {
		out, err = o.crop(ctx, out)
		if err != nil {
			return nil, err
		}
		manifest.record(*out, StateCropped)
	}

	if o.cfg.Previews {
		previews, err := o.writePreviews(ctx, out)
		if err != nil {
			return nil, err
		}
		manifest.Previews = previews
	}

	manifest.State = StateDone
	if err := manifest.Save(filepath.Join(o.outputRoot, ManifestFile)); err != nil {
		return nil, err
	}
	o.logger.Info("preprocessing done", "run_id", manifest.RunID, "final_stage", out.Stage)
	return manifest, nil
}

func (o *Orchestrator) coregister(ctx context.Context) (*StageOutput, error) {
	dir := o.stageDir(StageCoregistration)

	req := registration.Request{
		Modalities: o.modalities,
		Reference:  o.cfg.Reference,
		Label:      o.cfg.Label,
		Policy: registration.Policy{
			NormalizeToAtlas:    o.cfg.NormalizeToAtlas,
			AlreadyCoregistered: o.cfg.AlreadyCoregistered,
		},
	}
	if o.cfg.NormalizeToAtlas {
		atlas, err := o.atlas(ctx)
		if err != nil {
			return nil, err
		}
		req.Atlas = atlas
	}

	// The reference is on disk before any modality is aligned to it
	var refArtifact Artifact
	req.OnReference = func(ctx context.Context, ref registration.Registered) error {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
		a, err := o.write(dir, o.cfg.Reference, KindModality, ref.Volume)
		if err != nil {
			return err
		}
		refArtifact = a
		return nil
	}

	outcome, err := o.coordinator.Coregister(ctx, req)
	if err != nil {
		return nil, err
	}

	out := &StageOutput{Stage: StageCoregistration, Dir: dir}
	for _, name := range sortedKeys(outcome.Modalities) {
		if name == o.cfg.Reference {
			out.Artifacts = append(out.Artifacts, refArtifact)
			continue
		}
		a, err := o.write(dir, name, KindModality, outcome.Modalities[name].Volume)
		if err != nil {
			return nil, err
		}
		out.Artifacts = append(out.Artifacts, a)
	}
	if outcome.Label != nil {
		a, err := o.write(dir, labelName, KindLabel, outcome.Label.Volume)
		if err != nil {
			return nil, err
		}
		out.Artifacts = append(out.Artifacts, a)
	}
	return out, nil
}

// atlas loads the template matching the skull-stripping choice: a stripped
// subject is aligned to the full-head template before its brain is
// extracted, and an unstripped run uses the stripped template.
func (o *Orchestrator) atlas(ctx context.Context) (*models.Volume, error) {
	path, err := o.caps.Templates.Fetch(ctx, !o.cfg.SkullStripping)
	if err != nil {
		return nil, err
	}
	atlas, err := o.caps.Store.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read atlas %s: %w", path, err)
	}
	o.logger.Info("atlas loaded", "path", path, "shape", atlas.Shape())
	return atlas, nil
}

func (o *Orchestrator) skullStrip(ctx context.Context, prev *StageOutput) (*StageOutput, error) {
	dir := o.stageDir(StageSkullStripping)
	o.logger.Info("performing skull-stripping", "reference", o.cfg.Reference)

	ref, err := o.readArtifact(ctx, prev, o.cfg.Reference)
	if err != nil {
		return nil, err
	}
	brainMask, err := o.caps.Segmenter.SegmentBrainMask(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("skull-stripping %s: %w", o.cfg.Reference, err)
	}

	stripped, err := mask.Apply(ref, brainMask.Grid(), brainMask)
	if err != nil {
		return nil, fmt.Errorf("failed to mask %s: %w", o.cfg.Reference, err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	out := &StageOutput{Stage: StageSkullStripping, Dir: dir}

	maskArtifact, err := o.write(dir, maskName(o.cfg.Reference), KindMask, brainMask)
	if err != nil {
		return nil, err
	}
	refArtifact, err := o.write(dir, o.cfg.Reference, KindModality, stripped)
	if err != nil {
		return nil, err
	}
	out.Artifacts = append(out.Artifacts, maskArtifact, refArtifact)

	// The written reference is the grid every other volume is masked on
	strippedRef, err := o.caps.Store.Read(refArtifact.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read back %s: %w", refArtifact.Path, err)
	}
	grid := strippedRef.Grid()

	artifacts, err := o.forEach(ctx, o.dependents(prev), func(ctx context.Context, a Artifact) (Artifact, error) {
		vol, err := o.readArtifact(ctx, prev, a.Name)
		if err != nil {
			return Artifact{}, err
		}
		masked, err := mask.Apply(vol, grid, brainMask)
		if err != nil {
			return Artifact{}, fmt.Errorf("failed to mask %s: %w", a.Name, err)
		}
		o.logger.Info("skull-stripping applied", "name", a.Name)
		return o.write(dir, a.Name, a.Kind, masked)
	})
	if err != nil {
		return nil, err
	}
	out.Artifacts = append(out.Artifacts, artifacts...)
	return out, nil
}

func (o *Orchestrator) crop(ctx context.Context, prev *StageOutput) (*StageOutput, error) {
	dir := o.stageDir(StageCropping)

	ref, err := o.readArtifact(ctx, prev, o.cfg.Reference)
	if err != nil {
		return nil, err
	}
	box := crop.FindBox(ref)
	o.logger.Info("performing cropping", "reference", o.cfg.Reference, "box", box.String())

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	// The brain mask stays in skullstripping/
	var inputs []Artifact
	for _, a := range prev.Artifacts {
		if a.Kind != KindMask {
			inputs = append(inputs, a)
		}
	}

	artifacts, err := o.forEach(ctx, inputs, func(ctx context.Context, a Artifact) (Artifact, error) {
		vol, err := o.readArtifact(ctx, prev, a.Name)
		if err != nil {
			return Artifact{}, err
		}
		cropped, err := crop.Crop(vol, box)
		if err != nil {
			return Artifact{}, fmt.Errorf("failed to crop %s: %w", a.Name, err)
		}
		return o.write(dir, a.Name, a.Kind, cropped)
	})
	if err != nil {
		return nil, err
	}
	return &StageOutput{Stage: StageCropping, Dir: dir, Artifacts: artifacts, BoundingBox: &box}, nil
}

func (o *Orchestrator) writePreviews(ctx context.Context, final *StageOutput) ([]string, error) {
	dir := filepath.Join(o.outputRoot, previewDir)

	var (
		mu    sync.Mutex
		paths []string
	)
	_, err := o.forEach(ctx, final.Artifacts, func(ctx context.Context, a Artifact) (Artifact, error) {
		if a.Kind != KindModality {
			return a, nil
		}
		vol, err := o.readArtifact(ctx, final, a.Name)
		if err != nil {
			return Artifact{}, err
		}
		written, err := visualization.NewViewer(vol).SaveMidSlices(dir, o.cfg.NamePrefix+a.Name)
		if err != nil {
			return Artifact{}, err
		}
		mu.Lock()
		paths = append(paths, written...)
		mu.Unlock()
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// dependents returns every artifact of a stage except the reference.
func (o *Orchestrator) dependents(prev *StageOutput) []Artifact {
	var deps []Artifact
	for _, a := range prev.Artifacts {
		if a.Name != o.cfg.Reference {
			deps = append(deps, a)
		}
	}
	return deps
}

// forEach runs fn over the artifacts with at most Workers in flight.
func (o *Orchestrator) forEach(ctx context.Context, artifacts []Artifact, fn func(context.Context, Artifact) (Artifact, error)) ([]Artifact, error) {
	results := make([]Artifact, len(artifacts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for i, a := range artifacts {
		g.Go(func() error {
			res, err := fn(gctx, a)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (o *Orchestrator) readArtifact(ctx context.Context, stage *StageOutput, name string) (*models.Volume, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a, ok := stage.Artifact(name)
	if !ok {
		return nil, fmt.Errorf("%s stage produced no %s artifact", stage.Stage, name)
	}
	vol, err := o.caps.Store.Read(a.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", a.Path, err)
	}
	return vol, nil
}

func (o *Orchestrator) write(dir, name string, kind ArtifactKind, v *models.Volume) (Artifact, error) {
	path := filepath.Join(dir, o.cfg.NamePrefix+name+o.caps.Store.Ext())
	if err := o.caps.Store.Write(path, v); err != nil {
		return Artifact{}, fmt.Errorf("failed to write %s: %w", path, err)
	}
	sum, err := checksum(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to checksum %s: %w", path, err)
	}
	o.logger.Debug("artifact written", "name", name, "path", path, "shape", v.Shape())
	return Artifact{Name: name, Kind: kind, Path: path, Shape: v.Shape(), Checksum: sum}, nil
}

func (o *Orchestrator) stageDir(s Stage) string {
	return filepath.Join(o.outputRoot, string(s))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
