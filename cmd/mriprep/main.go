// mriprep prepares the MRI modalities of one subject for downstream
// analysis: coregistration onto a reference (optionally in atlas space),
// skull-stripping and cropping to the brain's bounding box.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"mriprep/pkg/config"
	"mriprep/pkg/nifti"
	"mriprep/pkg/pipeline"
	"mriprep/pkg/visualization"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts, flagSet, err := parseFlags(args)
	if err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}

	if opts.initConfig != "" {
		if err := config.CreateDefaultConfigFile(opts.initConfig); err != nil {
			return err
		}
		fmt.Printf("Default configuration written to %s\n", opts.initConfig)
		return nil
	}

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	opts.apply(flagSet, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Output.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	caps, err := buildCapabilities(cfg, logger)
	if err != nil {
		return err
	}

	orchestrator, err := pipeline.New(opts.modalities, opts.output, cfg.PipelineConfig(), caps)
	if err != nil {
		return err
	}
	resolved := orchestrator.Config()

	fmt.Println("================================")
	fmt.Println("MULTI-MODALITY BRAIN MRI PREPROCESSING")
	fmt.Println("================================")
	fmt.Printf("Modalities: %d, reference: %s\n", len(opts.modalities), resolved.Reference)
	fmt.Printf("Skull-stripping: %t, atlas: %t, cropping: %t\n",
		resolved.SkullStripping, resolved.NormalizeToAtlas, resolved.Crop)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startTime := time.Now()
	manifest, err := orchestrator.Run(ctx)
	if err != nil {
		return fmt.Errorf("preprocessing failed: %w", err)
	}

	final := manifest.Final()
	fmt.Printf("\nPreprocessing completed successfully in %.2f seconds!\n", time.Since(startTime).Seconds())
	fmt.Printf("Run ID: %s\n", manifest.RunID)
	fmt.Printf("Final volumes in: %s\n", final.Dir)
	for _, a := range final.Artifacts {
		fmt.Printf("- %s %v\n", filepath.Base(a.Path), a.Shape)
	}
	if cropped, ok := manifest.Stage(pipeline.StageCropping); ok {
		fmt.Printf("Bounding box: %s\n", cropped.BoundingBox)
	}
	fmt.Printf("Manifest: %s\n", filepath.Join(opts.output, pipeline.ManifestFile))

	if opts.extractSlices {
		if err := extractSlices(final, resolved.Reference, opts.output); err != nil {
			logger.Warn("failed to extract slices", "error", err)
		}
	}
	return nil
}

// extractSlices saves every slice of the final reference volume along all axes
func extractSlices(final *pipeline.StageOutput, reference, output string) error {
	a, ok := final.Artifact(reference)
	if !ok {
		return fmt.Errorf("no %s volume in %s", reference, final.Dir)
	}
	vol, err := nifti.ReadFile(a.Path)
	if err != nil {
		return err
	}

	viewer := visualization.NewViewer(vol)
	slicesPath := filepath.Join(output, "slices")
	for _, axis := range []string{"x", "y", "z"} {
		axisDir := filepath.Join(slicesPath, axis)
		fmt.Printf("Saving %s-axis slices to: %s\n", axis, axisDir)
		if err := viewer.SaveSliceSequence(axis, axisDir); err != nil {
			return fmt.Errorf("%s-axis: %w", axis, err)
		}
	}
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `mriprep: coregistration, skull-stripping and cropping of brain MRI.

Every modality is aligned to the reference modality (optionally after
registering the reference to the MNI template), skull-stripped with the
reference's brain mask and cropped to the reference's bounding box. Each
stage writes its volumes to its own folder under --output.

Usage:
  mriprep --modality NAME=PATH [--modality NAME=PATH ...] --output DIR [flags]

Examples:
  # T1 as reference, default stages
  mriprep --modality T1=t1.nii.gz --modality FLAIR=flair.nii.gz --output out

  # Inputs already aligned, normalise to the atlas, keep the skull
  mriprep --modality T1=t1.nii.gz,T2=t2.nii.gz --output out \
      --already-coregistered --atlas --skull-strip=false

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
