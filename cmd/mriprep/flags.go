package main

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"mriprep/pkg/config"
)

type options struct {
	modalities map[string]string
	output     string
	configPath string
	initConfig string

	reference           string
	skullStripping      bool
	alreadyCoregistered bool
	normalizeToAtlas    bool
	crop                bool
	label               string
	namePrefix          string
	workers             int
	stripMethod         string
	templatePath        string
	strippedPath        string
	previews            bool
	extractSlices       bool
	verbose             bool
}

func parseFlags(args []string) (*options, *pflag.FlagSet, error) {
	defaults := config.DefaultConfig()
	opts := &options{}

	flagSet := pflag.NewFlagSet("mriprep", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringToStringVarP(&opts.modalities, "modality", "m", nil, "modality as NAME=PATH, repeatable")
	flagSet.StringVarP(&opts.output, "output", "o", "", "output folder")
	flagSet.StringVar(&opts.configPath, "config", "mriprep.yaml", "configuration file")
	flagSet.StringVar(&opts.initConfig, "init-config", "", "write a default configuration file to this path and exit")

	flagSet.StringVar(&opts.reference, "reference", "", "reference modality (default: first modality name)")
	flagSet.BoolVar(&opts.skullStripping, "skull-strip", defaults.Pipeline.SkullStripping, "skull-strip every modality")
	flagSet.BoolVar(&opts.alreadyCoregistered, "already-coregistered", false, "inputs already share the reference grid")
	flagSet.BoolVar(&opts.normalizeToAtlas, "atlas", false, "register the reference to the MNI template")
	flagSet.BoolVar(&opts.crop, "crop", defaults.Pipeline.Crop, "crop to the reference's bounding box")
	flagSet.StringVar(&opts.label, "label", "", "segmentation volume that follows the reference")
	flagSet.StringVar(&opts.namePrefix, "prefix", "", "prefix for every output file name")
	flagSet.IntVar(&opts.workers, "workers", defaults.Processing.Workers, "modalities processed at once")
	flagSet.StringVar(&opts.stripMethod, "strip-method", defaults.SkullStripping.Method, "brain mask method: hdbet or threshold")
	flagSet.StringVar(&opts.templatePath, "template", "", "local full-head atlas instead of the MNI download")
	flagSet.StringVar(&opts.strippedPath, "template-stripped", "", "local skull-stripped atlas, used when skull-stripping is off")
	flagSet.BoolVar(&opts.previews, "previews", false, "write JPEG mid-slices of the final volumes")
	flagSet.BoolVar(&opts.extractSlices, "extract-slices", false, "save every slice of the final reference along all axes")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	if err := flagSet.Parse(args); err != nil {
		return nil, flagSet, err
	}
	if extra := flagSet.Args(); len(extra) > 0 {
		return nil, flagSet, fmt.Errorf("unexpected argument: %s", extra[0])
	}
	if opts.initConfig != "" {
		return opts, flagSet, nil
	}
	if len(opts.modalities) == 0 {
		return nil, flagSet, fmt.Errorf("at least one --modality NAME=PATH is required")
	}
	if opts.output == "" {
		return nil, flagSet, fmt.Errorf("--output is required")
	}
	return opts, flagSet, nil
}

// apply overrides cfg with the flags given on the command line. Flags left
// at their defaults never override the configuration file.
func (o *options) apply(flagSet *pflag.FlagSet, cfg *config.Config) {
	if flagSet.Changed("reference") {
		cfg.Pipeline.Reference = o.reference
	}
	if flagSet.Changed("skull-strip") {
		cfg.Pipeline.SkullStripping = o.skullStripping
	}
	if flagSet.Changed("already-coregistered") {
		cfg.Pipeline.AlreadyCoregistered = o.alreadyCoregistered
	}
	if flagSet.Changed("atlas") {
		cfg.Pipeline.NormalizeToAtlas = o.normalizeToAtlas
	}
	if flagSet.Changed("crop") {
		cfg.Pipeline.Crop = o.crop
	}
	if flagSet.Changed("label") {
		cfg.Pipeline.Label = o.label
	}
	if flagSet.Changed("prefix") {
		cfg.Pipeline.NamePrefix = o.namePrefix
	}
	if flagSet.Changed("workers") {
		cfg.Processing.Workers = o.workers
	}
	if flagSet.Changed("strip-method") {
		cfg.SkullStripping.Method = o.stripMethod
	}
	if flagSet.Changed("template") {
		cfg.Template.Path = o.templatePath
	}
	if flagSet.Changed("template-stripped") {
		cfg.Template.StrippedPath = o.strippedPath
	}
	if flagSet.Changed("previews") {
		cfg.Output.Previews = o.previews
	}
	if flagSet.Changed("verbose") {
		cfg.Output.Verbose = o.verbose
	}
}
