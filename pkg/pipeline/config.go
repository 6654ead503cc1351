package pipeline

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sort"

	"mriprep/internal/models"
	"mriprep/pkg/registration"
	"mriprep/pkg/skullstrip"
	"mriprep/pkg/template"
)

// ErrConfiguration is returned by New for options that cannot produce a
// valid run. No stage runs and no output is written when it is returned.
var ErrConfiguration = errors.New("invalid pipeline configuration")

// Config holds the options of one run. It is resolved once by New and never
// changes afterwards.
type Config struct {
	// Reference is the modality every other one is aligned to. Empty selects
	// the lexicographically smallest modality name.
	Reference string

	// SkullStripping enables the skull-stripping stage
	SkullStripping bool

	// AlreadyCoregistered asserts that every input already shares the
	// reference's native grid. Without atlas normalisation the inputs are
	// copied through unchecked.
	AlreadyCoregistered bool

	// NormalizeToAtlas registers the reference to a standard template
	NormalizeToAtlas bool

	// Crop enables the cropping stage
	Crop bool

	// Label is an optional segmentation volume that follows the reference's
	// transforms with nearest-neighbour sampling
	Label string

	// NamePrefix is prepended to every artifact name
	NamePrefix string

	// Workers bounds how many modalities are processed at once within a
	// stage; runtime.NumCPU() when zero
	Workers int

	// Previews writes JPEG mid-slices of the final volumes
	Previews bool
}

// VolumeStore reads and writes volumes at filesystem paths.
type VolumeStore interface {
	Read(path string) (*models.Volume, error)
	Write(path string, v *models.Volume) error

	// Ext is the file suffix used for written artifacts
	Ext() string
}

// Capabilities are the external collaborators a run is built on.
type Capabilities struct {
	Store      VolumeStore
	Registerer registration.Registerer
	Applier    registration.Applier
	Segmenter  skullstrip.Segmenter
	Templates  template.Provider
	Logger     *slog.Logger
}

// resolve validates cfg against the inputs and fills in defaults.
func resolve(modalities map[string]string, outputRoot string, cfg Config, caps Capabilities) (Config, error) {
	if len(modalities) == 0 {
		return cfg, fmt.Errorf("%w: no modalities given", ErrConfiguration)
	}
	if outputRoot == "" {
		return cfg, fmt.Errorf("%w: output folder is required", ErrConfiguration)
	}

	names := make([]string, 0, len(modalities))
	for name, path := range modalities {
		if name == "" {
			return cfg, fmt.Errorf("%w: modality with empty name", ErrConfiguration)
		}
		if !exists(path) {
			return cfg, fmt.Errorf("%w: %s doesn't exist", ErrConfiguration, path)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if cfg.Reference == "" {
		cfg.Reference = names[0]
	} else if _, ok := modalities[cfg.Reference]; !ok {
		return cfg, fmt.Errorf("%w: reference %q has to be one of the imaging modalities %v",
			ErrConfiguration, cfg.Reference, names)
	}

	if cfg.Label != "" {
		if !exists(cfg.Label) {
			return cfg, fmt.Errorf("%w: label %s doesn't exist", ErrConfiguration, cfg.Label)
		}
		if _, ok := modalities[labelName]; ok {
			return cfg, fmt.Errorf("%w: modality name %q clashes with the label artifact", ErrConfiguration, labelName)
		}
	}
	if cfg.SkullStripping {
		if _, ok := modalities[maskName(cfg.Reference)]; ok {
			return cfg, fmt.Errorf("%w: modality name %q clashes with the mask artifact",
				ErrConfiguration, maskName(cfg.Reference))
		}
	}

	if cfg.Workers < 1 {
		cfg.Workers = runtime.NumCPU()
	}

	if err := checkCapabilities(cfg, caps); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func checkCapabilities(cfg Config, caps Capabilities) error {
	if caps.Store == nil {
		return fmt.Errorf("%w: a volume store is required", ErrConfiguration)
	}
	needsRegistration := cfg.NormalizeToAtlas || !cfg.AlreadyCoregistered
	if needsRegistration && caps.Registerer == nil {
		return fmt.Errorf("%w: coregistration requires a registerer", ErrConfiguration)
	}
	if cfg.NormalizeToAtlas {
		if caps.Applier == nil {
			return fmt.Errorf("%w: atlas normalisation requires a transform applier", ErrConfiguration)
		}
		if caps.Templates == nil {
			return fmt.Errorf("%w: atlas normalisation requires a template provider", ErrConfiguration)
		}
	}
	if cfg.SkullStripping && caps.Segmenter == nil {
		return fmt.Errorf("%w: skull-stripping requires a brain segmenter", ErrConfiguration)
	}
	return nil
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
