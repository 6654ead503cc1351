package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"mriprep/pkg/config"
	"mriprep/pkg/nifti"
	"mriprep/pkg/pipeline"
	"mriprep/pkg/registration"
	"mriprep/pkg/skullstrip"
	"mriprep/pkg/template"
)

// templateTimeout bounds the MNI archive download
const templateTimeout = 10 * time.Minute

// buildCapabilities selects the built-in capabilities named by cfg.
func buildCapabilities(cfg *config.Config, logger *slog.Logger) (pipeline.Capabilities, error) {
	caps := pipeline.Capabilities{
		Store:  nifti.Store{},
		Logger: logger,
	}

	switch cfg.Registration.Method {
	case config.RegistrationMoments:
		caps.Registerer = registration.Moments{}
		caps.Applier = registration.Moments{}
	default:
		return caps, fmt.Errorf("unknown registration method %q", cfg.Registration.Method)
	}

	switch cfg.SkullStripping.Method {
	case config.StripHDBET:
		caps.Segmenter = skullstrip.HDBET{
			Command: cfg.SkullStripping.Command,
			Device:  cfg.SkullStripping.Device,
			Logger:  logger,
		}
	case config.StripThreshold:
		caps.Segmenter = skullstrip.Threshold{}
	default:
		return caps, fmt.Errorf("unknown skull-stripping method %q", cfg.SkullStripping.Method)
	}

	if cfg.Template.Path != "" || cfg.Template.StrippedPath != "" {
		caps.Templates = template.Static{Full: cfg.Template.Path, Stripped: cfg.Template.StrippedPath}
	} else {
		caps.Templates = &template.MNICache{
			Dir:    cfg.Template.CacheDir,
			URL:    cfg.Template.URL,
			Client: &http.Client{Timeout: templateTimeout},
			Logger: logger,
		}
	}
	return caps, nil
}
