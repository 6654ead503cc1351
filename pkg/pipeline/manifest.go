package pipeline

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"mriprep/internal/models"
)

// State is the position of a run in the pipeline state machine:
// Init → Coregistered → SkullStripped → Cropped → Done, where the two
// middle states are skipped when their stage is disabled.
type State string

const (
	StateInit          State = "init"
	StateCoregistered  State = "coregistered"
	StateSkullStripped State = "skullstripped"
	StateCropped       State = "cropped"
	StateDone          State = "done"
)

// Stage names one output area of a run.
type Stage string

const (
	StageCoregistration Stage = "coregistration"
	StageSkullStripping Stage = "skullstripping"
	StageCropping       Stage = "cropping"
)

// ArtifactKind tells modality volumes apart from the label and the mask.
type ArtifactKind string

const (
	KindModality ArtifactKind = "modality"
	KindLabel    ArtifactKind = "label"
	KindMask     ArtifactKind = "mask"
)

// ManifestFile is written at the root of the output folder.
const ManifestFile = "manifest.yaml"

// Artifact is one volume written by a stage.
type Artifact struct {
	// Name is the modality name, "label", or "<reference>_mask"
	Name     string       `yaml:"name"`
	Kind     ArtifactKind `yaml:"kind"`
	Path     string       `yaml:"path"`
	Shape    []int        `yaml:"shape"`
	Checksum string       `yaml:"checksum"`
}

// StageOutput lists what one stage produced.
type StageOutput struct {
	Stage     Stage      `yaml:"stage"`
	Dir       string     `yaml:"dir"`
	Artifacts []Artifact `yaml:"artifacts"`

	// BoundingBox is the box applied by the cropping stage
	BoundingBox *models.BoundingBox `yaml:"boundingBox,omitempty"`
}

// Artifact looks up an artifact by name.
func (s *StageOutput) Artifact(name string) (Artifact, bool) {
	for _, a := range s.Artifacts {
		if a.Name == name {
			return a, true
		}
	}
	return Artifact{}, false
}

// Manifest is the per-stage record of a run.
type Manifest struct {
	RunID     string        `yaml:"runId"`
	Reference string        `yaml:"reference"`
	State     State         `yaml:"state"`
	Stages    []StageOutput `yaml:"stages"`
	Previews  []string      `yaml:"previews,omitempty"`
}

func newManifest(reference string) *Manifest {
	return &Manifest{
		RunID:     uuid.NewString(),
		Reference: reference,
		State:     StateInit,
	}
}

// Stage returns the output of a stage, if it ran.
func (m *Manifest) Stage(s Stage) (*StageOutput, bool) {
	for i := range m.Stages {
		if m.Stages[i].Stage == s {
			return &m.Stages[i], true
		}
	}
	return nil, false
}

// Final returns the output of the last stage that ran.
func (m *Manifest) Final() *StageOutput {
	if len(m.Stages) == 0 {
		return nil
	}
	return &m.Stages[len(m.Stages)-1]
}

func (m *Manifest) record(out StageOutput, state State) {
	sort.Slice(out.Artifacts, func(i, j int) bool {
		return out.Artifacts[i].Name < out.Artifacts[j].Name
	})
	m.Stages = append(m.Stages, out)
	m.State = state
}

// Save writes the manifest as YAML.
func (m *Manifest) Save(path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("error marshaling manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating manifest directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing manifest: %w", err)
	}
	return nil
}

// LoadManifest reads a manifest written by Save.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}
	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("error parsing manifest: %w", err)
	}
	return m, nil
}

// checksum returns the hex BLAKE3-256 digest of a file.
func checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("error hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
