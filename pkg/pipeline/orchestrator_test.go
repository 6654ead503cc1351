package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mriprep/internal/models"
	"mriprep/pkg/nifti"
	"mriprep/pkg/registration"
	"mriprep/pkg/resample"
)

const size = 12

// fakeRegistration resamples moving onto the fixed grid through an identity
// transform and records every call.
type fakeRegistration struct {
	mu       sync.Mutex
	register []string
	apply    []models.Interpolation
	fail     bool
}

func (f *fakeRegistration) Register(ctx context.Context, fixed, moving *models.Volume, kind models.TransformKind) (*registration.Result, error) {
	f.mu.Lock()
	f.register = append(f.register, string(kind))
	f.mu.Unlock()
	if f.fail {
		return nil, errors.New("optimizer diverged")
	}
	warped, err := resample.Resample(moving, fixed.Grid(), models.Linear)
	if err != nil {
		return nil, err
	}
	return &registration.Result{Warped: warped, Forward: models.Transform{Kind: kind, Matrix: models.Identity()}}, nil
}

func (f *fakeRegistration) ApplyTransform(ctx context.Context, fixed models.Grid, moving *models.Volume, t models.Transform, interp models.Interpolation) (*models.Volume, error) {
	f.mu.Lock()
	f.apply = append(f.apply, interp)
	f.mu.Unlock()
	return resample.ResampleWithTransform(moving, fixed, t, interp)
}

// brightSegmenter marks every voxel of at least 150 as brain
type brightSegmenter struct {
	calls int
}

func (s *brightSegmenter) SegmentBrainMask(ctx context.Context, v *models.Volume) (*models.Volume, error) {
	s.calls++
	m := models.NewVolume(v.Grid())
	for i := 0; i < v.SpatialSize(); i++ {
		if v.Data[i] >= 150 {
			m.Data[i] = 1
		}
	}
	return m, nil
}

type fakeTemplates struct {
	path   string
	mu     sync.Mutex
	wanted []bool
}

func (f *fakeTemplates) Fetch(ctx context.Context, skullStripped bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wanted = append(f.wanted, skullStripped)
	return f.path, nil
}

// head is a cube of skull (head) around a cube of brain
func head(skull, brain float64) *models.Volume {
	v := models.NewVolume(models.Grid{Width: size, Height: size, Depth: size, Affine: models.Identity()})
	for z := 2; z < 10; z++ {
		for y := 2; y < 10; y++ {
			for x := 2; x < 10; x++ {
				val := skull
				if x >= 4 && x < 8 && y >= 4 && y < 8 && z >= 4 && z < 8 {
					val = brain
				}
				v.Set(x, y, z, 0, val)
			}
		}
	}
	return v
}

type subject struct {
	modalities map[string]string
	label      string
	output     string
}

func newSubject(t *testing.T) subject {
	t.Helper()
	dir := t.TempDir()
	in := filepath.Join(dir, "inputs")

	s := subject{
		modalities: map[string]string{
			"T1":    filepath.Join(in, "t1.nii.gz"),
			"FLAIR": filepath.Join(in, "flair.nii.gz"),
		},
		label:  filepath.Join(in, "seg.nii.gz"),
		output: filepath.Join(dir, "out"),
	}
	require.NoError(t, nifti.WriteFile(s.modalities["T1"], head(100, 200)))
	require.NoError(t, nifti.WriteFile(s.modalities["FLAIR"], head(50, 180)))

	label := models.NewVolume(models.Grid{Width: size, Height: size, Depth: size, Affine: models.Identity()})
	for z := 5; z < 7; z++ {
		for y := 5; y < 7; y++ {
			for x := 5; x < 7; x++ {
				label.Set(x, y, z, 0, 2)
			}
		}
	}
	label.Set(4, 4, 4, 0, 1)
	require.NoError(t, nifti.WriteFile(s.label, label))
	return s
}

func capabilities(reg *fakeRegistration, seg *brightSegmenter) Capabilities {
	caps := Capabilities{
		Store:      nifti.Store{},
		Registerer: reg,
		Applier:    reg,
	}
	if seg != nil {
		caps.Segmenter = seg
	}
	return caps
}

func TestRunCoregistrationOnly(t *testing.T) {
	s := newSubject(t)
	reg := &fakeRegistration{}

	manifest, err := Run(context.Background(), s.modalities, s.output,
		Config{Reference: "T1"}, capabilities(reg, &brightSegmenter{}))
	require.NoError(t, err)

	assert.Equal(t, StateDone, manifest.State)
	require.Len(t, manifest.Stages, 1)

	coreg, ok := manifest.Stage(StageCoregistration)
	require.True(t, ok)
	require.Len(t, coreg.Artifacts, 2)
	assert.Equal(t, filepath.Join(s.output, "coregistration", "FLAIR.nii.gz"), coreg.Artifacts[0].Path)
	assert.Equal(t, filepath.Join(s.output, "coregistration", "T1.nii.gz"), coreg.Artifacts[1].Path)
	for _, a := range coreg.Artifacts {
		assert.FileExists(t, a.Path)
		assert.Len(t, a.Checksum, 64)
	}

	assert.NoDirExists(t, filepath.Join(s.output, "skullstripping"))
	assert.NoDirExists(t, filepath.Join(s.output, "cropping"))
	assert.Equal(t, []string{"Affine"}, reg.register, "only FLAIR is registered, onto T1")
	assert.Empty(t, reg.apply)

	// The reference is written unchanged
	t1, err := nifti.ReadFile(coreg.Artifacts[1].Path)
	require.NoError(t, err)
	assert.Equal(t, head(100, 200).Data, t1.Data)

	saved, err := LoadManifest(filepath.Join(s.output, ManifestFile))
	require.NoError(t, err)
	if diff := cmp.Diff(manifest, saved); diff != "" {
		t.Errorf("saved manifest mismatch (-want +got):\n%s", diff)
	}
}

func TestRunFullPipeline(t *testing.T) {
	s := newSubject(t)
	reg := &fakeRegistration{}
	seg := &brightSegmenter{}

	cfg := Config{
		Reference:      "T1",
		SkullStripping: true,
		Crop:           true,
		Label:          s.label,
		Workers:        2,
	}
	manifest, err := Run(context.Background(), s.modalities, s.output, cfg, capabilities(reg, seg))
	require.NoError(t, err)

	assert.Equal(t, StateDone, manifest.State)
	assert.Equal(t, 1, seg.calls, "only the reference is segmented")

	stripped, ok := manifest.Stage(StageSkullStripping)
	require.True(t, ok)
	names := make([]string, 0, len(stripped.Artifacts))
	for _, a := range stripped.Artifacts {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"FLAIR", "T1", "T1_mask", "label"}, names)

	// Every skull-stripped volume is zero wherever the mask is zero
	maskArtifact, ok := stripped.Artifact("T1_mask")
	require.True(t, ok)
	assert.Equal(t, KindMask, maskArtifact.Kind)
	brainMask, err := nifti.ReadFile(maskArtifact.Path)
	require.NoError(t, err)
	for _, a := range stripped.Artifacts {
		vol, err := nifti.ReadFile(a.Path)
		require.NoError(t, err)
		require.Equal(t, brainMask.Shape(), vol.Shape(), a.Name)
		for i, m := range brainMask.Data {
			if m == 0 {
				require.Zero(t, vol.Data[i], "%s voxel %d outside the brain", a.Name, i)
			}
		}
	}

	cropped, ok := manifest.Stage(StageCropping)
	require.True(t, ok)
	require.NotNil(t, cropped.BoundingBox)
	assert.Equal(t, models.BoundingBox{XMin: 4, XMax: 8, YMin: 4, YMax: 8, ZMin: 4, ZMax: 8}, *cropped.BoundingBox)
	require.Len(t, cropped.Artifacts, 3)
	for _, a := range cropped.Artifacts {
		assert.NotEqual(t, KindMask, a.Kind, a.Name)
		assert.Equal(t, []int{4, 4, 4}, a.Shape, a.Name)
	}
	_, ok = cropped.Artifact("T1_mask")
	assert.False(t, ok)
	assert.NoFileExists(t, filepath.Join(s.output, "cropping", "T1_mask.nii.gz"))

	// Label values survive nearest-neighbour handling
	labelArtifact, ok := cropped.Artifact("label")
	require.True(t, ok)
	label, err := nifti.ReadFile(labelArtifact.Path)
	require.NoError(t, err)
	seen := map[float64]bool{}
	for _, v := range label.Data {
		seen[v] = true
	}
	assert.Equal(t, map[float64]bool{0: true, 1: true, 2: true}, seen)

	// Cropping keeps voxels at their physical position
	t1Artifact, _ := cropped.Artifact("T1")
	t1, err := nifti.ReadFile(t1Artifact.Path)
	require.NoError(t, err)
	x, y, z := t1.Affine.Apply(0, 0, 0)
	assert.InDelta(t, 4.0, x, 1e-6)
	assert.InDelta(t, 4.0, y, 1e-6)
	assert.InDelta(t, 4.0, z, 1e-6)
	assert.Equal(t, 200.0, t1.At(0, 0, 0, 0))
}

func TestRunAtlasReusesReferenceTransform(t *testing.T) {
	s := newSubject(t)
	atlasPath := filepath.Join(t.TempDir(), "mni_sk.nii.gz")
	atlasGrid := models.Grid{Width: 10, Height: 10, Depth: 10, Affine: models.Translation(1, 1, 1)}
	require.NoError(t, nifti.WriteFile(atlasPath, models.NewVolume(atlasGrid)))

	reg := &fakeRegistration{}
	templates := &fakeTemplates{path: atlasPath}
	caps := capabilities(reg, &brightSegmenter{})
	caps.Templates = templates

	cfg := Config{
		Reference:           "T1",
		AlreadyCoregistered: true,
		NormalizeToAtlas:    true,
		Label:               s.label,
	}
	manifest, err := Run(context.Background(), s.modalities, s.output, cfg, caps)
	require.NoError(t, err)

	assert.Equal(t, []bool{true}, templates.wanted, "no skull-stripping asks for the stripped template")
	assert.Equal(t, []string{"Affine"}, reg.register, "only the reference is registered")
	assert.ElementsMatch(t, []models.Interpolation{models.Linear, models.Nearest}, reg.apply)

	coreg, _ := manifest.Stage(StageCoregistration)
	for _, a := range coreg.Artifacts {
		assert.Equal(t, []int{10, 10, 10}, a.Shape, a.Name)
	}
}

func TestRunAtlasWithSkullStrippingUsesFullTemplate(t *testing.T) {
	s := newSubject(t)
	atlasPath := filepath.Join(t.TempDir(), "mni.nii.gz")
	require.NoError(t, nifti.WriteFile(atlasPath, head(0, 0)))

	reg := &fakeRegistration{}
	templates := &fakeTemplates{path: atlasPath}
	caps := capabilities(reg, &brightSegmenter{})
	caps.Templates = templates

	cfg := Config{Reference: "FLAIR", SkullStripping: true, NormalizeToAtlas: true}
	_, err := Run(context.Background(), s.modalities, s.output, cfg, caps)
	require.NoError(t, err)

	assert.Equal(t, []bool{false}, templates.wanted)
	assert.Len(t, reg.register, 2, "reference onto atlas, then T1 onto the warped reference")
	assert.FileExists(t, filepath.Join(s.output, "skullstripping", "FLAIR_mask.nii.gz"))
}

func TestRunNamePrefixAndPreviews(t *testing.T) {
	s := newSubject(t)

	cfg := Config{Crop: true, NamePrefix: "sub01_", Previews: true}
	manifest, err := Run(context.Background(), s.modalities, s.output, cfg, capabilities(&fakeRegistration{}, nil))
	require.NoError(t, err)

	assert.Equal(t, "FLAIR", manifest.Reference, "default reference is the first modality name")
	assert.FileExists(t, filepath.Join(s.output, "cropping", "sub01_T1.nii.gz"))
	assert.FileExists(t, filepath.Join(s.output, "cropping", "sub01_FLAIR.nii.gz"))

	require.Len(t, manifest.Previews, 6)
	for _, p := range manifest.Previews {
		assert.FileExists(t, p)
	}
	assert.Contains(t, manifest.Previews, filepath.Join(s.output, "previews", "sub01_T1_z.jpg"))
}

// referenceOnDisk fails any registration started before the reference
// volume exists at path.
type referenceOnDisk struct {
	*fakeRegistration
	path string
}

func (r referenceOnDisk) Register(ctx context.Context, fixed, moving *models.Volume, kind models.TransformKind) (*registration.Result, error) {
	if _, err := nifti.ReadFile(r.path); err != nil {
		return nil, err
	}
	return r.fakeRegistration.Register(ctx, fixed, moving, kind)
}

func TestRunWritesReferenceBeforeDependents(t *testing.T) {
	s := newSubject(t)
	reg := referenceOnDisk{
		fakeRegistration: &fakeRegistration{},
		path:             filepath.Join(s.output, "coregistration", "T1.nii.gz"),
	}
	caps := Capabilities{Store: nifti.Store{}, Registerer: reg, Applier: reg}

	manifest, err := Run(context.Background(), s.modalities, s.output, Config{Reference: "T1"}, caps)
	require.NoError(t, err)
	assert.Equal(t, []string{"Affine"}, reg.register)

	coreg, _ := manifest.Stage(StageCoregistration)
	ref, ok := coreg.Artifact("T1")
	require.True(t, ok)
	assert.Equal(t, reg.path, ref.Path)
	assert.Len(t, ref.Checksum, 64)
}

func TestRunRegistrationFailure(t *testing.T) {
	s := newSubject(t)
	reg := &fakeRegistration{fail: true}

	_, err := Run(context.Background(), s.modalities, s.output, Config{Reference: "T1"}, capabilities(reg, nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, registration.ErrRegistrationFailure))
	assert.Contains(t, err.Error(), "FLAIR onto T1")
	assert.NoFileExists(t, filepath.Join(s.output, ManifestFile))
	assert.FileExists(t, filepath.Join(s.output, "coregistration", "T1.nii.gz"), "the reference outlives a failed dependent")
}

func TestRunCancelled(t *testing.T) {
	s := newSubject(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, s.modalities, s.output, Config{}, capabilities(&fakeRegistration{}, nil))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNewRejectsInvalidConfiguration(t *testing.T) {
	s := newSubject(t)
	caps := capabilities(&fakeRegistration{}, &brightSegmenter{})

	tests := []struct {
		name       string
		modalities map[string]string
		output     string
		cfg        Config
		caps       Capabilities
	}{
		{name: "no modalities", modalities: map[string]string{}, output: s.output, caps: caps},
		{name: "unknown reference", modalities: s.modalities, output: s.output, cfg: Config{Reference: "T2"}, caps: caps},
		{name: "missing input", modalities: map[string]string{"T1": filepath.Join(t.TempDir(), "absent.nii.gz")}, output: s.output, caps: caps},
		{name: "missing label", modalities: s.modalities, output: s.output, cfg: Config{Label: "/nonexistent/seg.nii.gz"}, caps: caps},
		{name: "no output", modalities: s.modalities, caps: caps},
		{name: "no store", modalities: s.modalities, output: s.output, caps: Capabilities{Registerer: &fakeRegistration{}}},
		{name: "no segmenter", modalities: s.modalities, output: s.output, cfg: Config{SkullStripping: true}, caps: capabilities(&fakeRegistration{}, nil)},
		{name: "no templates", modalities: s.modalities, output: s.output, cfg: Config{NormalizeToAtlas: true}, caps: caps},
		{name: "mask name clash", modalities: map[string]string{"T1": s.modalities["T1"], "T1_mask": s.modalities["FLAIR"]},
			output: s.output, cfg: Config{Reference: "T1", SkullStripping: true}, caps: caps},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.modalities, tt.output, tt.cfg, tt.caps)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfiguration), err.Error())
			assert.NoDirExists(t, s.output)
		})
	}
}

func TestNewAlreadyCoregisteredNeedsNoRegisterer(t *testing.T) {
	s := newSubject(t)

	o, err := New(s.modalities, s.output, Config{AlreadyCoregistered: true}, Capabilities{Store: nifti.Store{}})
	require.NoError(t, err)
	assert.Equal(t, "FLAIR", o.Config().Reference)
	assert.Positive(t, o.Config().Workers)

	manifest, err := o.Run(context.Background())
	require.NoError(t, err)
	coreg, _ := manifest.Stage(StageCoregistration)
	assert.Len(t, coreg.Artifacts, 2)
}
