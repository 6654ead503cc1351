package registration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mriprep/internal/models"
)

// memReader serves volumes from memory keyed by path
type memReader map[string]*models.Volume

func (m memReader) Read(path string) (*models.Volume, error) {
	v, ok := m[path]
	if !ok {
		return nil, fmt.Errorf("no volume at %s", path)
	}
	return v.Clone(), nil
}

type registerCall struct {
	fixed, moving *models.Volume
}

type applyCall struct {
	fixed  models.Grid
	moving *models.Volume
	t      models.Transform
	interp models.Interpolation
}

// recorder is a fake capability that warps by copying the fixed grid and
// tags each transform with a distinct translation.
type recorder struct {
	mu       sync.Mutex
	register []registerCall
	apply    []applyCall
}

func (r *recorder) Register(ctx context.Context, fixed, moving *models.Volume, kind models.TransformKind) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.register = append(r.register, registerCall{fixed: fixed, moving: moving})
	warped := models.NewVolume(fixed.Grid())
	copy(warped.Data, moving.Data)
	n := float64(len(r.register))
	return &Result{
		Warped:  warped,
		Forward: models.Transform{Kind: kind, Matrix: models.Translation(n, 0, 0)},
	}, nil
}

func (r *recorder) ApplyTransform(ctx context.Context, fixed models.Grid, moving *models.Volume, t models.Transform, interp models.Interpolation) (*models.Volume, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apply = append(r.apply, applyCall{fixed: fixed, moving: moving, t: t, interp: interp})
	out := models.NewVolume(fixed)
	copy(out.Data, moving.Data)
	return out, nil
}

func volume(size int, affine models.Affine, val float64) *models.Volume {
	v := models.NewVolume(models.Grid{Width: size, Height: size, Depth: size, Affine: affine})
	for i := range v.Data {
		v.Data[i] = val
	}
	return v
}

type fixture struct {
	reader memReader
	atlas  *models.Volume
	rec    *recorder
	coord  *Coordinator
}

func newFixture() *fixture {
	reader := memReader{
		"a.nii":     volume(4, models.Identity(), 1),
		"b.nii":     volume(4, models.Scaling(2, 2, 2), 2),
		"c.nii":     volume(4, models.Translation(1, 1, 1), 3),
		"label.nii": volume(4, models.Identity(), 4),
	}
	rec := &recorder{}
	return &fixture{
		reader: reader,
		atlas:  volume(6, models.Scaling(1.5, 1.5, 1.5), 10),
		rec:    rec,
		coord:  NewCoordinator(rec, rec, reader, Options{Workers: 2}),
	}
}

func (f *fixture) request(policy Policy) Request {
	return Request{
		Modalities: map[string]string{"A": "a.nii", "B": "b.nii", "C": "c.nii"},
		Reference:  "A",
		Label:      "label.nii",
		Atlas:      f.atlas,
		Policy:     policy,
	}
}

func TestCoregisterNativeSpace(t *testing.T) {
	f := newFixture()

	out, err := f.coord.Coregister(context.Background(), f.request(Policy{}))
	require.NoError(t, err)

	require.Len(t, out.Modalities, 3)
	assert.True(t, out.ReferenceTransform.IsIdentity())
	assert.Equal(t, f.reader["a.nii"], out.Modalities["A"].Volume, "reference is saved as-is")

	// B and C registered to the reference, each with its own call
	require.Len(t, f.rec.register, 2)
	for _, call := range f.rec.register {
		assert.Equal(t, f.reader["a.nii"].Grid(), call.fixed.Grid())
	}
	for _, name := range []string{"B", "C"} {
		assert.Equal(t, f.reader["a.nii"].Grid(), out.Modalities[name].Volume.Grid())
		assert.Equal(t, models.TransformAffine, out.Modalities[name].Transform.Kind)
	}

	require.NotNil(t, out.Label)
	assert.True(t, out.Label.Transform.IsIdentity())
	assert.Empty(t, f.rec.apply)
}

func TestCoregisterAtlasIndependentTransforms(t *testing.T) {
	f := newFixture()

	out, err := f.coord.Coregister(context.Background(), f.request(Policy{NormalizeToAtlas: true}))
	require.NoError(t, err)

	// reference -> atlas, then B and C each against the warped reference
	require.Len(t, f.rec.register, 3)
	assert.Equal(t, f.atlas, f.rec.register[0].fixed)
	for _, call := range f.rec.register[1:] {
		assert.Equal(t, f.atlas.Grid(), call.fixed.Grid())
		assert.Equal(t, out.Modalities["A"].Volume, call.fixed)
	}
	assert.NotEqual(t, out.Modalities["B"].Transform, out.Modalities["C"].Transform)

	for name, reg := range out.Modalities {
		assert.Equal(t, f.atlas.Grid(), reg.Volume.Grid(), name)
	}

	// label follows the reference transform with nearest neighbour
	require.Len(t, f.rec.apply, 1)
	assert.Equal(t, models.Nearest, f.rec.apply[0].interp)
	assert.Equal(t, out.ReferenceTransform, f.rec.apply[0].t)
	assert.Equal(t, f.atlas.Grid(), out.Label.Volume.Grid())
}

func TestCoregisterAtlasReusesReferenceTransform(t *testing.T) {
	f := newFixture()

	out, err := f.coord.Coregister(context.Background(), f.request(Policy{NormalizeToAtlas: true, AlreadyCoregistered: true}))
	require.NoError(t, err)

	require.Len(t, f.rec.register, 1, "only the reference is registered")
	assert.Equal(t, f.atlas, f.rec.register[0].fixed)

	// B, C with linear, label with nearest, all through T
	require.Len(t, f.rec.apply, 3)
	var nearest, linear int
	for _, call := range f.rec.apply {
		assert.Equal(t, out.ReferenceTransform, call.t)
		assert.Equal(t, f.atlas.Grid(), call.fixed)
		switch call.interp {
		case models.Nearest:
			nearest++
		case models.Linear:
			linear++
		}
	}
	assert.Equal(t, 1, nearest)
	assert.Equal(t, 2, linear)

	assert.Equal(t, out.ReferenceTransform, out.Modalities["B"].Transform)
	assert.Equal(t, out.ReferenceTransform, out.Modalities["C"].Transform)
}

func TestCoregisterAlreadyCoregisteredCopiesThrough(t *testing.T) {
	f := newFixture()

	out, err := f.coord.Coregister(context.Background(), f.request(Policy{AlreadyCoregistered: true}))
	require.NoError(t, err)

	assert.Empty(t, f.rec.register)
	assert.Empty(t, f.rec.apply)
	assert.Equal(t, f.reader["b.nii"], out.Modalities["B"].Volume)
	assert.True(t, out.Modalities["C"].Transform.IsIdentity())
}

func TestCoregisterSurfacesRegistrationFailure(t *testing.T) {
	f := newFixture()
	f.reader["b.nii"] = volume(4, models.Identity(), 7)
	f.coord = NewCoordinator(failOn{rec: f.rec, value: 7}, f.rec, f.reader, Options{Workers: 1})

	_, err := f.coord.Coregister(context.Background(), f.request(Policy{}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRegistrationFailure))
	assert.Contains(t, err.Error(), "B")
}

// failOn rejects any moving volume whose first voxel equals value
type failOn struct {
	rec   *recorder
	value float64
}

func (f failOn) Register(ctx context.Context, fixed, moving *models.Volume, kind models.TransformKind) (*Result, error) {
	if moving.Data[0] == f.value {
		return nil, errors.New("did not converge")
	}
	return f.rec.Register(ctx, fixed, moving, kind)
}

func TestCoregisterHandsOffReferenceFirst(t *testing.T) {
	f := newFixture()
	req := f.request(Policy{NormalizeToAtlas: true})

	var (
		handed     Registered
		calls      int
		registered int
	)
	req.OnReference = func(ctx context.Context, ref Registered) error {
		calls++
		handed = ref
		f.rec.mu.Lock()
		registered = len(f.rec.register)
		f.rec.mu.Unlock()
		return nil
	}

	out, err := f.coord.Coregister(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, registered, "only the reference has been registered at hand-off")
	assert.Equal(t, out.Modalities["A"], handed)
	assert.Empty(t, f.rec.apply, "label is not warped before hand-off")
}

func TestCoregisterReferenceHandOffError(t *testing.T) {
	f := newFixture()
	req := f.request(Policy{})
	diskFull := errors.New("disk full")
	req.OnReference = func(ctx context.Context, ref Registered) error { return diskFull }

	_, err := f.coord.Coregister(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, diskFull))
	assert.Empty(t, f.rec.register, "no modality is registered after a failed hand-off")
}

func TestCoregisterRejectsUnknownReference(t *testing.T) {
	f := newFixture()
	req := f.request(Policy{})
	req.Reference = "Z"

	_, err := f.coord.Coregister(context.Background(), req)
	assert.Error(t, err)
}

func TestCoregisterRequiresAtlas(t *testing.T) {
	f := newFixture()
	req := f.request(Policy{NormalizeToAtlas: true})
	req.Atlas = nil

	_, err := f.coord.Coregister(context.Background(), req)
	assert.Error(t, err)
}

func TestCoregisterHonoursCancellation(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.coord.Coregister(ctx, f.request(Policy{}))
	assert.True(t, errors.Is(err, context.Canceled))
}
