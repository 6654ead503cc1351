// Package template supplies standard-space atlas volumes to the pipeline.
//
// The default provider fetches the MNI ICBM152 2009a nonlinear symmetric
// template once, keeps it in a cache directory and derives a skull-stripped
// copy from the template's brain mask.
package template

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"mriprep/pkg/nifti"
)

// ErrTemplateUnavailable is returned when the template cannot be fetched or extracted.
var ErrTemplateUnavailable = errors.New("reference template unavailable")

// Provider returns the location of a standard-space template volume.
type Provider interface {
	Fetch(ctx context.Context, skullStripped bool) (string, error)
}

// DefaultURL is the MNI ICBM152 2009a nonlinear symmetric distribution.
const DefaultURL = "http://www.bic.mni.mcgill.ca/~vfonov/icbm/2009/mni_icbm152_nlin_sym_09a_nifti.zip"

// Members of the distribution archive
const (
	archiveTemplate = "mni_icbm152_nlin_sym_09a/mni_icbm152_t1_tal_nlin_sym_09a.nii"
	archiveMask     = "mni_icbm152_nlin_sym_09a/mni_icbm152_t1_tal_nlin_sym_09a_mask.nii"
)

// Cached file names
const (
	templateFile = "mni.nii.gz"
	maskFile     = "mask.nii.gz"
	strippedFile = "mni_sk.nii.gz"
)

// MNICache downloads the template on first use and serves it from Dir.
type MNICache struct {
	// Dir is the cache directory
	Dir string

	// URL of the zip distribution, DefaultURL when empty
	URL string

	// Client is used for the download, http.DefaultClient when nil
	Client *http.Client

	Logger *slog.Logger

	mu sync.Mutex
}

// Fetch returns the path of the full-head template, or of its
// skull-stripped version when skullStripped is set.
func (m *MNICache) Fetch(ctx context.Context, skullStripped bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	full := filepath.Join(m.Dir, templateFile)
	stripped := filepath.Join(m.Dir, strippedFile)

	if !exists(full) || !exists(stripped) {
		m.logger().Info("MNI template not found, downloading", "url", m.url(), "cache", m.Dir)
		if err := m.populate(ctx); err != nil {
			return "", fmt.Errorf("%w: %w", ErrTemplateUnavailable, err)
		}
	}

	if skullStripped {
		return stripped, nil
	}
	return full, nil
}

// populate downloads the archive, extracts template and mask, and writes the
// masked template.
func (m *MNICache) populate(ctx context.Context) error {
	if err := os.MkdirAll(m.Dir, 0755); err != nil {
		return fmt.Errorf("error creating cache directory: %w", err)
	}

	archive, err := m.download(ctx)
	if err != nil {
		return err
	}
	defer os.Remove(archive)

	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("error opening archive: %w", err)
	}
	defer zr.Close()

	mni, err := extract(&zr.Reader, archiveTemplate, filepath.Join(m.Dir, "mni.nii"))
	if err != nil {
		return err
	}
	defer os.Remove(mni)
	brainMask, err := extract(&zr.Reader, archiveMask, filepath.Join(m.Dir, "mask.nii"))
	if err != nil {
		return err
	}
	defer os.Remove(brainMask)

	tmpl, err := nifti.ReadFile(mni)
	if err != nil {
		return err
	}
	maskVol, err := nifti.ReadFile(brainMask)
	if err != nil {
		return err
	}
	if len(maskVol.Data) != len(tmpl.Data) {
		return fmt.Errorf("template mask shape %v does not match template %v", maskVol.Shape(), tmpl.Shape())
	}

	stripped := tmpl.Clone()
	for i, w := range maskVol.Data {
		stripped.Data[i] *= w
	}

	// The stripped template is written last: its presence marks a complete cache
	if err := atomicWrite(filepath.Join(m.Dir, templateFile), func(path string) error {
		return nifti.WriteFile(path, tmpl)
	}); err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(m.Dir, maskFile), func(path string) error {
		return nifti.WriteFile(path, maskVol)
	}); err != nil {
		return err
	}
	return atomicWrite(filepath.Join(m.Dir, strippedFile), func(path string) error {
		return nifti.WriteFile(path, stripped)
	})
}

// download saves the archive to a temporary file in the cache directory.
func (m *MNICache) download(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url(), nil)
	if err != nil {
		return "", err
	}
	resp, err := m.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("error downloading template: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("error downloading template: %s", resp.Status)
	}

	f, err := os.CreateTemp(m.Dir, "mni-*.zip")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("error downloading template: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// extract copies one archive member to dst.
func extract(zr *zip.Reader, name, dst string) (string, error) {
	src, err := zr.Open(name)
	if err != nil {
		return "", fmt.Errorf("archive has no %s: %w", name, err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return "", fmt.Errorf("error extracting %s: %w", name, err)
	}
	return dst, out.Close()
}

// atomicWrite writes through a temporary sibling and renames it into place.
func atomicWrite(path string, write func(string) error) error {
	tmp := path + ".tmp" + nifti.Extension
	if err := write(tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (m *MNICache) url() string {
	if m.URL == "" {
		return DefaultURL
	}
	return m.URL
}

func (m *MNICache) client() *http.Client {
	if m.Client == nil {
		return http.DefaultClient
	}
	return m.Client
}

func (m *MNICache) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return m.Logger
}

// Static serves fixed template paths, for sites that keep their own atlas.
type Static struct {
	Full     string
	Stripped string
}

// Fetch returns the configured path after checking it exists.
func (s Static) Fetch(ctx context.Context, skullStripped bool) (string, error) {
	path := s.Full
	if skullStripped {
		path = s.Stripped
	}
	if path == "" || !exists(path) {
		return "", fmt.Errorf("%w: %q does not exist", ErrTemplateUnavailable, path)
	}
	return path, nil
}
