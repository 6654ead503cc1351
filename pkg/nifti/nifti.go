package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"mriprep/internal/models"
)

// Extension is the file suffix used for every written volume.
const Extension = ".nii.gz"

// maxVoxels caps the voxel count a header may declare
const maxVoxels = 1 << 31

var gzipMagic = []byte{0x1f, 0x8b}

// Store reads and writes volumes as NIfTI-1 files.
type Store struct{}

// Ext returns the suffix Write expects on output paths.
func (Store) Ext() string { return Extension }

// Read loads a volume from a .nii or .nii.gz file.
func (Store) Read(path string) (*models.Volume, error) {
	return ReadFile(path)
}

// Write saves v to path, gzip-compressed when path ends in .gz.
func (Store) Write(path string, v *models.Volume) error {
	return WriteFile(path, v)
}

// ReadFile loads a volume from a .nii or .nii.gz file. Compression is
// detected from the content, not the name.
func ReadFile(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, err := br.Peek(2); err == nil && bytes.Equal(magic, gzipMagic) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("error opening gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	v, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	return v, nil
}

// WriteFile saves v to path, creating parent directories as needed.
func WriteFile(path string, v *models.Volume) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if err := checkDims(v); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(bw)
		w = gz
	}

	err = Encode(w, v)
	if gz != nil {
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
	}
	if ferr := bw.Flush(); err == nil {
		err = ferr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return nil
}

// Decode reads an uncompressed single-file NIfTI-1 stream.
func Decode(r io.Reader) (*models.Volume, error) {
	raw := make([]byte, minHeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	h, order, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}

	// Skip extensions up to the data offset
	offset := int64(h.VoxOffset)
	if offset < headerSize {
		offset = headerSize
	}
	if _, err := io.CopyN(io.Discard, r, offset-minHeaderSize); err != nil {
		return nil, fmt.Errorf("%w: file has fewer bytes than offset requires", ErrInvalidHeader)
	}

	dims, n, err := h.shape()
	if err != nil {
		return nil, err
	}

	size := bytesPerVoxel(h.Datatype)
	if size == 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedDatatype, h.Datatype)
	}

	// Grow with the stream so a truncated file never allocates its declared size
	var voxels bytes.Buffer
	want := int64(n) * int64(size)
	if got, err := io.CopyN(&voxels, r, want); err != nil {
		return nil, fmt.Errorf("error reading voxel data: %d of %d bytes: %w", got, want, err)
	}
	buf := voxels.Bytes()

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope == 0 || math.IsNaN(slope) {
		slope, inter = 1, 0
	}

	data := make([]float64, n)
	for i := range data {
		data[i] = decodeVoxel(buf[i*size:(i+1)*size], h.Datatype, order)*slope + inter
	}

	return &models.Volume{
		Data:     data,
		Width:    dims[0],
		Height:   dims[1],
		Depth:    dims[2],
		Channels: dims[3],
		Affine:   h.Affine(),
	}, nil
}

// shape returns the width, height, depth and channel count declared by h
// and their product. Higher dimensions fold into the channel axis.
func (h *Header) shape() ([4]int, int, error) {
	ndim := int(h.Dim[0])
	dims := [4]int{1, 1, 1, 1}
	for i := 0; i < ndim && i < 4; i++ {
		dims[i] = int(h.Dim[i+1])
		if dims[i] < 1 {
			dims[i] = 1
		}
	}
	for i := 5; i <= ndim; i++ {
		if h.Dim[i] > 1 {
			dims[3] *= int(h.Dim[i])
		}
	}

	n := 1
	for _, d := range dims {
		if d > maxVoxels/n {
			return dims, 0, fmt.Errorf("%w: dims %v exceed %d voxels", ErrInvalidHeader, h.Dim[1:ndim+1], maxVoxels)
		}
		n *= d
	}
	return dims, n, nil
}

// checkDims rejects volumes whose extents do not fit the header's int16 dims.
func checkDims(v *models.Volume) error {
	for _, d := range []struct {
		name string
		n    int
	}{{"width", v.Width}, {"height", v.Height}, {"depth", v.Depth}, {"channels", v.Channels}} {
		if d.n > math.MaxInt16 {
			return fmt.Errorf("%s %d exceeds the nifti-1 limit of %d", d.name, d.n, math.MaxInt16)
		}
	}
	return nil
}

// parseHeader decodes the fixed header, detecting byte order from sizeof_hdr.
func parseHeader(raw []byte) (*Header, binary.ByteOrder, error) {
	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw)) != minHeaderSize {
		order = binary.BigEndian
		if int32(binary.BigEndian.Uint32(raw)) != minHeaderSize {
			return nil, nil, fmt.Errorf("%w: header size is not %d", ErrInvalidHeader, minHeaderSize)
		}
	}

	h := &Header{}
	if err := binary.Read(bytes.NewReader(raw), order, h); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return nil, nil, fmt.Errorf("%w: dim[0] = %d is not in range [1, 7]", ErrInvalidHeader, h.Dim[0])
	}
	if h.Magic != singleFileMagic {
		return nil, nil, fmt.Errorf("%w: data must be stored in same file as header", ErrInvalidHeader)
	}
	return h, order, nil
}

func decodeVoxel(b []byte, datatype int16, order binary.ByteOrder) float64 {
	switch datatype {
	case DTUint8:
		return float64(b[0])
	case DTInt8:
		return float64(int8(b[0]))
	case DTInt16:
		return float64(int16(order.Uint16(b)))
	case DTUint16:
		return float64(order.Uint16(b))
	case DTInt32:
		return float64(int32(order.Uint32(b)))
	case DTUint32:
		return float64(order.Uint32(b))
	case DTFloat32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case DTFloat64:
		return math.Float64frombits(order.Uint64(b))
	}
	return 0
}

// Encode writes v as an uncompressed little-endian float32 NIfTI-1 stream.
func Encode(w io.Writer, v *models.Volume) error {
	if err := checkDims(v); err != nil {
		return err
	}
	h := newHeader(v)
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return err
	}
	// No extensions
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	buf := make([]byte, 4*len(v.Data))
	for i, val := range v.Data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(val)))
	}
	_, err := w.Write(buf)
	return err
}
