// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// .nii.gz).
//
// Based on the official definition of the nifti1 header,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"errors"
	"math"

	"mriprep/internal/models"
)

var (
	// ErrInvalidHeader is returned for files that are not NIfTI-1.
	ErrInvalidHeader = errors.New("invalid nifti-1 header")
	// ErrUnsupportedDatatype is returned for voxel types this codec cannot decode.
	ErrUnsupportedDatatype = errors.New("unsupported nifti datatype")
)

// Header defines the structure of the Nifti1 header.
type Header struct {
	SizeofHdr          int32      // Must be 348
	UnusedDataType     [10]int8   // Unused
	UnusedDbName       [18]int8   // Unused
	UnusedExtents      int32      // Unused
	UnusedSessionError int16      // Unused
	UnusedRegular      int8       // Unused
	DimInfo            int8       // MRI slice ordering
	Dim                [8]int16   // Data array dimensions
	IntentP1           float32    // 1st intent parameter
	IntentP2           float32    // 2nd intent parameter
	IntentP3           float32    // 3rd intent parameter
	IntentCode         int16      // NIFTI_INTENT_* code
	Datatype           int16      // Defines data type
	Bitpix             int16      // Number bits/voxel
	SliceStart         int16      // First slice index
	Pixdim             [8]float32 // Grid spacing
	VoxOffset          float32    // Offset into .nii file
	SclSlope           float32    // Data scaling: slope
	SclInter           float32    // Data scaling: offset
	SliceEnd           int16      // Last slice index
	SliceCode          int8       // Slice timing order
	XyztUnits          int8       // Units of pixdim[1..4]
	CalMax             float32    // Max display intensity
	CalMin             float32    // Min display intensity
	SliceDuration      float32    // Time for 1 slice
	Toffset            float32    // Time axis shift
	UnusedGlmax        int32      // Unused
	UnusedGlmin        int32      // Unused
	Descrip            [80]int8   // Any text you like
	AuxFile            [24]int8   // Auxiliary filename
	QformCode          int16      // NIFTI_XFORM_* code
	SformCode          int16      // NIFTI_XFORM_* code
	QuaternB           float32    // Quaternion b params
	QuaternC           float32    // Quaternion c params
	QuaternD           float32    // Quaternion d params
	QoffsetX           float32    // Quaternion x shift
	QoffsetY           float32    // Quaternion y shift
	QoffsetZ           float32    // Quaternion z shift
	SrowX              [4]float32 // 1st row affine transform
	SrowY              [4]float32 // 2nd row affine transform
	SrowZ              [4]float32 // 3rd row affine transform
	IntentName         [16]int8   // 'name' or meaning of data
	Magic              [4]int8    // Must be "ni1\0" or "n+1\0"
}

const (
	minHeaderSize = 348
	// Header plus the 4-byte extension flag
	headerSize = 352
)

// NIFTI_TYPE_* codes
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
)

// NIFTI_XFORM_SCANNER_ANAT
const xformScannerAnat = 1

// NIFTI_UNITS_MM
const unitsMM = 2

var singleFileMagic = [4]int8{'n', '+', '1', 0}

// bytesPerVoxel returns the storage size of a datatype, or 0 if unsupported.
func bytesPerVoxel(datatype int16) int {
	switch datatype {
	case DTUint8, DTInt8:
		return 1
	case DTInt16, DTUint16:
		return 2
	case DTInt32, DTUint32, DTFloat32:
		return 4
	case DTFloat64:
		return 8
	default:
		return 0
	}
}

// Affine returns the voxel-to-world matrix using sform when set, then
// qform, then the pixdim diagonal, in that order of precedence.
func (h *Header) Affine() models.Affine {
	if h.SformCode > 0 {
		a := models.Identity()
		for j := 0; j < 4; j++ {
			a[0][j] = float64(h.SrowX[j])
			a[1][j] = float64(h.SrowY[j])
			a[2][j] = float64(h.SrowZ[j])
		}
		return a
	}
	if h.QformCode > 0 {
		return h.qformAffine()
	}
	return models.Scaling(pixdim(h.Pixdim[1]), pixdim(h.Pixdim[2]), pixdim(h.Pixdim[3]))
}

// qformAffine builds the affine from the quaternion representation.
func (h *Header) qformAffine() models.Affine {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// Special case from nifti1_io: a 180 degree rotation
		norm := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*norm, c*norm, d*norm
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	qfac := 1.0
	if h.Pixdim[0] < 0 {
		qfac = -1
	}
	dx, dy, dz := pixdim(h.Pixdim[1]), pixdim(h.Pixdim[2]), pixdim(h.Pixdim[3])*qfac

	r := [3][3]float64{
		{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
		{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
		{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
	}

	m := models.Identity()
	for i := 0; i < 3; i++ {
		m[i][0] = r[i][0] * dx
		m[i][1] = r[i][1] * dy
		m[i][2] = r[i][2] * dz
	}
	m[0][3], m[1][3], m[2][3] = float64(h.QoffsetX), float64(h.QoffsetY), float64(h.QoffsetZ)
	return m
}

// pixdim treats non-positive spacings as 1mm, as nifti1_io does.
func pixdim(p float32) float64 {
	if p <= 0 {
		return 1
	}
	return float64(p)
}

// newHeader builds a float32 header describing v.
func newHeader(v *models.Volume) Header {
	h := Header{
		SizeofHdr: minHeaderSize,
		Dim:       [8]int16{3, int16(v.Width), int16(v.Height), int16(v.Depth), 1, 1, 1, 1},
		Datatype:  DTFloat32,
		Bitpix:    32,
		Pixdim:    [8]float32{1, 1, 1, 1, 1, 1, 1, 1},
		VoxOffset: headerSize,
		SclSlope:  1,
		XyztUnits: unitsMM,
		SformCode: xformScannerAnat,
		Magic:     singleFileMagic,
	}
	if v.Is4D() {
		h.Dim[0] = 4
		h.Dim[4] = int16(v.Channels)
	}

	// Voxel spacing is the length of each affine column
	for j := 0; j < 3; j++ {
		var sum float64
		for i := 0; i < 3; i++ {
			sum += v.Affine[i][j] * v.Affine[i][j]
		}
		h.Pixdim[j+1] = float32(math.Sqrt(sum))
	}
	for j := 0; j < 4; j++ {
		h.SrowX[j] = float32(v.Affine[0][j])
		h.SrowY[j] = float32(v.Affine[1][j])
		h.SrowZ[j] = float32(v.Affine[2][j])
	}
	return h
}
