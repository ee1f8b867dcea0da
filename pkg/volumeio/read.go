// Package volumeio reads and writes NIfTI-1 volumes as models.Volume.
package volumeio

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/carbocation/pfx"
	"github.com/henghuang/nifti"

	"prmtopo/internal/models"
)

// ErrUnsupportedFormat is returned for paths that are not .nii or .nii.gz
var ErrUnsupportedFormat = errors.New("unsupported volume format")

// IsNifti reports whether path carries a NIfTI extension
func IsNifti(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".nii") || strings.HasSuffix(lower, ".nii.gz")
}

// Read loads the first time point of a little endian NIfTI volume. Voxels
// are decoded by the header datatype and scaled by scl_slope/scl_inter when
// the slope is non-zero. The voxel size is taken from pixdim[1..3].
func Read(path string) (*models.Volume, error) {
	if !IsNifti(path) {
		return nil, fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, pfx.Err(err)
	}

	header, err := safelyParseHeader(path)
	if err != nil {
		return nil, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}
	decode, err := decoder(header)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	img, err := safelyParseImage(path)
	if err != nil {
		return nil, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}

	dims := img.GetDims()
	if len(dims) < 3 {
		return nil, pfx.Err(fmt.Errorf("%s: expected a 3D volume, got %d dimensions", path, len(dims)))
	}
	width, height, depth := dims[0], dims[1], dims[2]
	if width < 1 || height < 1 || depth < 1 {
		return nil, pfx.Err(fmt.Errorf("%s: invalid dimensions %dx%dx%d", path, width, height, depth))
	}

	spacing := models.Spacing{
		X: positiveOr(float64(header.Pixdim[1]), 1),
		Y: positiveOr(float64(header.Pixdim[2]), 1),
		Z: positiveOr(float64(header.Pixdim[3]), 1),
	}

	slope, inter := float64(header.SclSlope), float64(header.SclInter)
	scaled := slope != 0 && !math.IsNaN(slope) && !math.IsInf(slope, 0)
	if math.IsNaN(inter) || math.IsInf(inter, 0) {
		inter = 0
	}

	vol := models.NewVolume(width, height, depth, spacing)
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				v := decode(img.GetAt(x, y, z, 0))
				if scaled {
					v = v*slope + inter
				}
				vol.Set(x, y, z, v)
			}
		}
	}
	return vol, nil
}

// NIfTI-1 datatype codes
const (
	dtUint8  = 2
	dtInt16  = 4
	dtInt32  = 8
	dtInt8   = 256
	dtUint16 = 512
	dtUint32 = 768
	dtDouble = 64
)

// decoder returns the function that recovers a voxel of the header's
// datatype from the nifti library's sample. The library decodes by byte
// width alone: 1 and 2 byte samples as unsigned integers, 4 byte samples
// as float32 bits and 8 byte samples as float64 narrowed to float32.
func decoder(h nifti.Nifti1Header) (func(float32) float64, error) {
	if h.SizeofHdr != headerSize {
		return nil, fmt.Errorf("header size %d: %w (big endian files are not supported)", h.SizeofHdr, ErrUnsupportedFormat)
	}

	var bitpix int16
	var fn func(float32) float64
	switch h.Datatype {
	case dtUint8, dtUint16:
		bitpix = 8
		if h.Datatype == dtUint16 {
			bitpix = 16
		}
		fn = func(v float32) float64 { return float64(v) }
	case dtInt8:
		bitpix = 8
		fn = func(v float32) float64 { return float64(int8(uint8(v))) }
	case dtInt16:
		bitpix = 16
		fn = func(v float32) float64 { return float64(int16(uint16(v))) }
	case dtInt32:
		bitpix = 32
		fn = func(v float32) float64 { return float64(int32(math.Float32bits(v))) }
	case dtUint32:
		bitpix = 32
		fn = func(v float32) float64 { return float64(math.Float32bits(v)) }
	case dtFloat32:
		bitpix = 32
		fn = func(v float32) float64 { return float64(v) }
	case dtDouble:
		bitpix = 64
		fn = func(v float32) float64 { return float64(v) }
	default:
		return nil, fmt.Errorf("datatype %d: %w", h.Datatype, ErrUnsupportedFormat)
	}

	if h.Bitpix != bitpix {
		return nil, pfx.Err(fmt.Errorf("datatype %d expects bitpix %d, header has %d", h.Datatype, bitpix, h.Bitpix))
	}
	return fn, nil
}

func positiveOr(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}

// The nifti library panics on malformed input; recover turns that into an
// ordinary error.
func safelyParseImage(path string) (img nifti.Nifti1Image, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("%v", panicErr)
		}
	}()

	img.LoadImage(path, true)

	return
}

func safelyParseHeader(path string) (header nifti.Nifti1Header, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("%v", panicErr)
		}
	}()

	header.LoadHeader(path)

	return
}
