package volumeio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/carbocation/pfx"
	"github.com/klauspost/compress/gzip"

	"prmtopo/internal/models"
)

const (
	headerSize  = 348
	voxOffset   = 352
	dtFloat32   = 16
	unitsMM     = 2
	maxChannels = math.MaxInt16
)

// header is the on-disk NIfTI-1 header. Field order and sizes follow
// nifti1.h exactly; binary.Write packs it without padding.
type header struct {
	SizeOfHdr      int32
	UnusedDataType [10]byte
	UnusedDbName   [18]byte
	Extents        int32
	SessionError   int16
	Regular        byte
	DimInfo        byte
	Dim            [8]int16
	IntentP1       float32
	IntentP2       float32
	IntentP3       float32
	IntentCode     int16
	Datatype       int16
	Bitpix         int16
	SliceStart     int16
	Pixdim         [8]float32
	VoxOffset      float32
	SclSlope       float32
	SclInter       float32
	SliceEnd       int16
	SliceCode      byte
	XYZTUnits      byte
	CalMax         float32
	CalMin         float32
	SliceDuration  float32
	TOffset        float32
	Glmax          int32
	Glmin          int32
	Descrip        [80]byte
	AuxFile        [24]byte
	QFormCode      int16
	SFormCode      int16
	QuaternB       float32
	QuaternC       float32
	QuaternD       float32
	QOffsetX       float32
	QOffsetY       float32
	QOffsetZ       float32
	SRowX          [4]float32
	SRowY          [4]float32
	SRowZ          [4]float32
	IntentName     [16]byte
	Magic          [4]byte
	ExtensionFlags [4]byte
}

// newHeader describes channels volumes of vol's shape stored as float32.
// More than one channel becomes the fourth dimension.
func newHeader(vol *models.Volume, channels int) header {
	h := header{
		SizeOfHdr: headerSize,
		Regular:   'r',
		Datatype:  dtFloat32,
		Bitpix:    32,
		VoxOffset: voxOffset,
		SclSlope:  1,
		XYZTUnits: unitsMM,
		SFormCode: 1,
		Magic:     [4]byte{'n', '+', '1', 0},
	}

	h.Dim = [8]int16{3, int16(vol.Width), int16(vol.Height), int16(vol.Depth), 1, 1, 1, 1}
	if channels > 1 {
		h.Dim[0] = 4
		h.Dim[4] = int16(channels)
	}

	sx, sy, sz := float32(vol.VoxelSize.X), float32(vol.VoxelSize.Y), float32(vol.VoxelSize.Z)
	h.Pixdim = [8]float32{1, sx, sy, sz, 1, 1, 1, 1}
	h.SRowX = [4]float32{sx, 0, 0, 0}
	h.SRowY = [4]float32{0, sy, 0, 0}
	h.SRowZ = [4]float32{0, 0, sz, 0}

	copy(h.Descrip[:], "prmtopo")
	return h
}

// Write stores vols as a single-file NIfTI-1 image of float32 voxels. One
// volume gives a 3D image; several volumes of one shape are written as the
// time points of a 4D image in the given order. Paths ending in .gz are
// gzip compressed.
func Write(path string, vols ...*models.Volume) error {
	if !IsNifti(path) {
		return fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}
	if len(vols) == 0 {
		return pfx.Err(fmt.Errorf("%s: no volumes to write", path))
	}
	if len(vols) > maxChannels {
		return pfx.Err(fmt.Errorf("%s: %d channels exceed the NIfTI limit", path, len(vols)))
	}
	if err := models.CheckShapes(vols...); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	for _, extent := range vols[0].Shape() {
		if extent > math.MaxInt16 {
			return pfx.Err(fmt.Errorf("%s: extent %d exceeds the NIfTI limit", path, extent))
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return pfx.Err(err)
	}
	f, err := os.Create(path)
	if err != nil {
		return pfx.Err(err)
	}
	defer f.Close()

	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		zw := gzip.NewWriter(f)
		if err := encode(zw, vols); err != nil {
			return pfx.Err(fmt.Errorf("%s: %w", path, err))
		}
		if err := zw.Close(); err != nil {
			return pfx.Err(err)
		}
	} else if err := encode(f, vols); err != nil {
		return pfx.Err(fmt.Errorf("%s: %w", path, err))
	}

	return f.Close()
}

func encode(w io.Writer, vols []*models.Volume) error {
	bw := bufio.NewWriter(w)

	h := newHeader(vols[0], len(vols))
	if err := binary.Write(bw, binary.LittleEndian, &h); err != nil {
		return err
	}

	buf := make([]byte, 4)
	for _, vol := range vols {
		for _, v := range vol.Data {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
			if _, err := bw.Write(buf); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}
