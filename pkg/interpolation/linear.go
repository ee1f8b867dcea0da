// Package interpolation resamples volumes between grid resolutions.
package interpolation

import (
	"fmt"

	"prmtopo/internal/models"
)

// axisSample maps one output index onto the two input indices that bracket it
// and the weight of the upper one.
type axisSample struct {
	i0, i1 int
	t      float64
}

// axisSamples builds order-1 sampling positions for resizing an axis of length
// in to length out. The first and last samples of both grids coincide.
func axisSamples(in, out int) []axisSample {
	samples := make([]axisSample, out)
	if in == 1 || out == 1 {
		return samples
	}
	scale := float64(in-1) / float64(out-1)
	for o := 0; o < out; o++ {
		pos := float64(o) * scale
		i0 := int(pos)
		if i0 >= in-1 {
			samples[o] = axisSample{i0: in - 1, i1: in - 1}
			continue
		}
		samples[o] = axisSample{i0: i0, i1: i0 + 1, t: pos - float64(i0)}
	}
	return samples
}

// Zoom resizes vol to width x height x depth with trilinear interpolation.
// The interpolation is separable, so it runs one axis at a time.
// The voxel size of the result is scaled so the physical extent between the
// first and last voxel centres is kept.
func Zoom(vol *models.Volume, width, height, depth int) (*models.Volume, error) {
	if width <= 0 || height <= 0 || depth <= 0 {
		return nil, fmt.Errorf("zoom target %dx%dx%d must be positive", width, height, depth)
	}
	if vol.Len() == 0 {
		return nil, fmt.Errorf("cannot zoom an empty volume")
	}

	out := zoomX(vol.Clone(), width)
	out = zoomY(out, height)
	out = zoomZ(out, depth)

	out.VoxelSize = models.Spacing{
		X: rescaleSpacing(vol.VoxelSize.X, vol.Width, width),
		Y: rescaleSpacing(vol.VoxelSize.Y, vol.Height, height),
		Z: rescaleSpacing(vol.VoxelSize.Z, vol.Depth, depth),
	}
	return out, nil
}

func rescaleSpacing(s float64, in, out int) float64 {
	if in <= 1 || out <= 1 {
		return s
	}
	return s * float64(in-1) / float64(out-1)
}

func zoomX(vol *models.Volume, width int) *models.Volume {
	if width == vol.Width {
		return vol
	}
	out := models.NewVolume(width, vol.Height, vol.Depth, vol.VoxelSize)
	samples := axisSamples(vol.Width, width)
	for z := 0; z < vol.Depth; z++ {
		for y := 0; y < vol.Height; y++ {
			for x, s := range samples {
				a := vol.At(s.i0, y, z)
				b := vol.At(s.i1, y, z)
				out.Set(x, y, z, a+(b-a)*s.t)
			}
		}
	}
	return out
}

func zoomY(vol *models.Volume, height int) *models.Volume {
	if height == vol.Height {
		return vol
	}
	out := models.NewVolume(vol.Width, height, vol.Depth, vol.VoxelSize)
	samples := axisSamples(vol.Height, height)
	for z := 0; z < vol.Depth; z++ {
		for y, s := range samples {
			for x := 0; x < vol.Width; x++ {
				a := vol.At(x, s.i0, z)
				b := vol.At(x, s.i1, z)
				out.Set(x, y, z, a+(b-a)*s.t)
			}
		}
	}
	return out
}

func zoomZ(vol *models.Volume, depth int) *models.Volume {
	if depth == vol.Depth {
		return vol
	}
	out := models.NewVolume(vol.Width, vol.Height, depth, vol.VoxelSize)
	samples := axisSamples(vol.Depth, depth)
	for z, s := range samples {
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				a := vol.At(x, y, s.i0)
				b := vol.At(x, y, s.i1)
				out.Set(x, y, z, a+(b-a)*s.t)
			}
		}
	}
	return out
}

// Pad surrounds vol with a zero border of n voxels on every side
func Pad(vol *models.Volume, n int) *models.Volume {
	if n <= 0 {
		return vol.Clone()
	}
	out := models.NewVolume(vol.Width+2*n, vol.Height+2*n, vol.Depth+2*n, vol.VoxelSize)
	for z := 0; z < vol.Depth; z++ {
		for y := 0; y < vol.Height; y++ {
			src := vol.Index(0, y, z)
			dst := out.Index(n, y+n, z+n)
			copy(out.Data[dst:dst+vol.Width], vol.Data[src:src+vol.Width])
		}
	}
	return out
}

// MaskOut zeroes vol in place wherever mask is not positive
func MaskOut(vol, mask *models.Volume) error {
	if err := models.CheckShapes(vol, mask); err != nil {
		return fmt.Errorf("mask out: %w", err)
	}
	for i, m := range mask.Data {
		if !(m > 0) {
			vol.Data[i] = 0
		}
	}
	return nil
}
