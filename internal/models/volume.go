package models

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned when volumes that take part in one subject's
// pipeline do not share the same shape.
var ErrShapeMismatch = errors.New("volume shape mismatch")

// Spacing is the physical size of one voxel along each axis in mm
type Spacing struct {
	X, Y, Z float64
}

// Scale returns the spacing multiplied by k along every axis
func (s Spacing) Scale(k float64) Spacing {
	return Spacing{X: s.X * k, Y: s.Y * k, Z: s.Z * k}
}

// VoxelVolume returns the physical volume of one voxel
func (s Spacing) VoxelVolume() float64 {
	return s.X * s.Y * s.Z
}

// Min returns the smallest spacing component
func (s Spacing) Min() float64 {
	m := s.X
	if s.Y < m {
		m = s.Y
	}
	if s.Z < m {
		m = s.Z
	}
	return m
}

// Volume represents a 3D scalar volume (CT intensities, masks or labels)
type Volume struct {
	// Data is the 3D volume data as a 1D array with x varying fastest
	Data []float64

	// Width is the extent along x in voxels
	Width int

	// Height is the extent along y in voxels
	Height int

	// Depth is the extent along z in voxels
	Depth int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize Spacing
}

// NewVolume allocates a zero-filled volume
func NewVolume(width, height, depth int, voxelSize Spacing) *Volume {
	return &Volume{
		Data:      make([]float64, width*height*depth),
		Width:     width,
		Height:    height,
		Depth:     depth,
		VoxelSize: voxelSize,
	}
}

// NewVolumeLike allocates a zero-filled volume with the shape and spacing of v
func NewVolumeLike(v *Volume) *Volume {
	return NewVolume(v.Width, v.Height, v.Depth, v.VoxelSize)
}

// Index returns the offset of voxel (x, y, z) in Data
func (v *Volume) Index(x, y, z int) int {
	return (z*v.Height+y)*v.Width + x
}

// At returns the value at (x, y, z)
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores value at (x, y, z)
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// On reports whether (x, y, z) lies inside the volume and holds a positive value.
// Coordinates outside the volume are treated as background.
func (v *Volume) On(x, y, z int) bool {
	if x < 0 || y < 0 || z < 0 || x >= v.Width || y >= v.Height || z >= v.Depth {
		return false
	}
	return v.Data[v.Index(x, y, z)] > 0
}

// Len returns the number of voxels
func (v *Volume) Len() int {
	return v.Width * v.Height * v.Depth
}

// Shape returns the extents along x, y and z
func (v *Volume) Shape() [3]int {
	return [3]int{v.Width, v.Height, v.Depth}
}

// SameShape reports whether v and o have identical extents
func (v *Volume) SameShape(o *Volume) bool {
	return v.Width == o.Width && v.Height == o.Height && v.Depth == o.Depth
}

// Clone returns a deep copy of v
func (v *Volume) Clone() *Volume {
	out := NewVolumeLike(v)
	copy(out.Data, v.Data)
	return out
}

// CountPositive returns the number of voxels holding a value > 0
func (v *Volume) CountPositive() int {
	n := 0
	for _, val := range v.Data {
		if val > 0 {
			n++
		}
	}
	return n
}

// ExtractRegion copies the box starting at (x0, y0, z0) with the given size
// into a new volume sharing v's voxel size.
func (v *Volume) ExtractRegion(x0, y0, z0, sizeX, sizeY, sizeZ int) (*Volume, error) {
	if x0 < 0 || y0 < 0 || z0 < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}
	if sizeX <= 0 || sizeY <= 0 || sizeZ <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}
	if x0+sizeX > v.Width || y0+sizeY > v.Height || z0+sizeZ > v.Depth {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	region := NewVolume(sizeX, sizeY, sizeZ, v.VoxelSize)
	for z := 0; z < sizeZ; z++ {
		for y := 0; y < sizeY; y++ {
			src := v.Index(x0, y0+y, z0+z)
			dst := region.Index(0, y, z)
			copy(region.Data[dst:dst+sizeX], v.Data[src:src+sizeX])
		}
	}
	return region, nil
}

// CheckShapes returns ErrShapeMismatch unless every volume has the shape of the first
func CheckShapes(vols ...*Volume) error {
	if len(vols) == 0 {
		return nil
	}
	for i, o := range vols[1:] {
		if o == nil || vols[0] == nil {
			return fmt.Errorf("volume %d is nil: %w", i+1, ErrShapeMismatch)
		}
		if !vols[0].SameShape(o) {
			return fmt.Errorf("%dx%dx%d vs %dx%dx%d: %w",
				vols[0].Width, vols[0].Height, vols[0].Depth,
				o.Width, o.Height, o.Depth, ErrShapeMismatch)
		}
	}
	return nil
}
