// Package minkowski computes the global Minkowski functionals of a binary
// voxel volume. It plays the role of the geometry oracle used by the
// topology aggregators.
package minkowski

import (
	"errors"
	"fmt"
	"math"

	"prmtopo/internal/models"
)

// Measure indexes one of the four Minkowski functionals
type Measure int

const (
	Volume Measure = iota
	SurfaceArea
	Curvature
	Euler
)

// NumMeasures is the number of functionals in a tuple
const NumMeasures = 4

var measureNames = [NumMeasures]string{"vol", "surf_area", "curv", "euler"}

// String returns the short field name used in stats records
func (m Measure) String() string {
	if m < 0 || int(m) >= NumMeasures {
		return fmt.Sprintf("measure(%d)", int(m))
	}
	return measureNames[m]
}

// Measures lists all functionals in tuple order
func Measures() []Measure {
	return []Measure{Volume, SurfaceArea, Curvature, Euler}
}

// Functionals holds (volume, surface area, integral mean curvature, Euler
// characteristic) of one binary region.
type Functionals [NumMeasures]float64

// ErrSpacingDomain is returned when a spacing component is below one working unit
var ErrSpacingDomain = errors.New("voxel spacing must be >= 1 in oracle units")

// Oracle returns the global Minkowski functionals of the "on" region of vol
type Oracle interface {
	Functionals(vol *models.Volume, spacing models.Spacing) (Functionals, error)
}

// CubicalComplex treats every voxel with a positive value as a closed box and
// evaluates the functionals of their union.
//
// The measures are additive, so the union is decomposed into the open cells
// (voxels, faces, edges, vertices) it contains and each open cell contributes
// a fixed amount that depends only on its dimension, orientation and the
// voxel spacing. Foreground connectivity is 26-neighbourhood.
type CubicalComplex struct{}

// NewCubicalComplex returns the default oracle
func NewCubicalComplex() *CubicalComplex {
	return &CubicalComplex{}
}

// Functionals implements Oracle
func (CubicalComplex) Functionals(vol *models.Volume, spacing models.Spacing) (Functionals, error) {
	var out Functionals
	if spacing.Min() < 1 {
		return out, fmt.Errorf("spacing (%g, %g, %g): %w", spacing.X, spacing.Y, spacing.Z, ErrSpacingDomain)
	}

	sx, sy, sz := spacing.X, spacing.Y, spacing.Z
	w := interiorWeights(sx, sy, sz)

	var n3 int
	var nFace [3]int
	var nEdge [3]int
	var n0 int

	nx, ny, nz := vol.Width, vol.Height, vol.Depth

	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				if vol.On(x, y, z) {
					n3++
				}
			}
		}
	}
	if n3 == 0 {
		return out, nil
	}

	// Faces normal to x lie on grid plane x and cover voxel column (y, z).
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x <= nx; x++ {
				if vol.On(x-1, y, z) || vol.On(x, y, z) {
					nFace[0]++
				}
			}
		}
	}
	for z := 0; z < nz; z++ {
		for y := 0; y <= ny; y++ {
			for x := 0; x < nx; x++ {
				if vol.On(x, y-1, z) || vol.On(x, y, z) {
					nFace[1]++
				}
			}
		}
	}
	for z := 0; z <= nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				if vol.On(x, y, z-1) || vol.On(x, y, z) {
					nFace[2]++
				}
			}
		}
	}

	// Edges parallel to x are shared by the four voxels around grid line (y, z).
	for z := 0; z <= nz; z++ {
		for y := 0; y <= ny; y++ {
			for x := 0; x < nx; x++ {
				if vol.On(x, y-1, z-1) || vol.On(x, y, z-1) || vol.On(x, y-1, z) || vol.On(x, y, z) {
					nEdge[0]++
				}
			}
		}
	}
	for z := 0; z <= nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x <= nx; x++ {
				if vol.On(x-1, y, z-1) || vol.On(x, y, z-1) || vol.On(x-1, y, z) || vol.On(x, y, z) {
					nEdge[1]++
				}
			}
		}
	}
	for z := 0; z < nz; z++ {
		for y := 0; y <= ny; y++ {
			for x := 0; x <= nx; x++ {
				if vol.On(x-1, y-1, z) || vol.On(x, y-1, z) || vol.On(x-1, y, z) || vol.On(x, y, z) {
					nEdge[2]++
				}
			}
		}
	}

	for z := 0; z <= nz; z++ {
		for y := 0; y <= ny; y++ {
			for x := 0; x <= nx; x++ {
				if vertexOn(vol, x, y, z) {
					n0++
				}
			}
		}
	}

	out = w.voxel.times(float64(n3))
	for axis := 0; axis < 3; axis++ {
		out = out.add(w.face[axis].times(float64(nFace[axis])))
		out = out.add(w.edge[axis].times(float64(nEdge[axis])))
	}
	out = out.add(w.vertex.times(float64(n0)))

	return out, nil
}

func vertexOn(vol *models.Volume, x, y, z int) bool {
	for dz := -1; dz <= 0; dz++ {
		for dy := -1; dy <= 0; dy++ {
			for dx := -1; dx <= 0; dx++ {
				if vol.On(x+dx, y+dy, z+dz) {
					return true
				}
			}
		}
	}
	return false
}

// weights holds the contribution of one open cell of each kind.
// face[a] and edge[a] are indexed by the face normal / edge direction.
type weights struct {
	voxel  Functionals
	face   [3]Functionals
	edge   [3]Functionals
	vertex Functionals
}

// interiorWeights derives open-cell contributions from the closed-cell values
// of a box (a,b,c), a rectangle (a,b), a segment (l) and a point:
//
//	V:  abc, 0, 0, 0
//	S:  2(ab+bc+ca), 2ab, 0, 0
//	M:  π(a+b+c), π(a+b), πl, 0
//	χ:  1, 1, 1, 1
//
// by subtracting the open faces of each closed cell.
func interiorWeights(sx, sy, sz float64) weights {
	var w weights
	lengths := [3]float64{sx, sy, sz}

	w.vertex = Functionals{0, 0, 0, 1}

	for a := 0; a < 3; a++ {
		w.edge[a] = Functionals{0, 0, math.Pi * lengths[a], -1}
	}

	for n := 0; n < 3; n++ {
		a, b := lengths[(n+1)%3], lengths[(n+2)%3]
		w.face[n] = Functionals{0, 2 * a * b, -math.Pi * (a + b), 1}
	}

	area := sx*sy + sy*sz + sx*sz
	w.voxel = Functionals{sx * sy * sz, -2 * area, math.Pi * (sx + sy + sz), -1}

	return w
}

func (f Functionals) times(k float64) Functionals {
	for i := range f {
		f[i] *= k
	}
	return f
}

func (f Functionals) add(o Functionals) Functionals {
	for i := range f {
		f[i] += o[i]
	}
	return f
}
