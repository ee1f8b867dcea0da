// Package topology turns the raw Minkowski functionals of PRM class regions
// into normalized topology densities, both for the whole lung and for a
// moving window sampled on a coarse grid.
package topology

import (
	"fmt"
	"math"
	"runtime"

	"prmtopo/internal/models"
	"prmtopo/pkg/minkowski"
)

// Densities is one normalized topology tuple indexed by minkowski.Measure
type Densities [minkowski.NumMeasures]float64

// Params configures the rescale/normalize procedure and the moving window
type Params struct {
	// SpacingScale multiplies the voxel spacing before the oracle call so
	// that every component is at least one oracle unit.
	SpacingScale float64

	// RescaleExponents gives, per measure, the power of SpacingScale the
	// oracle output is divided by to return to physical units.
	RescaleExponents [minkowski.NumMeasures]float64

	// Radius is the half-width of the cubic window in voxels
	Radius int

	// Stride is the step between window centres in voxels
	Stride int

	// Workers bounds the number of goroutines used by the local sampler
	Workers int
}

// DefaultParams returns the documented defaults
func DefaultParams() Params {
	return Params{
		SpacingScale:     10,
		RescaleExponents: [minkowski.NumMeasures]float64{3, 2, 1, 0},
		Radius:           10,
		Stride:           5,
		Workers:          runtime.NumCPU(),
	}
}

// Validate checks the parameters for internal consistency
func (p Params) Validate() error {
	if p.SpacingScale <= 0 {
		return fmt.Errorf("spacing scale must be positive, got %g", p.SpacingScale)
	}
	if p.Radius < 1 {
		return fmt.Errorf("window radius must be >= 1, got %d", p.Radius)
	}
	if p.Stride < 1 {
		return fmt.Errorf("grid stride must be >= 1, got %d", p.Stride)
	}
	return nil
}

// densities runs the oracle on class restricted to mask and normalizes the
// result by the physical volume and voxel count of mask.
func densities(oracle minkowski.Oracle, class, mask *models.Volume, p Params) (Densities, error) {
	var out Densities

	region := models.NewVolumeLike(class)
	count := 0
	for i, m := range mask.Data {
		if !(m > 0) {
			continue
		}
		count++
		if class.Data[i] > 0 {
			region.Data[i] = 1
		}
	}

	spacing := class.VoxelSize
	raw, err := oracle.Functionals(region, spacing.Scale(p.SpacingScale))
	if err != nil {
		return out, fmt.Errorf("geometry oracle: %w", err)
	}
	for m := range raw {
		out[m] = raw[m] / math.Pow(p.SpacingScale, p.RescaleExponents[m])
	}

	if count == 0 {
		return out, nil
	}

	maskVolume := float64(count) * spacing.VoxelVolume()
	out[minkowski.Volume] /= maskVolume
	out[minkowski.SurfaceArea] /= maskVolume
	out[minkowski.Curvature] /= maskVolume
	out[minkowski.Euler] /= float64(count)

	return out, nil
}

// Global returns the whole-lung topology densities of one class volume
func Global(oracle minkowski.Oracle, class, mask *models.Volume, p Params) (Densities, error) {
	if err := models.CheckShapes(class, mask); err != nil {
		return Densities{}, fmt.Errorf("global topology: %w", err)
	}
	if p.SpacingScale <= 0 {
		return Densities{}, fmt.Errorf("spacing scale must be positive, got %g", p.SpacingScale)
	}
	return densities(oracle, class, mask, p)
}
