// Package preprocess prepares registered CT volumes for PRM classification.
// The steps must run in the order dim → (orient) → median filter → exclude,
// and classification only sees their output.
package preprocess

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"prmtopo/internal/models"
)

// Defaults for the preprocessing constants
const (
	DefaultDimOutsideValue    = -2000.0
	DefaultMedianKernelSize   = 3
	DefaultExcludeLowerThresh = -1000.0
	DefaultExcludeUpperThresh = -500.0
)

// DimOutside returns a copy of vol with every voxel outside mask set to value
func DimOutside(vol, mask *models.Volume, value float64) (*models.Volume, error) {
	if err := models.CheckShapes(vol, mask); err != nil {
		return nil, fmt.Errorf("dim outside voxels: %w", err)
	}
	out := vol.Clone()
	for i, m := range mask.Data {
		if m == 0 {
			out.Data[i] = value
		}
	}
	return out, nil
}

// Orient swaps the x and z axes, rotates by 180 degrees in the new x/y plane
// and mirrors y. The net effect is out(a, b, c) = in(c, b, Z-1-a), with the
// voxel size permuted alongside the axes.
func Orient(vol *models.Volume) *models.Volume {
	out := models.NewVolume(vol.Depth, vol.Height, vol.Width, models.Spacing{
		X: vol.VoxelSize.Z,
		Y: vol.VoxelSize.Y,
		Z: vol.VoxelSize.X,
	})
	for c := 0; c < out.Depth; c++ {
		for b := 0; b < out.Height; b++ {
			for a := 0; a < out.Width; a++ {
				out.Set(a, b, c, vol.At(c, b, vol.Depth-1-a))
			}
		}
	}
	return out
}

// MedianFilter applies a kernel x kernel median filter to every slice taken
// along the first (x) axis. Slices are filtered independently and are zero
// padded at their borders.
func MedianFilter(vol *models.Volume, kernel int) (*models.Volume, error) {
	if kernel < 1 || kernel%2 == 0 {
		return nil, fmt.Errorf("median kernel size must be a positive odd number, got %d", kernel)
	}
	out := models.NewVolumeLike(vol)
	half := kernel / 2
	window := make([]float64, 0, kernel*kernel)

	for x := 0; x < vol.Width; x++ {
		for z := 0; z < vol.Depth; z++ {
			for y := 0; y < vol.Height; y++ {
				window = window[:0]
				for dz := -half; dz <= half; dz++ {
					for dy := -half; dy <= half; dy++ {
						yy, zz := y+dy, z+dz
						if yy < 0 || zz < 0 || yy >= vol.Height || zz >= vol.Depth {
							window = append(window, 0)
							continue
						}
						window = append(window, vol.At(x, yy, zz))
					}
				}
				sort.Float64s(window)
				out.Set(x, y, z, stat.Quantile(0.5, stat.Empirical, window, nil))
			}
		}
	}
	return out, nil
}

// Exclude returns a copy of mask with every voxel removed whose filtered
// expiratory or inspiratory value falls outside [lower, upper] or is NaN.
// This keeps blood vessels and airways out of the classification.
func Exclude(expFilt, inspFilt, mask *models.Volume, lower, upper float64) (*models.Volume, error) {
	if err := models.CheckShapes(expFilt, inspFilt, mask); err != nil {
		return nil, fmt.Errorf("exclude voxels: %w", err)
	}
	if lower > upper {
		return nil, fmt.Errorf("exclusion band [%g, %g] is empty", lower, upper)
	}
	out := mask.Clone()
	for i := range out.Data {
		e, n := expFilt.Data[i], inspFilt.Data[i]
		if !(e >= lower && e <= upper && n >= lower && n <= upper) {
			out.Data[i] = 0
		}
	}
	return out, nil
}
