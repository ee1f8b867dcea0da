package topology

import (
	"errors"
	"fmt"
	"sync"

	"prmtopo/internal/models"
	"prmtopo/pkg/interpolation"
	"prmtopo/pkg/minkowski"
)

// ErrWindowTooLarge is returned when the window does not fit inside the volume
var ErrWindowTooLarge = errors.New("window larger than volume")

// Grid is the low-resolution topology map of one class. Maps[m] holds the
// density of measure m at every window centre.
type Grid struct {
	Maps [minkowski.NumMeasures]*models.Volume

	// FullShape is the shape of the volume the grid was sampled from
	FullShape [3]int

	// FullVoxelSize is the voxel size of the sampled volume
	FullVoxelSize models.Spacing

	Radius int
	Stride int
}

// GridExtent returns the number of grid cells along an axis of the given
// extent: ceil((extent - 2r) / g) + 1.
func GridExtent(extent, radius, stride int) (int, error) {
	if stride < 1 {
		return 0, fmt.Errorf("grid stride %d must be >= 1", stride)
	}
	span := extent - 2*radius
	if span < 0 {
		return 0, fmt.Errorf("extent %d with radius %d: %w", extent, radius, ErrWindowTooLarge)
	}
	return ceilDiv(span, stride) + 1, nil
}

// GridShape applies GridExtent to every axis of shape
func GridShape(shape [3]int, radius, stride int) ([3]int, error) {
	var out [3]int
	for a, extent := range shape {
		n, err := GridExtent(extent, radius, stride)
		if err != nil {
			return out, err
		}
		out[a] = n
	}
	return out, nil
}

// windowCentres lists the high-resolution centres sampled along an axis.
// Centres step by stride from radius up to extent - radius; if the last
// regular centre falls short, extent - radius is appended so the final grid
// cell is also covered.
func windowCentres(extent, radius, stride int) []int {
	last := extent - radius
	var centres []int
	for c := radius; c <= last; c += stride {
		centres = append(centres, c)
	}
	if (extent-2*radius)%stride != 0 {
		centres = append(centres, last)
	}
	return centres
}

// cellIndex maps a window centre onto its grid index
func cellIndex(centre, radius, stride int) int {
	return ceilDiv(centre-radius, stride)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

type cell struct {
	x, y, z    int
	cx, cy, cz int
}

// Local slides a cubic window of side 2*Radius across class with the given
// stride and records the locally normalized densities of every window.
// Windows are independent, so they are spread across p.Workers goroutines,
// each writing to its own grid cells.
func Local(oracle minkowski.Oracle, class, mask *models.Volume, p Params) (*Grid, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("local topology: %w", err)
	}
	if err := models.CheckShapes(class, mask); err != nil {
		return nil, fmt.Errorf("local topology: %w", err)
	}

	shape := class.Shape()
	gridShape, err := GridShape(shape, p.Radius, p.Stride)
	if err != nil {
		return nil, fmt.Errorf("local topology: %w", err)
	}

	grid := &Grid{
		FullShape:     shape,
		FullVoxelSize: class.VoxelSize,
		Radius:        p.Radius,
		Stride:        p.Stride,
	}
	gridSpacing := class.VoxelSize.Scale(float64(p.Stride))
	for m := range grid.Maps {
		grid.Maps[m] = models.NewVolume(gridShape[0], gridShape[1], gridShape[2], gridSpacing)
	}

	xs := windowCentres(shape[0], p.Radius, p.Stride)
	ys := windowCentres(shape[1], p.Radius, p.Stride)
	zs := windowCentres(shape[2], p.Radius, p.Stride)

	cells := make([]cell, 0, len(xs)*len(ys)*len(zs))
	for _, cz := range zs {
		for _, cy := range ys {
			for _, cx := range xs {
				cells = append(cells, cell{
					x: cellIndex(cx, p.Radius, p.Stride), cx: cx,
					y: cellIndex(cy, p.Radius, p.Stride), cy: cy,
					z: cellIndex(cz, p.Radius, p.Stride), cz: cz,
				})
			}
		}
	}

	numWorkers := p.Workers
	if numWorkers < 1 {
		numWorkers = 1
	}
	if numWorkers > len(cells) {
		numWorkers = len(cells)
	}
	cellsPerWorker := ceilDiv(len(cells), numWorkers)

	var wg sync.WaitGroup
	errs := make([]error, numWorkers)
	size := 2 * p.Radius

	for w := 0; w < numWorkers; w++ {
		start := w * cellsPerWorker
		end := start + cellsPerWorker
		if end > len(cells) {
			end = len(cells)
		}
		if start >= end {
			continue
		}

		wg.Add(1)
		go func(workerID int, chunk []cell) {
			defer wg.Done()
			for _, c := range chunk {
				x0, y0, z0 := c.cx-p.Radius, c.cy-p.Radius, c.cz-p.Radius
				subClass, err := class.ExtractRegion(x0, y0, z0, size, size, size)
				if err != nil {
					errs[workerID] = fmt.Errorf("window at (%d,%d,%d): %w", c.cx, c.cy, c.cz, err)
					return
				}
				subMask, err := mask.ExtractRegion(x0, y0, z0, size, size, size)
				if err != nil {
					errs[workerID] = fmt.Errorf("window at (%d,%d,%d): %w", c.cx, c.cy, c.cz, err)
					return
				}
				d, err := densities(oracle, subClass, subMask, p)
				if err != nil {
					errs[workerID] = fmt.Errorf("window at (%d,%d,%d): %w", c.cx, c.cy, c.cz, err)
					return
				}
				for m, v := range d {
					grid.Maps[m].Set(c.x, c.y, c.z, v)
				}
			}
		}(w, cells[start:end])
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("local topology: %w", err)
		}
	}
	return grid, nil
}

// Resample brings every channel of the grid back to full resolution: the
// grid is linearly interpolated to extent - 2r along each axis, padded with
// r zero voxels on every side and zeroed wherever mask is not positive.
func (g *Grid) Resample(mask *models.Volume) ([minkowski.NumMeasures]*models.Volume, error) {
	var out [minkowski.NumMeasures]*models.Volume

	if mask.Shape() != g.FullShape {
		return out, fmt.Errorf("resample: mask %v vs grid source %v: %w", mask.Shape(), g.FullShape, models.ErrShapeMismatch)
	}

	inner := [3]int{
		g.FullShape[0] - 2*g.Radius,
		g.FullShape[1] - 2*g.Radius,
		g.FullShape[2] - 2*g.Radius,
	}

	for m, low := range g.Maps {
		var full *models.Volume
		if inner[0] > 0 && inner[1] > 0 && inner[2] > 0 {
			zoomed, err := interpolation.Zoom(low, inner[0], inner[1], inner[2])
			if err != nil {
				return out, fmt.Errorf("resample %s: %w", minkowski.Measure(m), err)
			}
			full = interpolation.Pad(zoomed, g.Radius)
		} else {
			// No voxel is farther than r from the border, so nothing was
			// sampled at full resolution.
			full = models.NewVolume(g.FullShape[0], g.FullShape[1], g.FullShape[2], g.FullVoxelSize)
		}
		full.VoxelSize = g.FullVoxelSize

		if err := interpolation.MaskOut(full, mask); err != nil {
			return out, fmt.Errorf("resample %s: %w", minkowski.Measure(m), err)
		}
		out[m] = full
	}
	return out, nil
}
