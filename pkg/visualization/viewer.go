// Package visualization renders 2D slices of CT and PRM label volumes.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"prmtopo/internal/models"
	"prmtopo/pkg/prm"
)

// Default CT display window in HU
const (
	DefaultWindowLower = -1000.0
	DefaultWindowUpper = -500.0
)

// DefaultOpacity is the opacity of the PRM colours drawn over the CT
const DefaultOpacity = 0.6

// Viewer renders slices of a PRM label volume, optionally over a CT
// background, along any axis.
type Viewer struct {
	// labels holds the combined PRM map (class codes, 0 outside the mask)
	labels *models.Volume

	// background is an optional CT volume of the same shape
	background *models.Volume

	// lower and upper bound the HU display window of the background
	lower, upper float64

	opacity float64
}

// NewViewer creates a viewer for labels. background may be nil.
func NewViewer(labels, background *models.Volume) (*Viewer, error) {
	if labels == nil {
		return nil, fmt.Errorf("labels volume is required")
	}
	if background != nil {
		if err := models.CheckShapes(labels, background); err != nil {
			return nil, fmt.Errorf("viewer background: %w", err)
		}
	}
	return &Viewer{
		labels:     labels,
		background: background,
		lower:      DefaultWindowLower,
		upper:      DefaultWindowUpper,
		opacity:    DefaultOpacity,
	}, nil
}

// SetWindow changes the HU display window of the background
func (v *Viewer) SetWindow(lower, upper float64) error {
	if lower >= upper {
		return fmt.Errorf("window lower bound %g must be below upper bound %g", lower, upper)
	}
	v.lower, v.upper = lower, upper
	return nil
}

// SetOpacity changes the opacity of the PRM colours, clamped to [0, 1]
func (v *Viewer) SetOpacity(opacity float64) {
	v.opacity = math.Max(0, math.Min(1, opacity))
}

// axisExtent returns the number of slices along axis
func axisExtent(vol *models.Volume, axis string) (int, error) {
	switch axis {
	case "x", "X":
		return vol.Width, nil
	case "y", "Y":
		return vol.Height, nil
	case "z", "Z":
		return vol.Depth, nil
	default:
		return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// slicePlane returns the width and height of a slice image along axis and a
// function mapping image coordinates to volume coordinates.
func slicePlane(vol *models.Volume, axis string, position int) (int, int, func(i, j int) (int, int, int), error) {
	extent, err := axisExtent(vol, axis)
	if err != nil {
		return 0, 0, nil, err
	}
	if position < 0 {
		return 0, 0, nil, fmt.Errorf("position must be non-negative")
	}
	if position >= extent {
		return 0, 0, nil, fmt.Errorf("position %d exceeds %s extent %d", position, axis, extent)
	}

	switch axis {
	case "x", "X":
		// YZ plane
		return vol.Depth, vol.Height, func(i, j int) (int, int, int) { return position, j, i }, nil
	case "y", "Y":
		// XZ plane
		return vol.Width, vol.Depth, func(i, j int) (int, int, int) { return i, position, j }, nil
	default:
		// XY plane
		return vol.Width, vol.Height, func(i, j int) (int, int, int) { return i, j, position }, nil
	}
}

// ExtractSlice renders the background CT of one slice in grayscale, mapping
// the HU window linearly onto the full 16-bit range.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if v.background == nil {
		return nil, fmt.Errorf("viewer has no background volume")
	}
	w, h, at, err := slicePlane(v.background, axis, position)
	if err != nil {
		return nil, err
	}

	img := image.NewGray16(image.Rect(0, 0, w, h))
	span := v.upper - v.lower
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			hu := v.background.At(at(i, j))
			value := uint16(math.Max(0, math.Min(65535, (hu-v.lower)/span*65535)))
			img.SetGray16(i, j, color.Gray16{Y: value})
		}
	}
	return img, nil
}

// LabelSlice renders the PRM classes of one slice in their display colours.
// Unclassified voxels are transparent.
func (v *Viewer) LabelSlice(axis string, position int) (*image.NRGBA, error) {
	w, h, at, err := slicePlane(v.labels, axis, position)
	if err != nil {
		return nil, err
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			class, ok := prm.ClassFromCode(int(math.Round(v.labels.At(at(i, j)))))
			if !ok {
				continue
			}
			c := class.Color()
			img.SetNRGBA(i, j, color.NRGBA{R: c.R, G: c.G, B: c.B, A: c.A})
		}
	}
	return img, nil
}

// RenderSlice draws the PRM colours of one slice over its CT background, or
// over black when there is no background. The image is flipped vertically
// so higher slice coordinates appear at the top.
func (v *Viewer) RenderSlice(axis string, position int) (image.Image, error) {
	labels, err := v.LabelSlice(axis, position)
	if err != nil {
		return nil, err
	}

	var base image.Image
	if v.background != nil {
		base, err = v.ExtractSlice(axis, position)
		if err != nil {
			return nil, err
		}
	} else {
		base = imaging.New(labels.Bounds().Dx(), labels.Bounds().Dy(), color.Black)
	}

	return imaging.FlipV(imaging.Overlay(base, labels, image.Pt(0, 0), v.opacity)), nil
}

// MiddleSlice returns the index of the central slice along axis
func (v *Viewer) MiddleSlice(axis string) (int, error) {
	extent, err := axisExtent(v.labels, axis)
	if err != nil {
		return 0, err
	}
	return extent / 2, nil
}

// SaveSlice saves an image in the format implied by the file extension
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	return imaging.Save(img, filename)
}

// SaveSliceSequence renders and saves every slice along the specified axis
// as slice_<axis>_<pos>.png under outputDir.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	maxPos, err := axisExtent(v.labels, axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.RenderSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
