package prm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"prmtopo/internal/models"
)

// Default HU thresholds
const (
	DefaultExpThresh  = -856.0
	DefaultInspThresh = -950.0
)

// Thresholds separates the "better" (higher HU, less air) from the "worse"
// state of each breathing phase.
type Thresholds struct {
	Exp  float64
	Insp float64
}

// DefaultThresholds returns the clinical defaults
func DefaultThresholds() Thresholds {
	return Thresholds{Exp: DefaultExpThresh, Insp: DefaultInspThresh}
}

// BoundaryPolicy decides which side a voxel exactly at a threshold falls on.
// The same comparison is used for both phases and every class boundary.
type BoundaryPolicy int

const (
	// StrictAbove: value > threshold is better, value <= threshold is worse
	StrictAbove BoundaryPolicy = iota
	// InclusiveAbove: value >= threshold is better, value < threshold is worse
	InclusiveAbove
)

// ParseBoundaryPolicy accepts "strict" or "inclusive"
func ParseBoundaryPolicy(s string) (BoundaryPolicy, error) {
	switch s {
	case "", "strict":
		return StrictAbove, nil
	case "inclusive":
		return InclusiveAbove, nil
	default:
		return 0, fmt.Errorf("unknown boundary policy %q (must be strict or inclusive)", s)
	}
}

func (p BoundaryPolicy) String() string {
	if p == InclusiveAbove {
		return "inclusive"
	}
	return "strict"
}

func (p BoundaryPolicy) better(value, threshold float64) bool {
	if p == InclusiveAbove {
		return value >= threshold
	}
	return value > threshold
}

// Classifier assigns each valid voxel to exactly one PRM class
type Classifier struct {
	Thresholds Thresholds
	Policy     BoundaryPolicy
}

// NewClassifier creates a classifier with the given thresholds and policy
func NewClassifier(t Thresholds, policy BoundaryPolicy) *Classifier {
	return &Classifier{Thresholds: t, Policy: policy}
}

// Classify labels every voxel of expFilt/inspFilt that lies inside mask
// (mask >= 1). Voxels outside the mask stay Unclassified, as do voxels
// with a non-finite HU value, which also leave the returned mask.
func (c *Classifier) Classify(expFilt, inspFilt, mask *models.Volume) (*Classification, error) {
	if err := models.CheckShapes(expFilt, inspFilt, mask); err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}

	res := newClassification(mask)
	for i, m := range mask.Data {
		if !valid(m) {
			continue
		}
		exp, insp := expFilt.Data[i], inspFilt.Data[i]
		if !finite(exp) || !finite(insp) {
			res.Mask.Data[i] = 0
			continue
		}
		expOK := c.Policy.better(exp, c.Thresholds.Exp)
		inspOK := c.Policy.better(insp, c.Thresholds.Insp)

		var class Class
		switch {
		case expOK && inspOK:
			class = Norm
		case !expOK && inspOK:
			class = FSAD
		case !expOK && !inspOK:
			class = Emph
		default:
			class = EmptyingEmph
		}
		res.assign(i, class)
	}
	return res, nil
}

// FromLabels builds a Classification from a pre-computed combined PRM label
// volume. If mask is non-nil, only voxels inside it are kept; otherwise
// every voxel holding a known class code is valid.
func FromLabels(labels, mask *models.Volume) (*Classification, error) {
	if mask == nil {
		mask = models.NewVolumeLike(labels)
		for i, v := range labels.Data {
			if _, ok := ClassFromCode(int(math.Round(v))); ok {
				mask.Data[i] = 1
			}
		}
	}
	if err := models.CheckShapes(labels, mask); err != nil {
		return nil, fmt.Errorf("labels: %w", err)
	}

	res := newClassification(mask)
	for i, m := range mask.Data {
		if !valid(m) {
			continue
		}
		class, ok := ClassFromCode(int(math.Round(labels.Data[i])))
		if !ok {
			// Valid voxels without a known code would break the partition.
			res.Mask.Data[i] = 0
			continue
		}
		res.assign(i, class)
	}
	return res, nil
}

// Classification is the immutable result of voxel classification
type Classification struct {
	// Labels holds the combined map: Class.Code() per valid voxel, 0 elsewhere
	Labels *models.Volume

	// Binary has one 0/1 volume per class
	Binary [NumClasses]*models.Volume

	// Mask is the validity mask the labels were derived from
	Mask *models.Volume

	// Counts holds the number of voxels per class
	Counts [NumClasses]int

	// Valid is the number of voxels inside the mask
	Valid int
}

func newClassification(mask *models.Volume) *Classification {
	res := &Classification{
		Labels: models.NewVolumeLike(mask),
		Mask:   models.NewVolumeLike(mask),
	}
	for _, c := range Classes() {
		res.Binary[c] = models.NewVolumeLike(mask)
	}
	for i, m := range mask.Data {
		if valid(m) {
			res.Mask.Data[i] = 1
		}
	}
	return res
}

// valid reports whether a mask value marks a voxel inside the mask. NaN is
// never valid.
func valid(m float64) bool {
	return m >= 1
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (r *Classification) assign(i int, class Class) {
	r.Labels.Data[i] = float64(class.Code())
	r.Binary[class].Data[i] = 1
	r.Counts[class]++
	r.Valid++
}

// Percentages returns 100 * count / valid per class, all zero for an empty mask
func (r *Classification) Percentages() [NumClasses]float64 {
	var out [NumClasses]float64
	if r.Valid == 0 {
		return out
	}
	counts := make([]float64, NumClasses)
	for c, n := range r.Counts {
		counts[c] = float64(n)
	}
	floats.Scale(100/float64(r.Valid), counts)
	copy(out[:], counts)
	return out
}
