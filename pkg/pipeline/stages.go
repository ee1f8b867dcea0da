// Package pipeline drives one subject (or a directory of subjects) from the
// registered CT volumes to the persisted PRM maps and the stats row.
//
// Every stage is a function from one immutable stage record to the next:
//
//	CtVolumes -> Preprocessed -> prm.Classification -> TopologyResult -> stats.Record
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"prmtopo/internal/models"
	"prmtopo/pkg/minkowski"
	"prmtopo/pkg/preprocess"
	"prmtopo/pkg/prm"
	"prmtopo/pkg/stats"
	"prmtopo/pkg/topology"
	"prmtopo/pkg/volumeio"
)

// CtVolumes holds the co-registered input volumes of one subject
type CtVolumes struct {
	Exp  *models.Volume
	Insp *models.Volume
	Mask *models.Volume
}

// Preprocessed holds the filtered volumes and the narrowed validity mask
type Preprocessed struct {
	ExpFilt  *models.Volume
	InspFilt *models.Volume
	Mask     *models.Volume
}

// TopologyResult holds the global densities of every class and, when the
// local branch ran, the full-resolution local maps and their means.
type TopologyResult struct {
	Global [prm.NumClasses]topology.Densities

	// LocalMaps[c][m] is the resampled map of measure m for class c; nil
	// when the local branch was skipped.
	LocalMaps *[prm.NumClasses][minkowski.NumMeasures]*models.Volume

	// LocalMeans[c] averages LocalMaps[c] over the valid mask
	LocalMeans *[prm.NumClasses]topology.Densities

	// LocalSkipped is set when the local branch was requested but the
	// window does not fit the volume.
	LocalSkipped error
}

// HasLocal reports whether the local branch ran
func (r *TopologyResult) HasLocal() bool {
	return r.LocalMaps != nil
}

// PreprocessOptions collects the preprocessing constants
type PreprocessOptions struct {
	DimOutsideValue float64
	Orient          bool
	KernelSize      int
	ExcludeLower    float64
	ExcludeUpper    float64
}

// DefaultPreprocessOptions returns the documented defaults
func DefaultPreprocessOptions() PreprocessOptions {
	return PreprocessOptions{
		DimOutsideValue: preprocess.DefaultDimOutsideValue,
		KernelSize:      preprocess.DefaultMedianKernelSize,
		ExcludeLower:    preprocess.DefaultExcludeLowerThresh,
		ExcludeUpper:    preprocess.DefaultExcludeUpperThresh,
	}
}

// LoadCT reads the expiratory, registered inspiratory and mask volumes
func LoadCT(expPath, inspPath, maskPath string) (*CtVolumes, error) {
	exp, err := volumeio.Read(expPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read expiratory volume: %w", err)
	}
	insp, err := volumeio.Read(inspPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read inspiratory volume: %w", err)
	}
	mask, err := volumeio.Read(maskPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read mask: %w", err)
	}
	ct := &CtVolumes{Exp: exp, Insp: insp, Mask: mask}
	if err := models.CheckShapes(ct.Exp, ct.Insp, ct.Mask); err != nil {
		return nil, fmt.Errorf("input volumes: %w", err)
	}
	return ct, nil
}

// LoadLabels reads a pre-computed combined PRM label volume. maskPath may be
// empty, in which case every voxel with a known class code is valid.
func LoadLabels(labelsPath, maskPath string) (*prm.Classification, error) {
	labels, err := volumeio.Read(labelsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read PRM map: %w", err)
	}
	var mask *models.Volume
	if maskPath != "" {
		if mask, err = volumeio.Read(maskPath); err != nil {
			return nil, fmt.Errorf("failed to read PRM mask: %w", err)
		}
	}
	return prm.FromLabels(labels, mask)
}

// Preprocess dims the voxels outside the mask, optionally reorients, median
// filters both phases and narrows the mask to the exclusion band.
func Preprocess(ct *CtVolumes, opts PreprocessOptions) (*Preprocessed, error) {
	if err := models.CheckShapes(ct.Exp, ct.Insp, ct.Mask); err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}

	exp, err := preprocess.DimOutside(ct.Exp, ct.Mask, opts.DimOutsideValue)
	if err != nil {
		return nil, err
	}
	insp, err := preprocess.DimOutside(ct.Insp, ct.Mask, opts.DimOutsideValue)
	if err != nil {
		return nil, err
	}
	mask := ct.Mask
	if opts.Orient {
		exp = preprocess.Orient(exp)
		insp = preprocess.Orient(insp)
		mask = preprocess.Orient(mask)
	}

	expFilt, err := preprocess.MedianFilter(exp, opts.KernelSize)
	if err != nil {
		return nil, err
	}
	inspFilt, err := preprocess.MedianFilter(insp, opts.KernelSize)
	if err != nil {
		return nil, err
	}

	narrowed, err := preprocess.Exclude(expFilt, inspFilt, mask, opts.ExcludeLower, opts.ExcludeUpper)
	if err != nil {
		return nil, err
	}

	return &Preprocessed{ExpFilt: expFilt, InspFilt: inspFilt, Mask: narrowed}, nil
}

// Classify labels the preprocessed volumes
func Classify(pre *Preprocessed, classifier *prm.Classifier) (*prm.Classification, error) {
	return classifier.Classify(pre.ExpFilt, pre.InspFilt, pre.Mask)
}

// Topology computes the global densities of every class and, if local is
// set, the local maps. The two branches share only read-only inputs and run
// concurrently. A window larger than the volume skips the local branch and
// records why in LocalSkipped; the global densities are still returned.
func Topology(ctx context.Context, oracle minkowski.Oracle, cls *prm.Classification, p topology.Params, local bool) (*TopologyResult, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("topology: %w", err)
	}

	res := &TopologyResult{}
	if local {
		if _, err := topology.GridShape(cls.Mask.Shape(), p.Radius, p.Stride); errors.Is(err, topology.ErrWindowTooLarge) {
			res.LocalSkipped = err
			local = false
		}
	}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for _, c := range prm.Classes() {
			if err := ctx.Err(); err != nil {
				return err
			}
			d, err := topology.Global(oracle, cls.Binary[c], cls.Mask, p)
			if err != nil {
				return fmt.Errorf("global %s: %w", c, err)
			}
			res.Global[c] = d
		}
		return nil
	})

	if local {
		var maps [prm.NumClasses][minkowski.NumMeasures]*models.Volume
		var means [prm.NumClasses]topology.Densities

		g.Go(func() error {
			for _, c := range prm.Classes() {
				if err := ctx.Err(); err != nil {
					return err
				}
				grid, err := topology.Local(oracle, cls.Binary[c], cls.Mask, p)
				if err != nil {
					return fmt.Errorf("local %s: %w", c, err)
				}
				full, err := grid.Resample(cls.Mask)
				if err != nil {
					return fmt.Errorf("local %s: %w", c, err)
				}
				m, err := stats.LocalMeans(full, cls.Mask)
				if err != nil {
					return fmt.Errorf("local %s: %w", c, err)
				}
				maps[c] = full
				means[c] = m
			}
			res.LocalMaps = &maps
			res.LocalMeans = &means
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// Aggregate merges the classification and topology results into one record
func Aggregate(subjectID string, cls *prm.Classification, topo *TopologyResult) stats.Record {
	return stats.Build(subjectID, cls.Percentages(), topo.Global, topo.LocalMeans)
}
