// Package stats flattens the per-subject PRM and topology results into one
// tabular record.
package stats

import (
	"fmt"
	"os"

	"github.com/gocarina/gocsv"
	"gonum.org/v1/gonum/stat"

	"prmtopo/internal/models"
	"prmtopo/pkg/minkowski"
	"prmtopo/pkg/prm"
	"prmtopo/pkg/topology"
)

// Record is one row of the stats table. Column names follow
// <metric>_<scope>_<class>; SubjectID always comes first.
type Record struct {
	SubjectID string `csv:"subject_id"`

	PrctNorm         float64 `csv:"PRM_norm_prct"`
	PrctFSAD         float64 `csv:"PRM_fSAD_prct"`
	PrctEmph         float64 `csv:"PRM_emph_prct"`
	PrctEmptyingEmph float64 `csv:"PRM_emptemph_prct"`

	VolGlobalNorm       float64 `csv:"vol_global_norm"`
	AreaGlobalNorm      float64 `csv:"surf_area_global_norm"`
	CurvGlobalNorm      float64 `csv:"curv_global_norm"`
	EulerGlobalNorm     float64 `csv:"euler_global_norm"`
	VolGlobalFSAD       float64 `csv:"vol_global_fSAD"`
	AreaGlobalFSAD      float64 `csv:"surf_area_global_fSAD"`
	CurvGlobalFSAD      float64 `csv:"curv_global_fSAD"`
	EulerGlobalFSAD     float64 `csv:"euler_global_fSAD"`
	VolGlobalEmph       float64 `csv:"vol_global_emph"`
	AreaGlobalEmph      float64 `csv:"surf_area_global_emph"`
	CurvGlobalEmph      float64 `csv:"curv_global_emph"`
	EulerGlobalEmph     float64 `csv:"euler_global_emph"`
	VolGlobalEmptEmph   float64 `csv:"vol_global_emptemph"`
	AreaGlobalEmptEmph  float64 `csv:"surf_area_global_emptemph"`
	CurvGlobalEmptEmph  float64 `csv:"curv_global_emptemph"`
	EulerGlobalEmptEmph float64 `csv:"euler_global_emptemph"`

	// Local means are nil when the local branch was skipped
	VolLocalNorm       *float64 `csv:"vol_local_norm"`
	AreaLocalNorm      *float64 `csv:"surf_area_local_norm"`
	CurvLocalNorm      *float64 `csv:"curv_local_norm"`
	EulerLocalNorm     *float64 `csv:"euler_local_norm"`
	VolLocalFSAD       *float64 `csv:"vol_local_fSAD"`
	AreaLocalFSAD      *float64 `csv:"surf_area_local_fSAD"`
	CurvLocalFSAD      *float64 `csv:"curv_local_fSAD"`
	EulerLocalFSAD     *float64 `csv:"euler_local_fSAD"`
	VolLocalEmph       *float64 `csv:"vol_local_emph"`
	AreaLocalEmph      *float64 `csv:"surf_area_local_emph"`
	CurvLocalEmph      *float64 `csv:"curv_local_emph"`
	EulerLocalEmph     *float64 `csv:"euler_local_emph"`
	VolLocalEmptEmph   *float64 `csv:"vol_local_emptemph"`
	AreaLocalEmptEmph  *float64 `csv:"surf_area_local_emptemph"`
	CurvLocalEmptEmph  *float64 `csv:"curv_local_emptemph"`
	EulerLocalEmptEmph *float64 `csv:"euler_local_emptemph"`
}

// prct returns the percentage field of class c
func (r *Record) prct(c prm.Class) *float64 {
	switch c {
	case prm.Norm:
		return &r.PrctNorm
	case prm.FSAD:
		return &r.PrctFSAD
	case prm.Emph:
		return &r.PrctEmph
	default:
		return &r.PrctEmptyingEmph
	}
}

// global returns the four global fields of class c in measure order
func (r *Record) global(c prm.Class) [minkowski.NumMeasures]*float64 {
	switch c {
	case prm.Norm:
		return [...]*float64{&r.VolGlobalNorm, &r.AreaGlobalNorm, &r.CurvGlobalNorm, &r.EulerGlobalNorm}
	case prm.FSAD:
		return [...]*float64{&r.VolGlobalFSAD, &r.AreaGlobalFSAD, &r.CurvGlobalFSAD, &r.EulerGlobalFSAD}
	case prm.Emph:
		return [...]*float64{&r.VolGlobalEmph, &r.AreaGlobalEmph, &r.CurvGlobalEmph, &r.EulerGlobalEmph}
	default:
		return [...]*float64{&r.VolGlobalEmptEmph, &r.AreaGlobalEmptEmph, &r.CurvGlobalEmptEmph, &r.EulerGlobalEmptEmph}
	}
}

// local returns the four local fields of class c in measure order
func (r *Record) local(c prm.Class) [minkowski.NumMeasures]**float64 {
	switch c {
	case prm.Norm:
		return [...]**float64{&r.VolLocalNorm, &r.AreaLocalNorm, &r.CurvLocalNorm, &r.EulerLocalNorm}
	case prm.FSAD:
		return [...]**float64{&r.VolLocalFSAD, &r.AreaLocalFSAD, &r.CurvLocalFSAD, &r.EulerLocalFSAD}
	case prm.Emph:
		return [...]**float64{&r.VolLocalEmph, &r.AreaLocalEmph, &r.CurvLocalEmph, &r.EulerLocalEmph}
	default:
		return [...]**float64{&r.VolLocalEmptEmph, &r.AreaLocalEmptEmph, &r.CurvLocalEmptEmph, &r.EulerLocalEmptEmph}
	}
}

// Percent returns the stored percentage of class c
func (r *Record) Percent(c prm.Class) float64 {
	return *r.prct(c)
}

// Global returns the stored global densities of class c
func (r *Record) Global(c prm.Class) topology.Densities {
	var d topology.Densities
	for m, f := range r.global(c) {
		d[m] = *f
	}
	return d
}

// Local returns the stored local means of class c and whether they were set
func (r *Record) Local(c prm.Class) (topology.Densities, bool) {
	var d topology.Densities
	for m, f := range r.local(c) {
		if *f == nil {
			return topology.Densities{}, false
		}
		d[m] = **f
	}
	return d, true
}

// Build merges already computed results into one record. local may be nil
// when the local branch was skipped.
func Build(subjectID string, percentages [prm.NumClasses]float64, global [prm.NumClasses]topology.Densities, local *[prm.NumClasses]topology.Densities) Record {
	r := Record{SubjectID: subjectID}
	for _, c := range prm.Classes() {
		*r.prct(c) = percentages[c]
		for m, f := range r.global(c) {
			*f = global[c][m]
		}
		if local == nil {
			continue
		}
		for m, f := range r.local(c) {
			v := local[c][m]
			*f = &v
		}
	}
	return r
}

// LocalMeans averages every resampled local map over the voxels inside mask.
// An empty mask gives zero means.
func LocalMeans(maps [minkowski.NumMeasures]*models.Volume, mask *models.Volume) (topology.Densities, error) {
	var out topology.Densities

	idx := make([]int, 0, mask.Len())
	for i, m := range mask.Data {
		if m > 0 {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return out, nil
	}

	values := make([]float64, len(idx))
	for m, vol := range maps {
		if err := models.CheckShapes(vol, mask); err != nil {
			return out, fmt.Errorf("local mean of %s: %w", minkowski.Measure(m), err)
		}
		for j, i := range idx {
			values[j] = vol.Data[i]
		}
		out[m] = stat.Mean(values, nil)
	}
	return out, nil
}

// AppendCSV appends records to the table at path, writing the header only
// when the file is new or empty.
func AppendCSV(path string, records ...*Record) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open stats file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat stats file: %w", err)
	}

	if info.Size() == 0 {
		err = gocsv.Marshal(records, f)
	} else {
		err = gocsv.MarshalWithoutHeaders(records, f)
	}
	if err != nil {
		return fmt.Errorf("failed to write stats: %w", err)
	}
	return nil
}
