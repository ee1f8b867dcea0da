package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"prmtopo/internal/models"
	"prmtopo/pkg/config"
	"prmtopo/pkg/minkowski"
	"prmtopo/pkg/prm"
	"prmtopo/pkg/stats"
	"prmtopo/pkg/visualization"
	"prmtopo/pkg/volumeio"
)

// Output file name prefixes, followed by the subject id
const (
	prmPrefix      = "prm_"
	prmAllPrefix   = "prm_all_"
	prmColorPrefix = "prm_all_color_"
	topoPrefix     = "topo_local_"
	niftiExt       = ".nii.gz"
	plotAxis       = "y"
)

// ClassMapPath returns where the binary map of class c is written
func ClassMapPath(outDir, subjectID string, c prm.Class) string {
	return filepath.Join(outDir, prmPrefix+c.String()+"_"+subjectID+niftiExt)
}

// CombinedMapPath returns where the combined PRM label map is written
func CombinedMapPath(outDir, subjectID string) string {
	return filepath.Join(outDir, prmAllPrefix+subjectID+niftiExt)
}

// LocalMapPath returns where the 4D local topology map of class c is written.
// Its time points follow minkowski.Measures().
func LocalMapPath(outDir, subjectID string, c prm.Class) string {
	return filepath.Join(outDir, topoPrefix+c.String()+"_"+subjectID+niftiExt)
}

// ColorSlicePath returns where the representative colour PRM slice is written
func ColorSlicePath(outDir, subjectID string) string {
	return filepath.Join(outDir, prmColorPrefix+subjectID+".png")
}

// Persist writes the PRM maps, the local topology maps, the colour slice
// images and the stats row of one subject. background is the CT drawn under
// the colour slices and may be nil.
func Persist(cfg *config.Config, cls *prm.Classification, topo *TopologyResult, rec *stats.Record, background *models.Volume, logger logrus.FieldLogger) error {
	if err := SaveMaps(cfg, cls, topo, background, logger); err != nil {
		return err
	}
	return SaveStats(cfg, rec, logger)
}

// SaveMaps writes the per-subject images: the PRM maps, the local topology
// maps and the colour slices. Subjects write disjoint files, so no locking
// is needed.
func SaveMaps(cfg *config.Config, cls *prm.Classification, topo *TopologyResult, background *models.Volume, logger logrus.FieldLogger) error {
	outDir := cfg.IO.OutDir
	id := cfg.Subject.ID
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if cfg.Output.SaveNifti {
		for _, c := range prm.Classes() {
			if err := volumeio.Write(ClassMapPath(outDir, id, c), cls.Binary[c]); err != nil {
				return fmt.Errorf("failed to save %s map: %w", c, err)
			}
		}
		if err := volumeio.Write(CombinedMapPath(outDir, id), cls.Labels); err != nil {
			return fmt.Errorf("failed to save combined map: %w", err)
		}
		if topo.HasLocal() {
			for _, c := range prm.Classes() {
				channels := topo.LocalMaps[c]
				if err := volumeio.Write(LocalMapPath(outDir, id, c), channels[:]...); err != nil {
					return fmt.Errorf("failed to save local %s topology: %w", c, err)
				}
			}
		}
		logger.WithField("dir", outDir).Debug("Saved NIfTI maps")
	}

	if cfg.Output.SavePNG {
		if err := saveColorSlices(cfg, cls, background, logger); err != nil {
			return err
		}
	}
	return nil
}

// SaveStats appends rec to the stats table. The table may be shared between
// subjects, so concurrent callers must serialize.
func SaveStats(cfg *config.Config, rec *stats.Record, logger logrus.FieldLogger) error {
	statsPath := cfg.StatsPath()
	if err := os.MkdirAll(filepath.Dir(statsPath), 0755); err != nil {
		return fmt.Errorf("failed to create stats directory: %w", err)
	}
	if err := stats.AppendCSV(statsPath, rec); err != nil {
		return err
	}
	logger.WithField("file", statsPath).Debug("Appended stats row")

	return nil
}

func saveColorSlices(cfg *config.Config, cls *prm.Classification, background *models.Volume, logger logrus.FieldLogger) error {
	if background != nil && !background.SameShape(cls.Labels) {
		logger.Warn("Background does not match the PRM map, plotting without it")
		background = nil
	}
	viewer, err := visualization.NewViewer(cls.Labels, background)
	if err != nil {
		return fmt.Errorf("failed to create viewer: %w", err)
	}

	pos := cfg.Output.PlotSlice
	if pos < 0 {
		if pos, err = viewer.MiddleSlice(plotAxis); err != nil {
			return err
		}
	}
	img, err := viewer.RenderSlice(plotAxis, pos)
	if err != nil {
		return fmt.Errorf("failed to render PRM slice: %w", err)
	}
	path := ColorSlicePath(cfg.IO.OutDir, cfg.Subject.ID)
	if err := viewer.SaveSlice(img, path); err != nil {
		return fmt.Errorf("failed to save PRM slice: %w", err)
	}
	logger.WithFields(logrus.Fields{"file": path, "slice": pos}).Debug("Saved colour PRM slice")

	if cfg.Output.SaveSliceSequence {
		dir := filepath.Join(cfg.IO.OutDir, prmColorPrefix+cfg.Subject.ID)
		if err := viewer.SaveSliceSequence(plotAxis, dir); err != nil {
			return fmt.Errorf("failed to save PRM slice sequence: %w", err)
		}
	}
	return nil
}

// measureNames lists the channel order of the local topology maps
func measureNames() []string {
	names := make([]string, 0, minkowski.NumMeasures)
	for _, m := range minkowski.Measures() {
		names = append(names, m.String())
	}
	return names
}
